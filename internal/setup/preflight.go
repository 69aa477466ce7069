package setup

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ComponentStatus represents the installation status of a host component the agent relies on
type ComponentStatus struct {
	Name      string
	Installed bool
	Version   string
	// Required components make the agent fall back (demo GPUs, no attribution) when missing.
	Required bool
}

// PreflightResult contains the results of the preflight check
type PreflightResult struct {
	Components []ComponentStatus
	OSId       string // "ubuntu", "debian", etc.
	OSVersion  string // "22.04", "12", etc.
	GPUFound   bool
	GPUName    string
}

// Preflight inspects the host before the agent starts reporting.
type Preflight struct {
	LookPath  func(file string) (string, error)
	Run       func(ctx context.Context, name string, args ...string) ([]byte, error)
	OSRelease string
	Timeout   time.Duration
}

// NewPreflight returns a Preflight that runs real binaries.
func NewPreflight() *Preflight {
	return &Preflight{
		LookPath: exec.LookPath,
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
		OSRelease: "/etc/os-release",
		Timeout:   5 * time.Second,
	}
}

type component struct {
	name, binary string
	args         []string
	required     bool
}

var components = []component{
	{"nvidia-smi", "nvidia-smi", []string{"--query-gpu=driver_version", "--format=csv,noheader"}, true},
	{"docker", "docker", []string{"version", "--format", "{{.Server.Version}}"}, false},
	{"nvidia-ctk", "nvidia-ctk", []string{"--version"}, false},
}

// Check checks every component and detects the OS and first GPU.
func (p *Preflight) Check(ctx context.Context) *PreflightResult {
	result := &PreflightResult{}
	result.OSId, result.OSVersion = detectOS(p.OSRelease)
	result.GPUFound, result.GPUName = p.detectNvidiaGPU(ctx)
	for _, c := range components {
		result.Components = append(result.Components, p.checkComponent(ctx, c))
	}
	return result
}

// MissingComponents returns the names of components that are not installed
func (r *PreflightResult) MissingComponents() []string {
	var missing []string
	for _, c := range r.Components {
		if !c.Installed {
			missing = append(missing, c.Name)
		}
	}
	return missing
}

// Log writes the preflight results, warning about missing required components.
func (r *PreflightResult) Log(logger *slog.Logger) {
	for _, c := range r.Components {
		switch {
		case c.Installed:
			logger.Info("preflight", "component", c.Name, "version", c.Version)
		case c.Required:
			logger.Warn("preflight: required component missing", "component", c.Name)
		default:
			logger.Info("preflight: optional component missing", "component", c.Name)
		}
	}
	logger.Info("preflight", "os", r.OSId, "os_version", r.OSVersion, "gpu_found", r.GPUFound, "gpu", r.GPUName)
}

func (p *Preflight) output(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return p.Run(ctx, name, args...)
}

func (p *Preflight) checkComponent(ctx context.Context, c component) ComponentStatus {
	cs := ComponentStatus{Name: c.name, Required: c.required}

	if _, err := p.LookPath(c.binary); err != nil {
		return cs
	}

	cs.Installed = true
	out, err := p.output(ctx, c.binary, c.args...)
	if err != nil {
		// Binary exists but version command failed
		cs.Version = "(version unknown)"
		return cs
	}
	cs.Version = firstLine(string(out))
	if len(cs.Version) > 60 {
		cs.Version = cs.Version[:60]
	}
	return cs
}

func detectOS(path string) (id, version string) {
	f, err := os.Open(path)
	if err != nil {
		return "unknown", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "ID=") {
			id = strings.Trim(strings.TrimPrefix(line, "ID="), "\"")
		}
		if strings.HasPrefix(line, "VERSION_ID=") {
			version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), "\"")
		}
	}
	return id, version
}

func (p *Preflight) detectNvidiaGPU(ctx context.Context) (found bool, name string) {
	out, err := p.output(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		return false, ""
	}
	name = firstLine(string(out))
	return name != "", name
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
