package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"
	"github.com/shopspring/decimal"

	"github.com/worldland/worldland-broker/internal/adapters/mtls"
	"github.com/worldland/worldland-broker/internal/adapters/nvml"
	"github.com/worldland/worldland-broker/internal/cli"
	"github.com/worldland/worldland-broker/internal/container"
	"github.com/worldland/worldland-broker/internal/domain"
	"github.com/worldland/worldland-broker/internal/log"
	"github.com/worldland/worldland-broker/internal/services"
	"github.com/worldland/worldland-broker/internal/setup"
)

func main() {
	hostname, _ := os.Hostname()
	var (
		logOutput, logFormat, logFile, logLevel string

		nodeID       string
		brokerURL    string
		interval     time.Duration
		timeout      time.Duration
		mockFallback bool
		docker       bool
		procPath     string
		preflight    bool
		tlsFiles     mtls.Files
	)
	app := kingpin.New(filepath.Base(os.Args[0]), "GPU broker node agent.")
	app.HelpFlag.Short('h')
	app.Flag("log.level", "Log level, one of [debug, info, warn, error].").Default("info").EnumVar(&logLevel, log.Levels...)
	app.Flag("log.output", "Log output, one of [stdout, stderr, file].").Default("stderr").EnumVar(&logOutput, log.Outputs...)
	app.Flag("log.format", "Log format, one of [json, text].").Default("text").EnumVar(&logFormat, log.Formats...)
	app.Flag("log.file", "Log file path when --log.output=file.").PlaceHolder("PATH").StringVar(&logFile)
	app.Flag("node.id", "Node id reported to the broker.").Default(hostname).StringVar(&nodeID)
	app.Flag("broker.url", "Broker base URL.").Default("http://localhost:8080").StringVar(&brokerURL)
	app.Flag("broker.timeout", "Timeout for one status push.").Default("5s").DurationVar(&timeout)
	app.Flag("report.interval", "Interval between status reports.").Default(services.DefaultReportInterval.String()).DurationVar(&interval)
	app.Flag("gpu.mock-fallback", "Report two demo GPUs when NVML is unavailable.").Default("true").BoolVar(&mockFallback)
	app.Flag("docker.attribution", "Attribute GPU processes to users through docker container labels.").Default("true").BoolVar(&docker)
	app.Flag("host.procfs", "procfs mount point for CPU and memory usage; empty disables host reporting.").Default("/proc").StringVar(&procPath)
	app.Flag("preflight", "Check host components (driver, docker, container toolkit) at startup.").Default("true").BoolVar(&preflight)
	app.Flag("tls.cert", "Client certificate; enables mTLS together with --tls.key and --tls.ca.").PlaceHolder("PATH").StringVar(&tlsFiles.CertFile)
	app.Flag("tls.key", "Client private key.").PlaceHolder("PATH").StringVar(&tlsFiles.KeyFile)
	app.Flag("tls.ca", "CA bundle used to verify the broker.").PlaceHolder("PATH").StringVar(&tlsFiles.CAFile)
	app.PreAction(func(*kingpin.ParseContext) error {
		if strings.EqualFold(logOutput, "file") && strings.TrimSpace(logFile) == "" {
			return fmt.Errorf("--log.file is required when --log.output=file")
		}
		if strings.TrimSpace(nodeID) == "" {
			return fmt.Errorf("--node.id is required")
		}
		if interval <= 0 {
			return fmt.Errorf("--report.interval must be positive")
		}
		return tlsFiles.Validate()
	})
	app.Version(version.Print("gpu-broker-agent"))

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("failed to parse commandline arguments: %w", err))
		app.Usage(os.Args[1:])
		os.Exit(2)
	}

	logger, logClose, err := log.NewLogger(logOutput, logFormat, logFile, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logClose()
	decimal.MarshalJSONWithoutQuotes = true

	var tlsCfg *tls.Config
	if tlsFiles.Enabled() {
		if tlsCfg, err = mtls.LoadClientConfig(tlsFiles); err != nil {
			logger.Error("failed to load TLS config", slog.Any("err", err))
			os.Exit(1)
		}
	}
	client := cli.NewBrokerClient(brokerURL, mtls.NewHTTPClient(tlsCfg, timeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if preflight {
		setup.NewPreflight().Check(ctx).Log(logger)
	}

	gpu, err := gpuProvider(mockFallback, logger)
	if err != nil {
		logger.Error("no GPU provider", slog.Any("err", err))
		os.Exit(1)
	}

	daemon := services.NewNodeDaemon(gpu, client, nodeID, logger)
	daemon.SetInterval(interval)
	if docker {
		resolver, err := container.NewOwnerResolver(logger)
		if err != nil {
			logger.Warn("docker attribution disabled", slog.Any("err", err))
		} else {
			defer resolver.Close()
			daemon.SetOwnerResolver(resolver)
		}
	}
	if procPath != "" {
		sampler, err := services.NewProcSampler(procPath)
		if err != nil {
			logger.Warn("host usage reporting disabled", slog.Any("err", err))
		} else {
			daemon.SetHostSampler(sampler)
		}
	}

	logger.Info("reporting to broker", "broker", brokerURL, "mtls", tlsCfg != nil)
	if err := daemon.Start(ctx); err != nil {
		logger.Error("agent failed", slog.Any("err", err))
		logClose()
		os.Exit(1)
	}
	logger.Info("agent exiting")
}

// gpuProvider probes NVML and falls back to the demo provider when allowed.
func gpuProvider(mockFallback bool, logger *slog.Logger) (domain.GPUProvider, error) {
	p := nvml.NewNVMLProvider()
	if err := p.Init(); err != nil {
		if !mockFallback {
			return nil, err
		}
		logger.Warn("NVML unavailable, reporting demo GPUs", slog.Any("err", err))
		return nvml.NewDemoProvider(), nil
	}
	n, _ := p.GetDeviceCount()
	logger.Info("NVML initialized", "gpus", n)
	_ = p.Shutdown()
	return p, nil
}
