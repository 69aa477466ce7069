package container

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// UserLabel is the container label carrying the owning user of a GPU session.
const UserLabel = "worldland.user"

// DockerClient is the subset of the Docker API the resolver needs (mockable).
type DockerClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerTop(ctx context.Context, containerID string, arguments []string) (container.TopResponse, error)
	Close() error
}

// Compile-time interface check
var _ DockerClient = (*client.Client)(nil)

// OwnerResolver maps host PIDs to the user that owns the container running them.
type OwnerResolver struct {
	cli    DockerClient
	label  string
	logger *slog.Logger
}

// NewOwnerResolver creates a resolver talking to the local Docker daemon.
func NewOwnerResolver(logger *slog.Logger) (*OwnerResolver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewOwnerResolverWithClient(cli, logger), nil
}

// NewOwnerResolverWithClient creates a resolver with a provided client (for testing)
func NewOwnerResolverWithClient(cli DockerClient, logger *slog.Logger) *OwnerResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OwnerResolver{cli: cli, label: UserLabel, logger: logger}
}

// Owners returns the owning user of every process running in a labelled container.
func (r *OwnerResolver) Owners(ctx context.Context) (map[uint32]string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 5 * time.Second

	var containers []container.Summary
	operation := func() error {
		var err error
		containers, err = r.cli.ContainerList(ctx, container.ListOptions{
			Filters: filters.NewArgs(filters.Arg("label", r.label)),
		})
		if err != nil {
			return fmt.Errorf("failed to list containers: %w", err)
		}
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	owners := make(map[uint32]string)
	for _, c := range containers {
		user := c.Labels[r.label]
		if user == "" {
			continue
		}
		top, err := r.cli.ContainerTop(ctx, c.ID, nil)
		if err != nil {
			// Container may have exited between list and top.
			r.logger.Warn("skipping container", "container", shortID(c.ID), "error", err)
			continue
		}
		for _, pid := range pids(top) {
			owners[pid] = user
		}
	}
	return owners, nil
}

// Close closes the Docker client connection
func (r *OwnerResolver) Close() error {
	if r.cli != nil {
		return r.cli.Close()
	}
	return nil
}

func pids(top container.TopResponse) []uint32 {
	col := -1
	for i, title := range top.Titles {
		if title == "PID" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil
	}
	var out []uint32
	for _, row := range top.Processes {
		if col >= len(row) {
			continue
		}
		pid, err := strconv.ParseUint(row[col], 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(pid))
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
