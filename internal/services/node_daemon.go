package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/worldland/worldland-broker/internal/domain"
)

// DefaultReportInterval is how often the agent pushes a NodeStatus.
const DefaultReportInterval = 5 * time.Second

// OwnerResolver maps GPU process PIDs to user names.
type OwnerResolver interface {
	Owners(ctx context.Context) (map[uint32]string, error)
}

// Reporter delivers a NodeStatus to the broker.
type Reporter interface {
	PushStatus(ctx context.Context, status domain.NodeStatus) error
}

// NodeDaemon samples local GPUs and pushes NodeStatus reports to the broker.
type NodeDaemon struct {
	gpuProvider domain.GPUProvider
	reporter    Reporter
	owners      OwnerResolver
	host        HostSampler
	nodeID      string
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewNodeDaemon creates a new node daemon
func NewNodeDaemon(gpuProvider domain.GPUProvider, reporter Reporter, nodeID string, logger *slog.Logger) *NodeDaemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeDaemon{
		gpuProvider: gpuProvider,
		reporter:    reporter,
		nodeID:      nodeID,
		interval:    DefaultReportInterval,
		logger:      logger.With("node", nodeID),
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// SetOwnerResolver attributes GPU processes to users. Without one every
// process is reported as "unknown".
func (d *NodeDaemon) SetOwnerResolver(r OwnerResolver) { d.owners = r }

// SetHostSampler enables CPU and memory reporting.
func (d *NodeDaemon) SetHostSampler(s HostSampler) { d.host = s }

// SetInterval overrides DefaultReportInterval.
func (d *NodeDaemon) SetInterval(interval time.Duration) {
	if interval > 0 {
		d.interval = interval
	}
}

// Start reports once immediately, then on every tick until ctx is done or Stop is called.
func (d *NodeDaemon) Start(ctx context.Context) error {
	if err := d.gpuProvider.Init(); err != nil {
		return fmt.Errorf("failed to initialize GPU provider: %w", err)
	}
	defer d.gpuProvider.Shutdown()

	d.logger.Info("node agent started", "interval", d.interval)
	d.report(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stopCh:
			return nil
		case <-ticker.C:
			d.report(ctx)
		}
	}
}

// Stop gracefully stops the daemon
func (d *NodeDaemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *NodeDaemon) report(ctx context.Context) {
	status, err := d.BuildStatus(ctx)
	if err != nil {
		d.logger.Error("failed to collect node status", "error", err)
		return
	}
	if err := d.push(ctx, status); err != nil {
		d.logger.Warn("failed to push node status", "error", err)
		return
	}
	d.logger.Debug("node status pushed", "gpus", len(status.GPUs))
}

// BuildStatus samples the GPUs, process owners and host usage into one report.
func (d *NodeDaemon) BuildStatus(ctx context.Context) (domain.NodeStatus, error) {
	metrics, err := d.gpuProvider.GetMetrics()
	if err != nil {
		return domain.NodeStatus{}, fmt.Errorf("failed to collect GPU metrics: %w", err)
	}

	var owners map[uint32]string
	if d.owners != nil {
		owners, err = d.owners.Owners(ctx)
		if err != nil {
			// Report the GPUs anyway; processes just lose attribution.
			d.logger.Warn("failed to resolve process owners", "error", err)
		}
	}

	cpu, mem := decimal.Zero, decimal.Zero
	if d.host != nil {
		if cpu, mem, err = d.host.Sample(); err != nil {
			d.logger.Warn("failed to sample host usage", "error", err)
			cpu, mem = decimal.Zero, decimal.Zero
		}
	}

	return domain.NodeStatus{
		NodeID:        d.nodeID,
		CPUUsage:      cpu,
		MemoryUsageGB: mem,
		Timestamp:     d.now().UTC(),
		GPUs:          domain.StatusFromMetrics(metrics, owners),
	}, nil
}

// push retries within one report interval; a newer report supersedes this one.
func (d *NodeDaemon) push(ctx context.Context, status domain.NodeStatus) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.interval / 10
	b.MaxInterval = d.interval / 2
	b.MaxElapsedTime = d.interval

	operation := func() error {
		err := d.reporter.PushStatus(ctx, status)
		if errors.Is(err, domain.ErrInvalidRequest) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
