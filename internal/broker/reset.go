package broker

import (
	"context"
	"fmt"
)

// Reset drops every active reservation, then every GPU process. Released history is kept.
// Running it twice leaves the same state as running it once.
func (b *Broker) Reset(ctx context.Context) error {
	if err := b.store.Clear(ctx); err != nil {
		b.logger.Error("reset failed", "error", err)
		return fmt.Errorf("clear reservations: %w", err)
	}
	b.topology.ClearProcesses()
	b.metrics.resets.Inc()
	b.logger.Info("cluster reset")
	return nil
}
