package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Flusher periodically flushes and publishes a set of aggregators
type Flusher struct {
	aggregators []*Aggregator
	interval    time.Duration
	logger      *slog.Logger
}

// NewFlusher creates a flusher service
func NewFlusher(config Config, logger *slog.Logger, aggregators ...*Aggregator) *Flusher {
	return &Flusher{
		aggregators: aggregators,
		interval:    config.FlushInterval,
		logger:      logger,
	}
}

// Serve flushes every interval until ctx is done, then flushes once more
func (f *Flusher) Serve(ctx context.Context) error {
	f.logger.Info("starting metrics flusher", "interval", f.interval)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.flushAll(context.WithoutCancel(ctx))
			f.logger.Info("metrics flusher stopped")
			return ctx.Err()
		case <-ticker.C:
			f.flushAll(ctx)
		}
	}
}

func (f *Flusher) flushAll(ctx context.Context) {
	for _, a := range f.aggregators {
		if _, err := a.Flush(ctx); err != nil {
			f.logger.Error("metrics flush failed", "subsystem", a.Registry().Subsystem(), "error", err)
			continue
		}
		if _, err := a.Publish(ctx); err != nil {
			f.logger.Error("metrics publish failed", "subsystem", a.Registry().Subsystem(), "error", err)
		}
	}
}

func (f *Flusher) String() string {
	return "metrics-flusher"
}
