// Package supervisor runs the long lived services of a process under a
// restart-on-failure supervision tree.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration
type TreeConfig struct {
	// Failures tolerated before the supervisor backs off
	FailureThreshold float64
	// Rate in seconds at which failures decay
	FailureDecay float64
	// Pause once the threshold is exceeded
	FailureBackoff time.Duration
	// Maximum wait for a service to stop
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns the suture defaults
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree groups services in three layers so a crashing worker pool does
// not restart the scheduler passes:
//
//	aapsync
//	├── scheduling   task manager, periodic scheduler
//	├── workers      worker pools
//	└── metrics      metrics flushers
type Tree struct {
	root       *suture.Supervisor
	scheduling *suture.Supervisor
	workers    *suture.Supervisor
	metrics    *suture.Supervisor
	config     TreeConfig
}

// NewTree creates an empty supervisor tree. Zero config values take the
// defaults.
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	defaults := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = defaults.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	t := &Tree{
		root:       suture.New("aapsync", rootSpec),
		scheduling: suture.New("scheduling", childSpec),
		workers:    suture.New("workers", childSpec),
		metrics:    suture.New("metrics", childSpec),
		config:     config,
	}
	t.root.Add(t.scheduling)
	t.root.Add(t.workers)
	t.root.Add(t.metrics)
	return t
}

// AddScheduling adds a scheduler pass loop
func (t *Tree) AddScheduling(svc suture.Service) suture.ServiceToken {
	return t.scheduling.Add(svc)
}

// AddWorker adds a worker pool
func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

// AddMetrics adds a metrics flusher
func (t *Tree) AddMetrics(svc suture.Service) suture.ServiceToken {
	return t.metrics.Add(svc)
}

// Serve runs the tree until ctx is canceled
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine. The channel receives the
// result of Serve.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that ignored the shutdown timeout
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
