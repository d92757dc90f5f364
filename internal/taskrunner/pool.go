package taskrunner

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/livinlefevreloca/aapsync/internal/dispatch"
	"github.com/livinlefevreloca/aapsync/internal/inbox"
	"github.com/livinlefevreloca/aapsync/internal/metrics"
)

// PoolQueue is the part of the dispatch queue a worker pool consumes
type PoolQueue interface {
	Pop(ctx context.Context, jobType string, timeout time.Duration) (*dispatch.Message, error)
	ReceiveControl(ctx context.Context, instance string, timeout time.Duration) (string, error)
	Heartbeat(ctx context.Context, info dispatch.WorkerInfo, ttl time.Duration) error
}

// event reports a job starting or finishing on one of the pool workers
type event struct {
	jobID string
	done  bool
}

// Pool runs a fixed number of workers per job type. Workers pop dispatch
// messages and hand them to the runner; the pool loop tracks what is
// running, publishes heartbeats and applies control commands.
type Pool struct {
	runner *Runner
	queue  PoolQueue
	config Config
	logger *slog.Logger
	now    func() time.Time

	// Reload returns the configuration applied on a reload command. When
	// nil the workers restart with the current configuration.
	Reload func() (Config, error)

	events    *inbox.Inbox[event]
	running   map[string]struct{}
	startedAt time.Time

	mu       sync.Mutex
	reloads  int
	snapshot []string
}

// NewPool creates a worker pool around runner
func NewPool(runner *Runner, queue PoolQueue, config Config, logger *slog.Logger) *Pool {
	return &Pool{
		runner:  runner,
		queue:   queue,
		config:  config,
		logger:  logger,
		now:     time.Now,
		events:  inbox.New[event](config.InboxBufferSize, config.InboxSendTimeout, logger),
		running: make(map[string]struct{}),
	}
}

// Serve runs the pool until ctx is done. In-flight jobs share ctx, so a
// shutdown interrupts them and leaves them for startup recovery.
func (p *Pool) Serve(ctx context.Context) error {
	p.startedAt = p.now().UTC()
	p.logger.Info("worker pool starting",
		"instance", p.config.Instance,
		"sync_workers", p.config.SyncConcurrency,
		"parse_workers", p.config.ParseConcurrency)

	controls := make(chan string)
	go p.receiveControls(ctx, p.config.Instance, p.config.PollTimeout, controls)

	for {
		fetchCtx, stopFetching := context.WithCancel(ctx)
		var wg sync.WaitGroup
		p.startWorkers(fetchCtx, ctx, &wg)

		reload := p.supervise(ctx, controls)

		stopFetching()
		wg.Wait()
		p.collectEvents()

		if !reload {
			p.logger.Info("worker pool stopped", "instance", p.config.Instance)
			return ctx.Err()
		}
		p.applyReload()
	}
}

func (p *Pool) startWorkers(fetchCtx, runCtx context.Context, wg *sync.WaitGroup) {
	for jobType, n := range p.config.Concurrency() {
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.work(fetchCtx, runCtx, jobType, i)
			}()
		}
	}
}

// supervise publishes heartbeats until ctx is done or a reload is
// requested. It reports whether the workers should restart.
func (p *Pool) supervise(ctx context.Context, controls <-chan string) bool {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	p.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			p.heartbeat(ctx)
		case cmd := <-controls:
			switch cmd {
			case dispatch.ControlReload:
				p.logger.Info("reload requested, draining workers")
				return true
			default:
				p.logger.Warn("ignoring unknown control command", "command", cmd)
			}
		}
	}
}

func (p *Pool) work(fetchCtx, runCtx context.Context, jobType string, worker int) {
	logger := p.logger.With("type", jobType, "worker", worker)
	for fetchCtx.Err() == nil {
		msg, err := p.queue.Pop(fetchCtx, jobType, p.config.PollTimeout)
		if err != nil {
			if fetchCtx.Err() != nil {
				return
			}
			logger.Warn("failed to pop dispatch message", "error", err)
			select {
			case <-fetchCtx.Done():
				return
			case <-time.After(p.config.PollTimeout):
			}
			continue
		}
		if msg == nil {
			continue
		}

		p.notify(runCtx, event{jobID: msg.JobID})
		j, err := p.runner.Run(runCtx, *msg)
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			logger.Info("job interrupted by shutdown", "job_id", msg.JobID)
		case err != nil:
			logger.Error("job run failed", "job_id", msg.JobID, "error", err)
		case j != nil:
			logger.Debug("job done", "job_id", j.ID, "status", j.Status)
		}
		p.notify(context.WithoutCancel(runCtx), event{jobID: msg.JobID, done: true})
	}
}

func (p *Pool) notify(ctx context.Context, e event) {
	if err := p.events.Send(ctx, e); err != nil {
		p.logger.Warn("dropped worker event", "job_id", e.jobID, "done", e.done, "error", err)
	}
}

func (p *Pool) receiveControls(ctx context.Context, instance string, timeout time.Duration, controls chan<- string) {
	for ctx.Err() == nil {
		cmd, err := p.queue.ReceiveControl(ctx, instance, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("failed to read control commands", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(timeout):
			}
			continue
		}
		if cmd == "" {
			continue
		}
		select {
		case controls <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// collectEvents folds queued worker events into the running set
func (p *Pool) collectEvents() {
	p.events.Drain(func(e event) {
		if e.done {
			delete(p.running, e.jobID)
		} else {
			p.running[e.jobID] = struct{}{}
		}
	})

	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	p.mu.Lock()
	p.snapshot = ids
	p.mu.Unlock()
	p.runner.metrics.Set(metrics.WorkerBusy, float64(len(ids)))
}

func (p *Pool) heartbeat(ctx context.Context) {
	p.collectEvents()
	info := dispatch.WorkerInfo{
		Instance:  p.config.Instance,
		StartedAt: p.startedAt,
		SeenAt:    p.now().UTC(),
		Running:   p.Running(),
		Capacity:  p.config.Concurrency(),
	}
	if err := p.queue.Heartbeat(ctx, info, p.config.HeartbeatTTL()); err != nil && ctx.Err() == nil {
		p.logger.Warn("failed to publish heartbeat", "error", err)
	}
}

func (p *Pool) applyReload() {
	defer func() {
		p.mu.Lock()
		p.reloads++
		p.mu.Unlock()
	}()

	if p.Reload == nil {
		p.logger.Info("workers restarted with current configuration")
		return
	}

	config, err := p.Reload()
	if err == nil {
		config.Instance = p.config.Instance
		config.CacheTimeout = p.config.CacheTimeout
		err = config.Validate()
	}
	if err != nil {
		p.logger.Error("reload failed, keeping current configuration", "error", err)
		return
	}

	p.mu.Lock()
	p.config = config
	p.mu.Unlock()
	p.runner.config = config
	p.logger.Info("configuration reloaded",
		"sync_workers", config.SyncConcurrency,
		"parse_workers", config.ParseConcurrency)
}

// Config returns the configuration the workers run with
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// Running returns the ids of jobs running at the last heartbeat
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.snapshot)
}

// Reloads returns the number of reload commands handled
func (p *Pool) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

func (p *Pool) String() string {
	return "worker-pool"
}
