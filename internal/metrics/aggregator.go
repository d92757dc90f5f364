// Package metrics aggregates counters, gauges and histograms per process,
// flushes them into a shared redis hash and publishes per-instance
// snapshots that any process can read back across hosts.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotOwned is returned when releasing a publish lock that expired
// or was taken over by another process
var ErrLockNotOwned = errors.New("metrics: lock not owned")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Snapshot is the published state of one instance
type Snapshot struct {
	Instance  string         `json:"instance"`
	Published time.Time      `json:"published"`
	Metrics   map[Name]Value `json:"metrics"`
}

// Aggregator buffers metric changes of one subsystem in process.
// Flush applies them to the instance hash in one transaction; Publish
// copies the decoded hash to the instance snapshot key.
type Aggregator struct {
	client   redis.UniversalClient
	registry *Registry
	config   Config
	logger   *slog.Logger
	instance string
	ns       string
	now      func() time.Time

	mu      sync.Mutex
	metrics map[Name]metric
}

// NewAggregator creates an aggregator for instance
func NewAggregator(client redis.UniversalClient, registry *Registry, instance string, config Config, logger *slog.Logger) *Aggregator {
	a := &Aggregator{
		client:   client,
		registry: registry,
		config:   config,
		logger:   logger.With("subsystem", registry.Subsystem()),
		instance: instance,
		ns:       config.Namespace,
		now:      time.Now,
		metrics:  make(map[Name]metric, len(registry.descriptors)),
	}
	for _, d := range registry.descriptors {
		a.metrics[d.Name] = newMetric(d)
	}
	return a
}

// Instance returns the instance name snapshots are published under
func (a *Aggregator) Instance() string {
	return a.instance
}

// Registry returns the metric catalogue
func (a *Aggregator) Registry() *Registry {
	return a.registry
}

func (a *Aggregator) prefix() string {
	return a.ns + ":" + a.registry.Subsystem()
}

func (a *Aggregator) storeKey() string { return a.prefix() + ":metrics:" + a.instance }
func (a *Aggregator) lockKey() string  { return a.prefix() + ":lock" }

func (a *Aggregator) lastPublishKey() string {
	return a.prefix() + ":last_publish:" + a.instance
}

func (a *Aggregator) snapshotKey(instance string) string {
	return a.prefix() + ":instance:" + instance
}

func (a *Aggregator) accumulate(name Name, v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.metrics[name]
	if !ok {
		a.logger.Error("unknown metric", "metric", name)
		return
	}
	m.accumulate(v)
}

// Inc adds delta to a counter
func (a *Aggregator) Inc(name Name, delta float64) {
	a.accumulate(name, delta)
}

// Set records the latest value of a gauge
func (a *Aggregator) Set(name Name, value float64) {
	a.accumulate(name, value)
}

// Observe records one histogram observation
func (a *Aggregator) Observe(name Name, value float64) {
	a.accumulate(name, value)
}

// ObserveSince records the seconds elapsed since start
func (a *Aggregator) ObserveSince(name Name, start time.Time) {
	a.accumulate(name, a.now().Sub(start).Seconds())
}

// Dirty reports whether any non-internal metric holds an unflushed change
func (a *Aggregator) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirtyLocked()
}

func (a *Aggregator) dirtyLocked() bool {
	for _, d := range a.registry.descriptors {
		if !d.Internal && a.metrics[d.Name].dirty() {
			return true
		}
	}
	return false
}

// Flush writes every dirty metric to the instance hash in one
// transaction. Buffers are cleared only when the transaction succeeds.
// It returns false without touching redis when nothing changed.
func (a *Aggregator) Flush(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.dirtyLocked() {
		return false, nil
	}

	start := a.now()
	key := a.storeKey()
	var flushed []metric
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, d := range a.registry.descriptors {
			m := a.metrics[d.Name]
			if m.dirty() {
				m.flush(ctx, pipe, key)
				flushed = append(flushed, m)
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("flush metrics: %w", err)
	}
	for _, m := range flushed {
		m.clear()
	}

	a.metrics[PipeExecuteSeconds].accumulate(a.now().Sub(start).Seconds())
	a.metrics[PipeExecuteCalls].accumulate(1)
	return true, nil
}

// Publish stores the decoded metric set under the instance snapshot key
// when the publish interval has elapsed. The publish lock is taken
// without waiting; a contended lock skips the publish.
func (a *Aggregator) Publish(ctx context.Context) (published bool, err error) {
	token := uuid.NewString()
	acquired, err := a.client.SetNX(ctx, a.lockKey(), token, a.config.LockTimeout).Result()
	if err != nil {
		return false, fmt.Errorf("acquire publish lock: %w", err)
	}
	if !acquired {
		a.logger.Debug("publish lock held elsewhere")
		return false, nil
	}
	defer func() {
		if rerr := a.release(context.WithoutCancel(ctx), token); rerr != nil {
			if errors.Is(rerr, ErrLockNotOwned) {
				a.logger.Debug("publish lock expired before release")
				return
			}
			err = errors.Join(err, rerr)
		}
	}()

	start := a.now()
	due, err := a.publishDue(ctx, start)
	if err != nil || !due {
		return false, err
	}

	values, err := a.Decode(ctx)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(Snapshot{Instance: a.instance, Published: start.UTC(), Metrics: values})
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.snapshotKey(a.instance), payload, a.config.SnapshotTTL)
		pipe.Set(ctx, a.lastPublishKey(), start.UnixMilli(), a.config.SnapshotTTL)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store snapshot: %w", err)
	}

	a.Inc(SendMetricsSeconds, a.now().Sub(start).Seconds())
	return true, nil
}

func (a *Aggregator) publishDue(ctx context.Context, now time.Time) (bool, error) {
	last, err := a.client.Get(ctx, a.lastPublishKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read last publish: %w", err)
	}
	return now.Sub(time.UnixMilli(last)) >= a.config.PublishInterval, nil
}

func (a *Aggregator) release(ctx context.Context, token string) error {
	n, err := releaseScript.Run(ctx, a.client, []string{a.lockKey()}, token).Int64()
	if err != nil {
		return fmt.Errorf("release publish lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotOwned
	}
	return nil
}

// Decode reads the current value of every metric from the instance hash
func (a *Aggregator) Decode(ctx context.Context) (map[Name]Value, error) {
	fields, err := a.client.HGetAll(ctx, a.storeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	values := make(map[Name]Value, len(a.registry.descriptors))
	for _, d := range a.registry.descriptors {
		values[d.Name] = a.metrics[d.Name].decode(fields)
	}
	return values, nil
}

// Reset forces every metric of the instance to zero and drops buffered
// changes
func (a *Aggregator) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := a.storeKey()
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, d := range a.registry.descriptors {
			a.metrics[d.Name].reset(ctx, pipe, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset metrics: %w", err)
	}
	for _, m := range a.metrics {
		m.clear()
	}
	return nil
}

// Filter narrows LoadInstances and Collect. Empty lists match everything.
type Filter struct {
	Instances []string
	Metrics   []Name
}

func (f Filter) instance(name string) bool {
	return len(f.Instances) == 0 || slices.Contains(f.Instances, name)
}

func (f Filter) metric(name Name) bool {
	return len(f.Metrics) == 0 || slices.Contains(f.Metrics, name)
}

// LoadInstances returns the published snapshot of every instance matching
// filter. The local instance is decoded from its hash when it has not
// published yet.
func (a *Aggregator) LoadInstances(ctx context.Context, filter Filter) (map[string]Snapshot, error) {
	prefix := a.snapshotKey("")
	var keys []string
	iter := a.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if filter.instance(strings.TrimPrefix(iter.Val(), prefix)) {
			keys = append(keys, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	snapshots := make(map[string]Snapshot)
	if len(keys) > 0 {
		raw, err := a.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("load snapshots: %w", err)
		}
		for i, v := range raw {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var snap Snapshot
			if err := json.Unmarshal([]byte(s), &snap); err != nil {
				a.logger.Warn("skipping unreadable snapshot", "key", keys[i], "error", err)
				continue
			}
			snapshots[strings.TrimPrefix(keys[i], prefix)] = snap
		}
	}

	if _, ok := snapshots[a.instance]; !ok && filter.instance(a.instance) {
		local, err := a.localSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		snapshots[a.instance] = local
	}
	return snapshots, nil
}

// localSnapshot decodes only the metrics present in the instance hash
func (a *Aggregator) localSnapshot(ctx context.Context) (Snapshot, error) {
	fields, err := a.client.HGetAll(ctx, a.storeKey()).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read metrics: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	snap := Snapshot{Instance: a.instance, Published: a.now().UTC(), Metrics: make(map[Name]Value)}
	for _, d := range a.registry.descriptors {
		if present(d, fields) {
			snap.Metrics[d.Name] = a.metrics[d.Name].decode(fields)
		}
	}
	return snap, nil
}

// Sample is the value of one metric on one instance
type Sample struct {
	Instance string
	Value    Value
}

// Series is one metric across instances
type Series struct {
	Descriptor Descriptor
	Samples    []Sample
}

// Collect groups the snapshots of LoadInstances by metric in registry
// order. Instances whose snapshot lacks a metric are left out of that
// series; metrics no instance carries are omitted.
func (a *Aggregator) Collect(ctx context.Context, filter Filter) ([]Series, error) {
	snapshots, err := a.LoadInstances(ctx, filter)
	if err != nil {
		return nil, err
	}
	instances := make([]string, 0, len(snapshots))
	for name := range snapshots {
		instances = append(instances, name)
	}
	slices.Sort(instances)

	var series []Series
	for _, d := range a.registry.descriptors {
		if !filter.metric(d.Name) {
			continue
		}
		s := Series{Descriptor: d}
		for _, instance := range instances {
			if v, ok := snapshots[instance].Metrics[d.Name]; ok {
				s.Samples = append(s.Samples, Sample{Instance: instance, Value: v})
			}
		}
		if len(s.Samples) > 0 {
			series = append(series, s)
		}
	}
	return series, nil
}
