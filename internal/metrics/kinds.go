package metrics

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Kind is the storage behavior of a metric
type Kind int

const (
	FloatCounter Kind = iota
	IntCounter
	FloatGauge
	IntGauge
	Histogram
)

func (k Kind) String() string {
	switch k {
	case FloatCounter, IntCounter:
		return "counter"
	case FloatGauge, IntGauge:
		return "gauge"
	case Histogram:
		return "histogram"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// HistogramValue is the decoded state of a histogram. Bucket counts are
// per bucket, not cumulative.
type HistogramValue struct {
	Buckets []BucketCount `json:"buckets"`
	Sum     float64       `json:"sum"`
	Count   int64         `json:"count"`
}

// BucketCount is the number of observations assigned to one boundary
type BucketCount struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

// Value is the decoded state of one metric
type Value struct {
	Kind      Kind            `json:"kind"`
	Number    float64         `json:"value"`
	Histogram *HistogramValue `json:"histogram,omitempty"`
}

// metric buffers changes in process and applies them to a redis hash.
// Implementations are not safe for concurrent use; the Aggregator
// serializes access.
type metric interface {
	dirty() bool
	accumulate(v float64)
	// flush queues the buffered change on pipe
	flush(ctx context.Context, pipe redis.Pipeliner, key string)
	// clear drops the buffered change after a successful flush
	clear()
	reset(ctx context.Context, pipe redis.Pipeliner, key string)
	decode(fields map[string]string) Value
}

func newMetric(d Descriptor) metric {
	switch d.Kind {
	case FloatCounter:
		return &floatCounter{field: string(d.Name)}
	case IntCounter:
		return &intCounter{field: string(d.Name)}
	case FloatGauge:
		return &floatGauge{field: string(d.Name)}
	case IntGauge:
		return &intGauge{field: string(d.Name)}
	case Histogram:
		return newHistogram(string(d.Name), d.Buckets)
	default:
		panic(fmt.Sprintf("metrics: unknown kind %d for %s", d.Kind, d.Name))
	}
}

func parseFloat(fields map[string]string, field string) float64 {
	v, err := strconv.ParseFloat(fields[field], 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(fields map[string]string, field string) int64 {
	s := fields[field]
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	// Fields reset by a float writer may hold "0.0"
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(v)
}

type floatCounter struct {
	field string
	delta float64
	set   bool
}

func (m *floatCounter) dirty() bool          { return m.set }
func (m *floatCounter) accumulate(v float64) { m.delta += v; m.set = true }
func (m *floatCounter) clear()               { m.delta = 0; m.set = false }

func (m *floatCounter) flush(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.HIncrByFloat(ctx, key, m.field, m.delta)
}

func (m *floatCounter) reset(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.HSet(ctx, key, m.field, 0)
}

func (m *floatCounter) decode(fields map[string]string) Value {
	return Value{Kind: FloatCounter, Number: parseFloat(fields, m.field)}
}

type intCounter struct {
	field string
	delta int64
	set   bool
}

func (m *intCounter) dirty() bool          { return m.set }
func (m *intCounter) accumulate(v float64) { m.delta += int64(v); m.set = true }
func (m *intCounter) clear()               { m.delta = 0; m.set = false }

func (m *intCounter) flush(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.HIncrBy(ctx, key, m.field, m.delta)
}

func (m *intCounter) reset(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.HSet(ctx, key, m.field, 0)
}

func (m *intCounter) decode(fields map[string]string) Value {
	return Value{Kind: IntCounter, Number: float64(parseInt(fields, m.field))}
}

type floatGauge struct {
	field string
	value float64
	set   bool
}

func (m *floatGauge) dirty() bool          { return m.set }
func (m *floatGauge) accumulate(v float64) { m.value = v; m.set = true }
func (m *floatGauge) clear()               { m.set = false }

func (m *floatGauge) flush(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.HSet(ctx, key, m.field, m.value)
}

func (m *floatGauge) reset(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.HSet(ctx, key, m.field, 0)
}

func (m *floatGauge) decode(fields map[string]string) Value {
	return Value{Kind: FloatGauge, Number: parseFloat(fields, m.field)}
}

type intGauge struct {
	field string
	value int64
	set   bool
}

func (m *intGauge) dirty() bool          { return m.set }
func (m *intGauge) accumulate(v float64) { m.value = int64(v); m.set = true }
func (m *intGauge) clear()               { m.set = false }

func (m *intGauge) flush(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.HSet(ctx, key, m.field, m.value)
}

func (m *intGauge) reset(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.HSet(ctx, key, m.field, 0)
}

func (m *intGauge) decode(fields map[string]string) Value {
	return Value{Kind: IntGauge, Number: float64(parseInt(fields, m.field))}
}

// histogram assigns each observation to the first boundary it does not
// exceed. The count field doubles as the +Inf bucket.
type histogram struct {
	name    string
	bounds  []float64
	deltas  []int64
	sum     float64
	count   int64
	changed bool
}

func newHistogram(name string, bounds []float64) *histogram {
	return &histogram{name: name, bounds: bounds, deltas: make([]int64, len(bounds))}
}

func (m *histogram) bucketField(i int) string {
	return m.name + "_bucket_" + strconv.FormatFloat(m.bounds[i], 'g', -1, 64)
}

func (m *histogram) sumField() string   { return m.name + "_sum" }
func (m *histogram) countField() string { return m.name + "_count" }

func (m *histogram) dirty() bool { return m.changed }

func (m *histogram) accumulate(v float64) {
	for i, le := range m.bounds {
		if v <= le {
			m.deltas[i]++
			break
		}
	}
	m.sum += v
	m.count++
	m.changed = true
}

func (m *histogram) clear() {
	clear(m.deltas)
	m.sum = 0
	m.count = 0
	m.changed = false
}

func (m *histogram) flush(ctx context.Context, pipe redis.Pipeliner, key string) {
	for i, d := range m.deltas {
		if d != 0 {
			pipe.HIncrBy(ctx, key, m.bucketField(i), d)
		}
	}
	pipe.HIncrByFloat(ctx, key, m.sumField(), m.sum)
	pipe.HIncrBy(ctx, key, m.countField(), m.count)
}

func (m *histogram) reset(ctx context.Context, pipe redis.Pipeliner, key string) {
	for i := range m.bounds {
		pipe.HSet(ctx, key, m.bucketField(i), 0)
	}
	pipe.HSet(ctx, key, m.sumField(), 0)
	pipe.HSet(ctx, key, m.countField(), 0)
}

func (m *histogram) decode(fields map[string]string) Value {
	h := &HistogramValue{
		Buckets: make([]BucketCount, len(m.bounds)),
		Sum:     parseFloat(fields, m.sumField()),
		Count:   parseInt(fields, m.countField()),
	}
	for i, le := range m.bounds {
		h.Buckets[i] = BucketCount{Le: le, Count: parseInt(fields, m.bucketField(i))}
	}
	return Value{Kind: Histogram, Number: float64(h.Count), Histogram: h}
}

// present reports whether a decoded hash carries the fields of d
func present(d Descriptor, fields map[string]string) bool {
	if d.Kind == Histogram {
		_, ok := fields[string(d.Name)+"_count"]
		return ok
	}
	_, ok := fields[string(d.Name)]
	return ok
}
