// Package dispatch hands claimed work to worker processes over Redis.
//
// Keys live under a configurable namespace:
//
//	<ns>:queue:<job type>    pending dispatch messages, one list per job type
//	<ns>:wake                coalesced "run another scheduler pass" signal
//	<ns>:cancel:<job id>     cooperative cancellation flag with a TTL
//	<ns>:control:<instance>  control commands for one worker instance
//	<ns>:worker:<instance>   worker heartbeat snapshot with a TTL
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Control commands understood by worker instances
const (
	ControlReload = "reload"
)

// Message is one dispatched job
type Message struct {
	JobID string `json:"job_id"`
	Type  string `json:"type"`
	Token string `json:"token"`
}

// WorkerInfo is the heartbeat a worker instance publishes
type WorkerInfo struct {
	Instance  string         `json:"instance"`
	StartedAt time.Time      `json:"started_at"`
	SeenAt    time.Time      `json:"seen_at"`
	Running   []string       `json:"running"`
	Capacity  map[string]int `json:"capacity"`
}

// Queue is the Redis backed dispatch channel
type Queue struct {
	client    redis.UniversalClient
	namespace string
}

// NewQueue creates a queue whose keys are prefixed with namespace
func NewQueue(client redis.UniversalClient, namespace string) *Queue {
	return &Queue{client: client, namespace: namespace}
}

func (q *Queue) key(parts ...string) string {
	return q.namespace + ":" + strings.Join(parts, ":")
}

// Push appends a message to the queue of its job type
func (q *Queue) Push(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode dispatch message: %w", err)
	}
	return q.client.LPush(ctx, q.key("queue", msg.Type), payload).Err()
}

// Pop waits up to timeout for a message of jobType. It returns nil when
// the wait times out.
func (q *Queue) Pop(ctx context.Context, jobType string, timeout time.Duration) (*Message, error) {
	result, err := q.client.BRPop(ctx, timeout, q.key("queue", jobType)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("decode dispatch message: %w", err)
	}
	return &msg, nil
}

// Len returns the number of queued messages of jobType
func (q *Queue) Len(ctx context.Context, jobType string) (int64, error) {
	return q.client.LLen(ctx, q.key("queue", jobType)).Result()
}

// Wake requests another scheduler pass. Repeated requests collapse into one.
func (q *Queue) Wake(ctx context.Context) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.key("wake"), "1")
		pipe.LTrim(ctx, q.key("wake"), 0, 0)
		return nil
	})
	return err
}

// WaitWake waits up to timeout for a wake request
func (q *Queue) WaitWake(ctx context.Context, timeout time.Duration) (bool, error) {
	_, err := q.client.BRPop(ctx, timeout, q.key("wake")).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RequestCancel raises the cancellation flag of a job for ttl
func (q *Queue) RequestCancel(ctx context.Context, jobID string, ttl time.Duration) error {
	return q.client.Set(ctx, q.key("cancel", jobID), "1", ttl).Err()
}

// CancelRequested reports whether the cancellation flag of a job is raised
func (q *Queue) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.key("cancel", jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearCancel drops the cancellation flag of a job
func (q *Queue) ClearCancel(ctx context.Context, jobID string) error {
	return q.client.Del(ctx, q.key("cancel", jobID)).Err()
}

// SendControl delivers a control command to one worker instance
func (q *Queue) SendControl(ctx context.Context, instance, command string) error {
	return q.client.LPush(ctx, q.key("control", instance), command).Err()
}

// ReceiveControl waits up to timeout for a control command. An empty
// command means the wait timed out.
func (q *Queue) ReceiveControl(ctx context.Context, instance string, timeout time.Duration) (string, error) {
	result, err := q.client.BRPop(ctx, timeout, q.key("control", instance)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return result[1], nil
}

// Heartbeat publishes info for ttl
func (q *Queue) Heartbeat(ctx context.Context, info WorkerInfo, ttl time.Duration) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode worker info: %w", err)
	}
	return q.client.Set(ctx, q.key("worker", info.Instance), payload, ttl).Err()
}

// Workers returns the heartbeats of every live worker instance
func (q *Queue) Workers(ctx context.Context) ([]WorkerInfo, error) {
	var keys []string
	iter := q.client.Scan(ctx, 0, q.key("worker", "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	workers := make([]WorkerInfo, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var info WorkerInfo
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			return nil, fmt.Errorf("decode worker info: %w", err)
		}
		workers = append(workers, info)
	}
	return workers, nil
}
