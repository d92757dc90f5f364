// Package inbox provides a typed, bounded message channel for handing
// events from many producer goroutines to a single owning loop.
package inbox

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned when a message could not be queued in time
var ErrTimeout = errors.New("inbox: send timeout")

// Inbox is a buffered channel of T with send timeouts and usage stats
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	sent     atomic.Int64
	received atomic.Int64
	timeouts atomic.Int64
	maxDepth atomic.Int64
}

// Stats tracks inbox usage
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates an inbox holding up to bufferSize messages. Senders give up
// after timeout.
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Send queues msg, waiting at most the inbox timeout for room
func (ib *Inbox[T]) Send(ctx context.Context, msg T) error {
	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		ib.observeDepth()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		ib.timeouts.Add(1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return ErrTimeout
	}
}

// TryReceive returns the next message without blocking
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		ib.received.Add(1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// Receive blocks until a message is available or ctx is done
func (ib *Inbox[T]) Receive(ctx context.Context) (T, error) {
	select {
	case msg := <-ib.ch:
		ib.received.Add(1)
		return msg, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Drain hands every queued message to fn and returns how many it handled
func (ib *Inbox[T]) Drain(fn func(T)) int {
	n := 0
	for {
		msg, ok := ib.TryReceive()
		if !ok {
			return n
		}
		fn(msg)
		n++
	}
}

func (ib *Inbox[T]) observeDepth() {
	depth := int64(len(ib.ch))
	for {
		seen := ib.maxDepth.Load()
		if depth <= seen || ib.maxDepth.CompareAndSwap(seen, depth) {
			return
		}
	}
}

// Stats returns a copy of the current statistics
func (ib *Inbox[T]) Stats() Stats {
	return Stats{
		TotalSent:     ib.sent.Load(),
		TotalReceived: ib.received.Load(),
		TimeoutCount:  ib.timeouts.Load(),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  int(ib.maxDepth.Load()),
	}
}

// Len returns the number of queued messages
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}
