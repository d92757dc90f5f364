package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/livinlefevreloca/aapsync/internal/db"
)

// Mode selects when a Context delivers its messages
type Mode int

const (
	// Immediate delivers every enqueue and pass request as it happens.
	Immediate Mode = iota
	// Deferred collects them until Flush, normally after the enclosing
	// transaction committed, so workers never see uncommitted rows.
	Deferred
)

func (m Mode) String() string {
	if m == Deferred {
		return "deferred"
	}
	return "immediate"
}

// Sender is the delivery side of a Context
type Sender interface {
	Push(ctx context.Context, msg Message) error
	Wake(ctx context.Context) error
}

// Context carries dispatch decisions through a call chain
type Context struct {
	mode   Mode
	sender Sender

	mu       sync.Mutex
	messages []Message
	wake     bool
}

// NewContext creates a dispatch context delivering through sender
func NewContext(sender Sender, mode Mode) *Context {
	return &Context{mode: mode, sender: sender}
}

// Mode returns the delivery mode
func (c *Context) Mode() Mode {
	return c.mode
}

// Enqueue delivers msg now or at Flush depending on the mode
func (c *Context) Enqueue(ctx context.Context, msg Message) error {
	if c.mode == Immediate {
		return c.sender.Push(ctx, msg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

// RequestPass asks for another scheduler pass now or at Flush
func (c *Context) RequestPass(ctx context.Context) error {
	if c.mode == Immediate {
		return c.sender.Wake(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wake = true
	return nil
}

// Pending returns the number of messages awaiting Flush
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Flush delivers collected messages in enqueue order, then a single pass
// request if any was made. Delivery continues past individual failures.
func (c *Context) Flush(ctx context.Context) error {
	c.mu.Lock()
	messages, wake := c.messages, c.wake
	c.messages, c.wake = nil, false
	c.mu.Unlock()

	var errs []error
	for _, msg := range messages {
		if err := c.sender.Push(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if wake {
		if err := c.sender.Wake(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything collected so far
func (c *Context) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages, c.wake = nil, false
}

// InTransaction runs fn in a transaction with a deferred context and
// flushes it after a successful commit. Nothing is delivered on rollback.
func InTransaction(ctx context.Context, database *db.DB, sender Sender, fn func(tx *db.Tx, dc *Context) error) error {
	dc := NewContext(sender, Deferred)
	if err := database.WithTransaction(ctx, func(tx *db.Tx) error {
		return fn(tx, dc)
	}); err != nil {
		dc.Discard()
		return err
	}
	return dc.Flush(ctx)
}
