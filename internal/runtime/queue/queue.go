// Package queue implements the per-connection DeliveryChannel: an ordered,
// single-consumer outbound queue that any number of producers may enqueue into.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"

	equeue "github.com/eapache/queue"

	errspkg "github.com/drblury/messagebus/internal/runtime/errors"
)

// OverflowPolicy decides what happens when a bounded channel is full.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the head of the queue to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDropNewest discards the message being enqueued.
	OverflowDropNewest OverflowPolicy = "drop_newest"
	// OverflowDisconnect closes the channel, which retires the slow consumer.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy maps a configuration string onto a policy. The empty
// string selects OverflowDisconnect.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OverflowDisconnect, nil
	case OverflowDropOldest, OverflowDropNewest, OverflowDisconnect:
		return p, nil
	default:
		return "", fmt.Errorf("queue: unknown overflow policy %q", s)
	}
}

// Options bound the channel. A zero Limit keeps it unbounded.
type Options struct {
	Limit  int
	Policy OverflowPolicy
}

// DeliveryChannel is an unbounded (or optionally bounded) FIFO of outbound
// text messages. Enqueue never blocks. Dequeue must only be called from one
// goroutine.
type DeliveryChannel struct {
	mu      sync.Mutex
	items   *equeue.Queue
	closed  bool
	dropped uint64
	opts    Options

	ready chan struct{}
	done  chan struct{}
}

// New creates an open DeliveryChannel.
func New(opts Options) *DeliveryChannel {
	if opts.Policy == "" {
		opts.Policy = OverflowDisconnect
	}
	return &DeliveryChannel{
		items: equeue.New(),
		opts:  opts,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Enqueue appends msg. It fails with ErrChannelClosed once the receiving side
// has been closed, or when a full channel uses OverflowDisconnect.
func (c *DeliveryChannel) Enqueue(msg string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errspkg.ErrChannelClosed
	}

	if c.opts.Limit > 0 && c.items.Length() >= c.opts.Limit {
		switch c.opts.Policy {
		case OverflowDropNewest:
			c.dropped++
			c.mu.Unlock()
			return nil
		case OverflowDropOldest:
			c.items.Remove()
			c.dropped++
		default:
			c.closeLocked()
			c.mu.Unlock()
			return errspkg.ErrChannelClosed
		}
	}

	c.items.Add(msg)
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a message is available, the channel is closed, or ctx
// ends. The boolean is false when no message will ever be returned again.
// Messages still buffered at close time are discarded.
func (c *DeliveryChannel) Dequeue(ctx context.Context) (string, bool) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return "", false
		}
		if c.items.Length() > 0 {
			msg := c.items.Remove().(string)
			c.mu.Unlock()
			return msg, true
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-c.done:
		case <-ctx.Done():
			return "", false
		}
	}
}

// Close marks the channel closed and wakes the consumer. Safe to call more
// than once.
func (c *DeliveryChannel) Close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *DeliveryChannel) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed once the channel is closed.
func (c *DeliveryChannel) Done() <-chan struct{} { return c.done }

// Len returns the number of buffered messages.
func (c *DeliveryChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Length()
}

// Dropped returns how many messages the overflow policy discarded.
func (c *DeliveryChannel) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Closed reports whether Close has run.
func (c *DeliveryChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
