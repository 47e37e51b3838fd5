// Package admission bounds how many file operations may run at once.
//
// Accepting connections is cheap; executing a file transfer is not, because
// each one holds a copy buffer for its whole duration. The Controller hands
// out at most N tickets. A caller that cannot get one waits until another
// ticket is released or its context is cancelled.
//
// Every successful Acquire must be matched by exactly one Release. Release is
// idempotent, so the usual pattern is:
//
//	ticket, err := ctrl.Acquire(ctx)
//	if err != nil {
//		return err
//	}
//	defer ticket.Release()
//
// Do wraps that pattern and also releases on panic.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the number of concurrent operations when none is configured.
const DefaultCapacity = 2

// ErrInvalidCapacity is returned by NewController for a capacity below one.
var ErrInvalidCapacity = errors.New("admission capacity must be at least 1")

// Controller is a counting gate over a weighted semaphore.
//
// Waiters are served in the order the semaphore queues them; there is no
// priority between callers.
type Controller struct {
	sem      *semaphore.Weighted
	capacity int64

	inUse   atomic.Int64
	waiting atomic.Int64
	granted atomic.Uint64
}

// Ticket is one unit of admission capacity.
type Ticket struct {
	ctrl       *Controller
	once       sync.Once
	acquiredAt time.Time
	waited     time.Duration
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Capacity  int64  `json:"capacity"`
	InUse     int64  `json:"in_use"`
	Available int64  `json:"available"`
	Waiting   int64  `json:"waiting"`
	Granted   uint64 `json:"granted"`
}

// NewController creates a controller admitting up to capacity concurrent operations.
func NewController(capacity int) (*Controller, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	return &Controller{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}, nil
}

// MustNewController is NewController for capacities known to be valid.
func MustNewController(capacity int) *Controller {
	c, err := NewController(capacity)
	if err != nil {
		panic(err)
	}
	return c
}

// Acquire blocks until a ticket is available or ctx is done.
// On cancellation no capacity is consumed and ctx.Err() is returned.
func (c *Controller) Acquire(ctx context.Context) (*Ticket, error) {
	start := time.Now()

	c.waiting.Add(1)
	err := c.sem.Acquire(ctx, 1)
	c.waiting.Add(-1)
	if err != nil {
		return nil, err
	}

	return c.issue(start), nil
}

// TryAcquire returns a ticket only if one is available right now.
func (c *Controller) TryAcquire() (*Ticket, bool) {
	start := time.Now()
	if !c.sem.TryAcquire(1) {
		return nil, false
	}
	return c.issue(start), true
}

func (c *Controller) issue(start time.Time) *Ticket {
	c.inUse.Add(1)
	c.granted.Add(1)
	now := time.Now()
	return &Ticket{
		ctrl:       c,
		acquiredAt: now,
		waited:     now.Sub(start),
	}
}

// Do runs fn while holding a ticket. The ticket is released when fn returns
// or panics. If no ticket can be acquired, fn is not called.
func (c *Controller) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ticket, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	defer ticket.Release()

	return fn(ctx)
}

// Capacity returns N.
func (c *Controller) Capacity() int64 {
	return c.capacity
}

// InUse returns the number of outstanding tickets.
func (c *Controller) InUse() int64 {
	return c.inUse.Load()
}

// Available returns how many tickets could be granted immediately.
func (c *Controller) Available() int64 {
	return c.capacity - c.inUse.Load()
}

// Waiting returns the number of callers blocked in Acquire.
func (c *Controller) Waiting() int64 {
	return c.waiting.Load()
}

// Stats returns all gauges at once.
func (c *Controller) Stats() Stats {
	inUse := c.inUse.Load()
	return Stats{
		Capacity:  c.capacity,
		InUse:     inUse,
		Available: c.capacity - inUse,
		Waiting:   c.waiting.Load(),
		Granted:   c.granted.Load(),
	}
}

// Release returns the ticket's capacity. Calls after the first are no-ops,
// and calling Release on a nil ticket is safe.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.ctrl.inUse.Add(-1)
		t.ctrl.sem.Release(1)
	})
}

// Waited returns how long Acquire blocked before the ticket was granted.
func (t *Ticket) Waited() time.Duration {
	return t.waited
}

// Held returns how long the ticket has been held so far.
func (t *Ticket) Held() time.Duration {
	return time.Since(t.acquiredAt)
}
