// Package event provides a coalescing wakeup signal for worker loops.
package event

import (
	"context"
	"time"
)

// Event wakes a waiting worker. Any number of Set calls made while no one
// is waiting collapse into a single pending wakeup, which the next Wait
// consumes immediately.
type Event struct {
	ch chan struct{}
}

// New creates an unset Event.
func New() *Event {
	return &Event{ch: make(chan struct{}, 1)}
}

// Set marks the event. It never blocks.
func (e *Event) Set() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the event is set, the timeout elapses or ctx is done.
// A zero timeout waits without bound. It returns true when woken by Set.
func (e *Event) Wait(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-e.ch:
		return true
	default:
	}

	if timeout <= 0 {
		select {
		case <-e.ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
