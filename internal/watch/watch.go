// Package watch provides a single-writer, multi-reader value cell with
// change notification, used for state that one task owns and many observe
// (the checked-out ref, connection status, ingested history).
package watch

import (
	"context"
	"sync"
)

// Cell holds a value of type T. One writer calls Set; any number of
// readers call Get or Subscribe. Subscribers always observe the latest
// value; intermediate values may be coalesced away.
type Cell[T any] struct {
	mu   sync.Mutex
	val  T
	subs map[int]chan T
	next int
}

// NewCell creates a cell holding initial.
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{val: initial, subs: make(map[int]chan T)}
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}

// Set stores a new value and notifies subscribers.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.val = v
	for _, ch := range c.subs {
		// Replace a pending unread value so slow readers see the latest.
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
	c.mu.Unlock()
}

// Subscribe returns a channel carrying value updates until ctx is done.
// The channel has a buffer of one and coalesces: a reader that falls
// behind skips straight to the newest value.
func (c *Cell[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = ch
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}()
	return ch
}
