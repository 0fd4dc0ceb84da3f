// Package latest implements a single-slot, latest-wins cell with one writer
// and any number of readers.
//
// Store is an atomic pointer swap followed by closing the current wake
// channel; readers never take a lock the writer needs, so no reader can
// stall the producer.
package latest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type entry[T any] struct {
	version uint64
	value   *T
}

// Cell holds at most one value at a time
type Cell[T any] struct {
	current atomic.Pointer[entry[T]]

	wakeMu sync.Mutex
	wake   chan struct{} // closed and replaced on every Store
}

// New returns an empty cell
func New[T any]() *Cell[T] {
	c := &Cell[T]{wake: make(chan struct{})}
	c.current.Store(&entry[T]{})
	return c
}

// Store replaces the held value unconditionally and returns its version.
// Versions start at 1 and increase by one per Store.
func (c *Cell[T]) Store(v *T) uint64 {
	for {
		old := c.current.Load()
		next := &entry[T]{version: old.version + 1, value: v}
		if c.current.CompareAndSwap(old, next) {
			c.signal()
			return next.version
		}
	}
}

// Load returns the held value and its version (0 when never stored)
func (c *Cell[T]) Load() (*T, uint64) {
	e := c.current.Load()
	return e.value, e.version
}

// Version returns the current version without the value
func (c *Cell[T]) Version() uint64 {
	return c.current.Load().version
}

// Wait blocks until the version is greater than since, timeout elapses, or
// ctx is done. It returns the latest value and version, and ok=false when
// nothing newer than since was stored.
func (c *Cell[T]) Wait(ctx context.Context, since uint64, timeout time.Duration) (*T, uint64, bool) {
	if v, ver := c.Load(); ver > since {
		return v, ver, true
	}

	c.wakeMu.Lock()
	wake := c.wake
	c.wakeMu.Unlock()

	// A Store between the Load above and fetching wake has already closed
	// the previous channel; re-check before sleeping.
	if v, ver := c.Load(); ver > since {
		return v, ver, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-wake:
	case <-timer.C:
	case <-ctx.Done():
	}

	v, ver := c.Load()
	return v, ver, ver > since
}

func (c *Cell[T]) signal() {
	c.wakeMu.Lock()
	close(c.wake)
	c.wake = make(chan struct{})
	c.wakeMu.Unlock()
}
