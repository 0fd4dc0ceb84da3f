package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subscription is one connected subscriber.
//
// Frame updates go through a single slot: the delivery goroutine swaps the
// newest update in and the consumer swaps it out, so an unread frame is
// replaced rather than queued. One-off events (alerts, camera status) use a
// small buffered queue.
type Subscription struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc

	slot  atomic.Pointer[FrameUpdate]
	ready chan struct{} // cap 1; signalled after each swap-in

	events chan *SerializedEvent

	done     chan struct{}
	doneOnce sync.Once
}

func newSubscription(parent context.Context, id string, eventBuffer int) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{
		ID:     id,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}, 1),
		events: make(chan *SerializedEvent, eventBuffer),
		done:   make(chan struct{}),
	}
}

// FrameReady is signalled when a new frame update can be taken
func (s *Subscription) FrameReady() <-chan struct{} { return s.ready }

// TakeFrame removes and returns the pending frame update, or nil
func (s *Subscription) TakeFrame() *FrameUpdate {
	return s.slot.Swap(nil)
}

// Events delivers one-off events
func (s *Subscription) Events() <-chan *SerializedEvent { return s.events }

// Done is closed once the delivery goroutine has exited and the subscriber
// has been removed from the registry
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close disconnects the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}

// offerFrame stores u in the slot and reports whether it replaced an unread
// update
func (s *Subscription) offerFrame(u *FrameUpdate) bool {
	replaced := s.slot.Swap(u) != nil
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return replaced
}

func (s *Subscription) offerEvent(ev *SerializedEvent) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) finish() {
	s.cancel()
	s.doneOnce.Do(func() { close(s.done) })
}
