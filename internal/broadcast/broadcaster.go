// Package broadcast fans the latest pipeline result and one-off events out to
// any number of subscribers. Each subscriber gets its own delivery goroutine
// pulling from the shared latest cell; nothing a subscriber does can slow the
// producer.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/latest"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/metrics"
	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

const (
	DefaultPollInterval = time.Second
	DefaultEventBuffer  = 16
)

var (
	ErrStopped            = errors.New("broadcaster stopped")
	ErrTooManySubscribers = errors.New("subscriber limit reached")
	ErrSubscriberFull     = errors.New("subscriber event queue full")
)

// DeliveryError reports subscribers that could not take a broadcast event.
// The event still reached every other subscriber.
type DeliveryError struct {
	Event  EventType
	Failed []string // subscriber IDs
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %d subscriber(s): %v", e.Event, len(e.Failed), e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Config configures a Broadcaster
type Config struct {
	PollInterval   time.Duration // Bounded wait on the latest cell
	MaxSubscribers int           // 0 = unlimited
	EventBuffer    int           // Per-subscriber queue for one-off events
	Metrics        *metrics.Metrics
}

// FrameUpdate is one published result plus its shared serialization
type FrameUpdate struct {
	Version uint64
	Result  *types.FrameResult
	Event   *SerializedEvent
}

type cachedFrame struct {
	version uint64
	event   *SerializedEvent
}

// Broadcaster manages the subscriber registry
type Broadcaster struct {
	cell    *latest.Cell[types.FrameResult]
	cfg     Config
	metrics *metrics.Metrics
	log     logger.ModuleLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	subscribers map[string]*Subscription
	lastStatus  *SerializedEvent
	stopped     bool

	frameMu sync.Mutex
	frame   cachedFrame
}

// New creates a broadcaster reading from cell
func New(cell *latest.Cell[types.FrameResult], cfg Config) *Broadcaster {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		cell:        cell,
		cfg:         cfg,
		metrics:     m,
		log:         logger.Named("Broadcaster"),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string]*Subscription),
	}
}

// Subscribe registers a subscriber and then starts its delivery goroutine.
// The subscriber receives the last camera status immediately.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrStopped
	}
	if b.cfg.MaxSubscribers > 0 && len(b.subscribers) >= b.cfg.MaxSubscribers {
		b.mu.Unlock()
		return nil, ErrTooManySubscribers
	}

	s := newSubscription(b.ctx, uuid.NewString(), b.cfg.EventBuffer)
	b.subscribers[s.ID] = s
	if b.lastStatus != nil {
		s.events <- b.lastStatus
	}
	total := len(b.subscribers)
	b.wg.Add(1)
	b.mu.Unlock()

	b.metrics.SubscriberAdded()
	b.log.Debug("Subscriber %s connected (total: %d)", s.ID, total)

	go b.deliver(s)
	return s, nil
}

// Count returns the number of registered subscribers
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Broadcast delivers e to every registered subscriber. The registry lock is
// held for the whole pass, so a subscriber is either in or out of it.
func (b *Broadcaster) Broadcast(e Event) error {
	ev, err := Serialize(e)
	if err != nil {
		b.metrics.BroadcastFailures.Add(1)
		return err
	}
	return b.broadcastSerialized(ev)
}

// BroadcastCameraStatus validates state and broadcasts camera_status
func (b *Broadcaster) BroadcastCameraStatus(state types.CameraState) error {
	if !state.Valid() {
		return fmt.Errorf("camera status: %w", &DeliveryError{
			Event: EventCameraStatus,
			Err:   fmt.Errorf("invalid camera state %q", state),
		})
	}
	ev, err := Serialize(CameraStatusEvent(state))
	if err != nil {
		return err
	}

	// Recording and fan-out share one critical section, so a concurrent
	// Subscribe sees this status exactly once.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	b.lastStatus = ev
	return b.fanOutLocked(ev)
}

func (b *Broadcaster) broadcastSerialized(ev *SerializedEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrStopped
	}
	return b.fanOutLocked(ev)
}

// fanOutLocked offers ev to every live subscriber. Subscribers that closed
// but have not deregistered yet are skipped. b.mu must be held.
func (b *Broadcaster) fanOutLocked(ev *SerializedEvent) error {
	var failed []string
	for id, s := range b.subscribers {
		if s.ctx.Err() != nil {
			continue
		}
		if !s.offerEvent(ev) {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	b.metrics.BroadcastFailures.Add(uint64(len(failed)))
	b.log.Warn("%s not delivered to %d of %d subscriber(s)", ev.Type, len(failed), len(b.subscribers))
	return &DeliveryError{Event: ev.Type, Failed: failed, Err: ErrSubscriberFull}
}

// Stop disconnects every subscriber and waits for their delivery goroutines
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.log.Info("Stopped")
}

func (b *Broadcaster) deliver(s *Subscription) {
	defer b.wg.Done()
	defer b.remove(s)
	defer func() {
		if r := recover(); r != nil {
			b.metrics.BroadcastFailures.Add(1)
			b.log.Error("Subscriber %s delivery panic: %v", s.ID, r)
		}
	}()

	var seen uint64
	for {
		result, version, ok := b.cell.Wait(s.ctx, seen, b.cfg.PollInterval)
		if s.ctx.Err() != nil {
			return
		}
		if !ok || result == nil {
			continue
		}
		seen = version

		update, err := b.frameUpdate(result, version)
		if err != nil {
			b.log.Error("Serialize frame %d: %v", result.Seq, err)
			continue
		}
		if s.offerFrame(update) {
			b.metrics.DeliveriesReplaced.Add(1)
		}
		b.metrics.FramesDelivered.Add(1)
	}
}

// frameUpdate serializes each version once for all subscribers
func (b *Broadcaster) frameUpdate(r *types.FrameResult, version uint64) (*FrameUpdate, error) {
	b.frameMu.Lock()
	defer b.frameMu.Unlock()

	if b.frame.version != version || b.frame.event == nil {
		ev, err := Serialize(FrameUpdateEvent(r))
		if err != nil {
			return nil, err
		}
		b.frame = cachedFrame{version: version, event: ev}
	}
	return &FrameUpdate{Version: version, Result: r, Event: b.frame.event}, nil
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subscribers, s.ID)
	remaining := len(b.subscribers)
	b.mu.Unlock()

	s.finish()
	b.metrics.SubscriberRemoved()
	b.log.Debug("Subscriber %s disconnected (remaining: %d)", s.ID, remaining)
}
