// Package notify delivers alert transitions to the desktop, to subscribers and
// optionally to a NATS subject. Each channel fails on its own; none of them
// can stall the pipeline.
package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/broadcast"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/metrics"
	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

const DefaultTitle = "Posture Alert"

var ErrClosed = errors.New("dispatcher closed")

// Notifier shows a desktop notification. Best effort.
type Notifier interface {
	Notify(title, body string) bool
}

// EventBroadcaster relays events to every subscriber
type EventBroadcaster interface {
	Broadcast(e broadcast.Event) error
}

// Publisher forwards alert messages to an external bus
type Publisher interface {
	Publish(msg Message) error
}

// Message is the bus representation of an alert transition
type Message struct {
	Kind            types.AlertKind `json:"kind"`
	Tag             string          `json:"tag"`
	DurationSeconds float64         `json:"duration_seconds"`
	Timestamp       time.Time       `json:"timestamp"`
	EpisodeStarted  time.Time       `json:"episode_started"`
}

// Deps are the delivery channels; any may be nil
type Deps struct {
	Desktop     Notifier
	Broadcaster EventBroadcaster
	Publisher   Publisher
	Metrics     *metrics.Metrics
}

// Dispatcher fans alert events out to the configured channels
type Dispatcher struct {
	deps Deps
	log  logger.ModuleLogger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New returns a dispatcher
func New(deps Deps) *Dispatcher {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Dispatcher{deps: deps, log: logger.Named("Notify")}
}

// Tag identifies an episode. Every alert in one episode carries the same tag
// so a client replaces the visible alert instead of stacking another.
func Tag(e types.AlertEvent) string {
	return fmt.Sprintf("posture-alert-%d", e.EpisodeStarted.UnixMilli())
}

// Body formats the desktop notification text
func Body(d time.Duration) string {
	minutes := int(d.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		return "Bad posture detected. Time to adjust!"
	}
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("You've had bad posture for %d %s. Time to adjust!", minutes, unit)
}

// Dispatch delivers e without blocking the caller
func (d *Dispatcher) Dispatch(e types.AlertEvent) {
	tag := Tag(e)
	timestamp := float64(e.Timestamp.UnixNano()) / float64(time.Second)

	switch e.Kind {
	case types.AlertTriggered:
		if !d.startDesktop(Body(e.Duration)) {
			return
		}
		d.broadcast(broadcast.Event{
			Type: broadcast.EventAlertTriggered,
			Data: map[string]any{
				"duration":  e.Duration.Seconds(),
				"timestamp": timestamp,
				"tag":       tag,
				"message":   Body(e.Duration),
			},
		})
	case types.AlertCorrected:
		if d.isClosed() {
			return
		}
		d.broadcast(broadcast.Event{
			Type: broadcast.EventAlertCorrected,
			Data: map[string]any{
				"timestamp": timestamp,
				"tag":       tag,
			},
		})
	default:
		d.log.Warn("Unknown alert kind %q", e.Kind)
		return
	}

	d.publish(Message{
		Kind:            e.Kind,
		Tag:             tag,
		DurationSeconds: e.Duration.Seconds(),
		Timestamp:       e.Timestamp,
		EpisodeStarted:  e.EpisodeStarted,
	})
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Warn("Dropping event: %v", ErrClosed)
	}
	return d.closed
}

// startDesktop runs the desktop notifier on a tracked goroutine
func (d *Dispatcher) startDesktop(body string) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn("Dropping alert: %v", ErrClosed)
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.desktop(body)
	return true
}

func (d *Dispatcher) desktop(body string) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.deps.Metrics.NotifyFailures.Add(1)
			d.log.Error("Desktop notifier panic: %v", r)
		}
	}()

	if d.deps.Desktop == nil {
		return
	}
	if !d.deps.Desktop.Notify(DefaultTitle, body) {
		d.deps.Metrics.NotifyFailures.Add(1)
		d.log.Warn("Desktop notification failed")
	}
}

func (d *Dispatcher) broadcast(e broadcast.Event) {
	if d.deps.Broadcaster == nil {
		return
	}
	if err := d.deps.Broadcaster.Broadcast(e); err != nil {
		d.log.Warn("Broadcast %s: %v", e.Type, err)
	}
}

func (d *Dispatcher) publish(msg Message) {
	if d.deps.Publisher == nil {
		return
	}
	if err := d.deps.Publisher.Publish(msg); err != nil {
		d.log.Warn("Publish %s: %v", msg.Kind, err)
	}
}

// Close stops accepting events and waits for in-flight desktop notifications
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
