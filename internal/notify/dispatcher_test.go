package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/broadcast"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/metrics"
	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

type fakeDesktop struct {
	mu      sync.Mutex
	calls   []string
	ok      bool
	block   chan struct{}
	panicky bool
}

func (f *fakeDesktop) Notify(title, body string) bool {
	if f.block != nil {
		<-f.block
	}
	if f.panicky {
		panic("dbus gone")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, title+": "+body)
	return f.ok
}

func (f *fakeDesktop) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []broadcast.Event
	err    error
}

func (f *fakeBroadcaster) Broadcast(e broadcast.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return f.err
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []Message
}

func (f *fakePublisher) Publish(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return errors.New("nats: connection closed")
}

var episodeStart = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func triggered(d time.Duration) types.AlertEvent {
	return types.AlertEvent{
		Kind:           types.AlertTriggered,
		Duration:       d,
		Timestamp:      episodeStart.Add(d),
		EpisodeStarted: episodeStart,
	}
}

func TestTriggeredGoesToEveryChannel(t *testing.T) {
	desktop := &fakeDesktop{ok: true}
	bc := &fakeBroadcaster{}
	pub := &fakePublisher{}
	d := New(Deps{Desktop: desktop, Broadcaster: bc, Publisher: pub})

	d.Dispatch(triggered(10 * time.Minute))
	d.Close()

	require.Equal(t, 1, desktop.count())
	assert.Equal(t, "Posture Alert: You've had bad posture for 10 minutes. Time to adjust!", desktop.calls[0])

	require.Len(t, bc.events, 1)
	ev := bc.events[0]
	assert.Equal(t, broadcast.EventAlertTriggered, ev.Type)
	assert.Equal(t, 600.0, ev.Data["duration"])
	assert.Equal(t, Tag(triggered(0)), ev.Data["tag"])

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, types.AlertTriggered, pub.msgs[0].Kind)
}

func TestRepeatAlertsInEpisodeShareTag(t *testing.T) {
	bc := &fakeBroadcaster{}
	d := New(Deps{Broadcaster: bc})

	d.Dispatch(triggered(10 * time.Minute))
	d.Dispatch(triggered(15 * time.Minute))
	d.Dispatch(types.AlertEvent{
		Kind:           types.AlertCorrected,
		Duration:       16 * time.Minute,
		Timestamp:      episodeStart.Add(16 * time.Minute),
		EpisodeStarted: episodeStart,
	})
	d.Close()

	require.Len(t, bc.events, 3)
	tag := bc.events[0].Data["tag"]
	for _, e := range bc.events {
		assert.Equal(t, tag, e.Data["tag"])
	}
	assert.Equal(t, broadcast.EventAlertCorrected, bc.events[2].Type)

	other := triggered(10 * time.Minute)
	other.EpisodeStarted = episodeStart.Add(time.Hour)
	assert.NotEqual(t, tag, Tag(other))
}

func TestCorrectedSkipsDesktop(t *testing.T) {
	desktop := &fakeDesktop{ok: true}
	d := New(Deps{Desktop: desktop, Broadcaster: &fakeBroadcaster{}})

	d.Dispatch(types.AlertEvent{Kind: types.AlertCorrected, Timestamp: time.Now()})
	d.Close()
	assert.Zero(t, desktop.count())
}

func TestChannelsFailIndependently(t *testing.T) {
	m := metrics.New()
	bc := &fakeBroadcaster{err: errors.New("subscriber gone")}
	d := New(Deps{Desktop: &fakeDesktop{ok: false}, Broadcaster: bc, Publisher: &fakePublisher{}, Metrics: m})

	d.Dispatch(triggered(10 * time.Minute))
	d.Dispatch(triggered(15 * time.Minute))
	d.Close()

	assert.Len(t, bc.events, 2)
	assert.Equal(t, uint64(2), m.NotifyFailures.Load())
}

func TestDesktopPanicIsContained(t *testing.T) {
	m := metrics.New()
	bc := &fakeBroadcaster{}
	d := New(Deps{Desktop: &fakeDesktop{panicky: true}, Broadcaster: bc, Metrics: m})

	d.Dispatch(triggered(10 * time.Minute))
	d.Close()

	assert.Len(t, bc.events, 1)
	assert.Equal(t, uint64(1), m.NotifyFailures.Load())
}

func TestDispatchDoesNotWaitForDesktop(t *testing.T) {
	desktop := &fakeDesktop{ok: true, block: make(chan struct{})}
	d := New(Deps{Desktop: desktop})

	done := make(chan struct{})
	go func() {
		d.Dispatch(triggered(10 * time.Minute))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on the desktop notifier")
	}

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned before the notification finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(desktop.block)
	<-closed
	assert.Equal(t, 1, desktop.count())

	d.Dispatch(triggered(20 * time.Minute))
	assert.Equal(t, 1, desktop.count())
}

func TestBody(t *testing.T) {
	assert.Equal(t, "You've had bad posture for 1 minute. Time to adjust!", Body(time.Minute))
	assert.Equal(t, "Bad posture detected. Time to adjust!", Body(10*time.Second))
}

func TestNotifySendArguments(t *testing.T) {
	var gotName string
	var gotArgs []string
	n := &NotifySend{Command: "notify-send", Urgency: "critical",
		run: func(_ context.Context, name string, args ...string) error {
			gotName, gotArgs = name, args
			return nil
		}}

	assert.True(t, n.Notify("Posture Alert", "sit up"))
	assert.Equal(t, "notify-send", gotName)
	assert.Contains(t, gotArgs, "--urgency=critical")
	assert.Equal(t, []string{"Posture Alert", "sit up"}, gotArgs[len(gotArgs)-2:])

	n.run = func(context.Context, string, ...string) error { return errors.New("exit status 1") }
	assert.False(t, n.Notify("t", "b"))
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "posture.alerts.triggered", subjectFor(DefaultSubjectPrefix, Message{Kind: types.AlertTriggered}))
	assert.Equal(t, "desk.corrected", subjectFor("desk", Message{Kind: types.AlertCorrected}))
}
