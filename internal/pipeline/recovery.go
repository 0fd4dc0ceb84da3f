package pipeline

import (
	"time"

	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

// recovery is the camera fault-recovery state machine.
//
//	Connected    --read fails-------------------> Degraded
//	Degraded     --quick re-open fails N times--> Disconnected
//	Disconnected --re-open fails----------------> Disconnected (retry every reconnectInterval)
//	any          --successful read--------------> Connected
//
// It holds no I/O; the pipeline loop asks it what to do next.
type recovery struct {
	quickRetries       int
	quickRetryInterval time.Duration
	reconnectInterval  time.Duration

	state         types.CameraState
	quickAttempts int
	lastAttempt   time.Time // zero until the first re-open in the current state
}

type transition struct {
	from, to types.CameraState
}

func (t transition) changed() bool { return t.from != t.to }

func newRecovery(quickRetries int, quickInterval, reconnectInterval time.Duration) *recovery {
	return &recovery{
		quickRetries:       quickRetries,
		quickRetryInterval: quickInterval,
		reconnectInterval:  reconnectInterval,
		state:              types.CameraDisconnected,
	}
}

func (r *recovery) set(to types.CameraState) transition {
	t := transition{from: r.state, to: to}
	r.state = to
	if t.changed() {
		r.quickAttempts = 0
		r.lastAttempt = time.Time{}
	}
	return t
}

// readSucceeded is called after any successful frame read
func (r *recovery) readSucceeded() transition {
	return r.set(types.CameraConnected)
}

// readFailed is called when a read fails while Connected
func (r *recovery) readFailed() transition {
	if r.state != types.CameraConnected {
		return transition{from: r.state, to: r.state}
	}
	return r.set(types.CameraDegraded)
}

// retryDelay returns how long to wait before the next re-open attempt.
// The first attempt after startup is immediate.
func (r *recovery) retryDelay(now time.Time) time.Duration {
	var interval time.Duration
	switch r.state {
	case types.CameraDegraded:
		interval = r.quickRetryInterval
	case types.CameraDisconnected:
		if r.lastAttempt.IsZero() {
			return 0
		}
		interval = r.reconnectInterval
	default:
		return 0
	}

	from := r.lastAttempt
	if from.IsZero() {
		from = now
	}
	if d := from.Add(interval).Sub(now); d > 0 {
		return d
	}
	return 0
}

// reopenFailed records a failed re-open (or a re-open followed by a failed
// read). Exhausting the quick retries moves Degraded to Disconnected.
func (r *recovery) reopenFailed(now time.Time) transition {
	switch r.state {
	case types.CameraDegraded:
		r.quickAttempts++
		r.lastAttempt = now
		if r.quickAttempts >= r.quickRetries {
			t := r.set(types.CameraDisconnected)
			r.lastAttempt = now
			return t
		}
	case types.CameraDisconnected:
		r.lastAttempt = now
	}
	return transition{from: r.state, to: r.state}
}
