package types

import (
	"fmt"
	"time"
)

// PostureState is the classification of body alignment
type PostureState string

const (
	PostureGood    PostureState = "good"
	PostureBad     PostureState = "bad"
	PostureUnknown PostureState = "unknown"
)

// CameraState is the health of the capture source
type CameraState string

const (
	CameraConnected    CameraState = "connected"
	CameraDegraded     CameraState = "degraded"
	CameraDisconnected CameraState = "disconnected"
)

// Valid reports whether s is one of the three camera states
func (s CameraState) Valid() bool {
	switch s {
	case CameraConnected, CameraDegraded, CameraDisconnected:
		return true
	}
	return false
}

// ParseCameraState parses a camera state, rejecting anything outside the enum
func ParseCameraState(s string) (CameraState, error) {
	state := CameraState(s)
	if !state.Valid() {
		return "", fmt.Errorf("invalid camera state: %q", s)
	}
	return state, nil
}

// AlertKind distinguishes alert transitions
type AlertKind string

const (
	AlertTriggered AlertKind = "triggered"
	AlertCorrected AlertKind = "corrected"
)

// AlertEvent is emitted by the alert manager on a transition. Not stored.
type AlertEvent struct {
	Kind           AlertKind
	Duration       time.Duration // Length of the bad-posture episode so far
	Timestamp      time.Time
	EpisodeStarted time.Time // Start of the episode the event belongs to
}

// AlertState is a snapshot of the alert manager's internal fields
type AlertState struct {
	MonitoringPaused bool
	BadPostureSince  *time.Time
	LastAlertAt      *time.Time
}
