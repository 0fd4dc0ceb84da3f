// Package alert turns a stream of posture classifications into timed,
// de-duplicated alerts.
package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

const (
	DefaultThreshold = 600 * time.Second
	DefaultCooldown  = 300 * time.Second
)

// Config configures a Manager
type Config struct {
	Threshold time.Duration    // Continuous bad posture before the first alert
	Cooldown  time.Duration    // Minimum time between alerts
	Clock     func() time.Time // Defaults to time.Now
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		Cooldown:  DefaultCooldown,
	}
}

// Decision is the result of one evaluation
type Decision struct {
	ShouldAlert bool
	Duration    time.Duration     // Current episode length (zero when not tracking)
	Event       *types.AlertEvent // Set on a triggered or corrected transition
}

// Status is the control-surface view of the manager
type Status struct {
	MonitoringPaused bool          `json:"monitoring_paused"`
	TrackingDuration time.Duration `json:"tracking_duration"`
}

// Manager owns the threshold/cooldown state machine.
// All methods are safe for concurrent use.
type Manager struct {
	threshold time.Duration
	cooldown  time.Duration
	now       func() time.Time
	log       logger.ModuleLogger

	mu               sync.Mutex
	paused           bool
	badPostureSince  *time.Time
	lastAlertAt      *time.Time
	thresholdCrossed bool // current episode has reached the threshold
}

// NewManager validates cfg and returns a Manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("alert threshold must be positive, got %v", cfg.Threshold)
	}
	if cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("alert cooldown must be positive, got %v", cfg.Cooldown)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Manager{
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       now,
		log:       logger.Named("Alert"),
	}, nil
}

// Evaluate feeds one classification into the state machine
func (m *Manager) Evaluate(posture types.PostureState, userPresent bool) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if m.paused || !userPresent || posture == types.PostureUnknown {
		m.resetEpisodeLocked()
		return Decision{}
	}

	if posture == types.PostureGood {
		var event *types.AlertEvent
		if m.thresholdCrossed && m.badPostureSince != nil {
			started := *m.badPostureSince
			event = &types.AlertEvent{
				Kind:           types.AlertCorrected,
				Duration:       now.Sub(started),
				Timestamp:      now,
				EpisodeStarted: started,
			}
			m.log.Info("Bad posture corrected after %v", event.Duration.Round(time.Second))
		}
		m.resetEpisodeLocked()
		return Decision{Event: event}
	}

	if m.badPostureSince == nil {
		started := now
		m.badPostureSince = &started
		m.log.Debug("Bad posture episode started")
	}

	duration := now.Sub(*m.badPostureSince)
	if duration < m.threshold {
		return Decision{Duration: duration}
	}
	m.thresholdCrossed = true
	if m.lastAlertAt != nil && now.Sub(*m.lastAlertAt) < m.cooldown {
		return Decision{Duration: duration}
	}

	alertAt := now
	m.lastAlertAt = &alertAt
	m.log.Info("Bad posture for %v, alerting", duration.Round(time.Second))

	return Decision{
		ShouldAlert: true,
		Duration:    duration,
		Event: &types.AlertEvent{
			Kind:           types.AlertTriggered,
			Duration:       duration,
			Timestamp:      now,
			EpisodeStarted: *m.badPostureSince,
		},
	}
}

// Pause stops monitoring and discards all timers. Idempotent.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.paused {
		m.log.Info("Monitoring paused")
	}
	m.paused = true
	m.resetEpisodeLocked()
	m.lastAlertAt = nil
}

// Resume restarts monitoring; tracking starts from the next bad evaluation
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		m.log.Info("Monitoring resumed")
	}
	m.paused = false
}

// Paused reports whether monitoring is paused
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Status returns the paused flag and the current episode length
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tracking time.Duration
	if m.badPostureSince != nil {
		tracking = m.now().Sub(*m.badPostureSince)
	}
	return Status{
		MonitoringPaused: m.paused,
		TrackingDuration: tracking,
	}
}

// State returns a copy of the internal fields
func (m *Manager) State() types.AlertState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return types.AlertState{
		MonitoringPaused: m.paused,
		BadPostureSince:  copyTime(m.badPostureSince),
		LastAlertAt:      copyTime(m.lastAlertAt),
	}
}

func (m *Manager) resetEpisodeLocked() {
	m.badPostureSince = nil
	m.thresholdCrossed = false
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
