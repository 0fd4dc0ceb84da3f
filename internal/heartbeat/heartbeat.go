// Package heartbeat reports liveness to the service manager.
package heartbeat

import (
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
)

// Systemd sends sd_notify messages. Outside systemd every call is a no-op.
// Callers own the heartbeat counter.
type Systemd struct {
	notify func(state string) (bool, error)
	last   atomic.Int64
}

// NewSystemd returns a heartbeat bound to NOTIFY_SOCKET
func NewSystemd() *Systemd {
	return &Systemd{
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
}

// WatchdogInterval returns the interval systemd expects pings at, or 0 if the
// watchdog is disabled. Callers should beat at half of it.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("Heartbeat", "WATCHDOG_USEC: %v", err)
		return 0
	}
	return d
}

// Ready tells systemd startup is complete
func (s *Systemd) Ready() {
	s.send(daemon.SdNotifyReady)
}

// Stopping tells systemd shutdown has begun
func (s *Systemd) Stopping() {
	s.send(daemon.SdNotifyStopping)
}

// Beat pings the watchdog
func (s *Systemd) Beat() error {
	sent, err := s.notify(daemon.SdNotifyWatchdog)
	if err != nil {
		return err
	}
	if sent {
		s.last.Store(time.Now().UnixNano())
	}
	return nil
}

// Last returns when the watchdog was last pinged, zero if never
func (s *Systemd) Last() time.Time {
	ns := s.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Systemd) send(state string) {
	sent, err := s.notify(state)
	switch {
	case err != nil:
		logger.Warn("Heartbeat", "sd_notify %s: %v", state, err)
	case sent:
		logger.Debug("Heartbeat", "sd_notify %s", state)
	}
}
