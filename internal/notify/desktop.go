package notify

import (
	"context"
	"os/exec"
	"time"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
)

const defaultDesktopTimeout = 5 * time.Second

// NotifySend shows notifications through the freedesktop notify-send tool
type NotifySend struct {
	Command string        // Defaults to notify-send
	Urgency string        // low, normal or critical
	Timeout time.Duration // Upper bound for the command

	run func(ctx context.Context, name string, args ...string) error
}

// NewNotifySend returns a notifier, or nil if notify-send is not installed
func NewNotifySend() *NotifySend {
	path, err := exec.LookPath("notify-send")
	if err != nil {
		logger.Warn("Notify", "notify-send not found, desktop notifications disabled")
		return nil
	}
	return &NotifySend{Command: path, Urgency: "normal"}
}

// Notify implements Notifier
func (n *NotifySend) Notify(title, body string) bool {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = defaultDesktopTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	command := n.Command
	if command == "" {
		command = "notify-send"
	}
	args := []string{"--app-name=posture-monitor", "--icon=dialog-warning"}
	if n.Urgency != "" {
		args = append(args, "--urgency="+n.Urgency)
	}
	args = append(args, title, body)

	run := n.run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		}
	}
	if err := run(ctx, command, args...); err != nil {
		logger.Debug("Notify", "%s: %v", command, err)
		return false
	}
	return true
}
