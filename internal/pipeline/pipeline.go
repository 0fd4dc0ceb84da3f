// Package pipeline drives the capture, detect, classify, alert and publish
// loop on a single worker goroutine, and owns the camera recovery state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/alert"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/latest"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/metrics"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/pose"
	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

const (
	DefaultTargetFPS          = 10.0
	DefaultQuickRetries       = 3
	DefaultQuickRetryInterval = time.Second
	DefaultReconnectInterval  = 10 * time.Second
	DefaultHeartbeatInterval  = 15 * time.Second
	DefaultWaitSlice          = time.Second
)

var ErrAlreadyStarted = errors.New("pipeline already started")

// Source is a camera. It never retries on its own.
type Source interface {
	Open(ctx context.Context) error
	ReadFrame() (*types.Frame, error)
	Close() error
}

// Detector finds the user's landmarks in a frame
type Detector interface {
	Detect(frame *types.Frame) (types.Detection, error)
}

// Classifier maps landmarks to a posture state
type Classifier interface {
	Classify(l *types.Landmarks) types.PostureState
}

// Alerter is the alert state machine
type Alerter interface {
	Evaluate(posture types.PostureState, userPresent bool) alert.Decision
	Paused() bool
}

// Renderer draws the overlay and encodes the published frame
type Renderer interface {
	Render(frame *types.Frame, det types.Detection, posture types.PostureState) ([]byte, error)
}

// StatusSink receives camera state transitions
type StatusSink interface {
	BroadcastCameraStatus(state types.CameraState) error
}

// AlertSink receives alert transition events. Dispatch must not block.
type AlertSink interface {
	Dispatch(event types.AlertEvent)
}

// Heartbeat pings the process supervisor
type Heartbeat interface {
	Beat() error
}

// Config holds the loop timings. Zero values take the defaults.
type Config struct {
	TargetFPS          float64
	QuickRetries       int
	QuickRetryInterval time.Duration
	ReconnectInterval  time.Duration
	HeartbeatInterval  time.Duration
	WaitSlice          time.Duration // Longest uninterrupted sleep; bounds heartbeat lateness
}

func (c *Config) applyDefaults() {
	if c.TargetFPS <= 0 {
		c.TargetFPS = DefaultTargetFPS
	}
	if c.QuickRetries <= 0 {
		c.QuickRetries = DefaultQuickRetries
	}
	if c.QuickRetryInterval <= 0 {
		c.QuickRetryInterval = DefaultQuickRetryInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.WaitSlice <= 0 {
		c.WaitSlice = DefaultWaitSlice
	}
}

// Deps are the pipeline's collaborators. Renderer, Status, Alerts sink,
// Heartbeat and Metrics are optional.
type Deps struct {
	Source     Source
	Detector   Detector
	Classifier Classifier
	Alerter    Alerter
	Renderer   Renderer
	Status     StatusSink
	AlertSink  AlertSink
	Heartbeat  Heartbeat
	Cell       *latest.Cell[types.FrameResult]
	Metrics    *metrics.Metrics
}

// Pipeline is the single processing worker
type Pipeline struct {
	cfg  Config
	deps Deps
	log  logger.ModuleLogger

	recovery    *recovery
	cameraState atomic.Value // types.CameraState
	seq         uint64
	lastBeat    time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New validates deps and returns a pipeline in the Disconnected state
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("pipeline: camera source is required")
	case deps.Detector == nil:
		return nil, fmt.Errorf("pipeline: pose detector is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("pipeline: posture classifier is required")
	case deps.Alerter == nil:
		return nil, fmt.Errorf("pipeline: alert manager is required")
	case deps.Cell == nil:
		return nil, fmt.Errorf("pipeline: result cell is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	cfg.applyDefaults()

	p := &Pipeline{
		cfg:      cfg,
		deps:     deps,
		log:      logger.Named("Pipeline"),
		recovery: newRecovery(cfg.QuickRetries, cfg.QuickRetryInterval, cfg.ReconnectInterval),
	}
	p.cameraState.Store(types.CameraDisconnected)
	deps.Metrics.SetCameraState(types.CameraDisconnected)
	return p, nil
}

// CameraState returns the current camera state. Safe for concurrent use.
func (p *Pipeline) CameraState() types.CameraState {
	return p.cameraState.Load().(types.CameraState)
}

// Start spawns the worker goroutine
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(ctx)

	p.log.Info("Started (target %.1f fps)", p.cfg.TargetFPS)
	return nil
}

// Stop cancels the worker, waits for it, and then releases the camera
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	if err := p.deps.Source.Close(); err != nil {
		p.log.Warn("Camera close: %v", err)
	}
	p.log.Info("Stopped after %d frames", p.seq)
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()

	frameInterval := time.Duration(float64(time.Second) / p.cfg.TargetFPS)
	p.lastBeat = time.Now()
	p.beat()

	for ctx.Err() == nil {
		loopStart := time.Now()
		p.beatIfDue(loopStart)

		if p.recovery.state == types.CameraConnected {
			frame, err := p.deps.Source.ReadFrame()
			if err != nil {
				p.deps.Metrics.CaptureErrors.Add(1)
				p.log.Warn("Camera read failed: %v", err)
				p.apply(p.recovery.readFailed())
				continue
			}
			p.deps.Metrics.FramesCaptured.Add(1)
			p.process(frame)
			p.sleep(ctx, frameInterval-time.Since(loopStart))
			continue
		}

		if !p.sleep(ctx, p.recovery.retryDelay(time.Now())) {
			return
		}

		frame, err := p.reopen(ctx)
		if err != nil {
			p.log.Warn("Camera re-open failed (%s): %v", p.recovery.state, err)
			p.apply(p.recovery.reopenFailed(time.Now()))
			continue
		}
		p.deps.Metrics.FramesCaptured.Add(1)
		p.apply(p.recovery.readSucceeded())
		p.process(frame)
	}
}

// reopen closes and re-opens the camera and reads one frame
func (p *Pipeline) reopen(ctx context.Context) (*types.Frame, error) {
	p.deps.Metrics.ReconnectAttempts.Add(1)
	_ = p.deps.Source.Close()

	if err := p.deps.Source.Open(ctx); err != nil {
		p.deps.Metrics.CaptureErrors.Add(1)
		return nil, err
	}
	frame, err := p.deps.Source.ReadFrame()
	if err != nil {
		p.deps.Metrics.CaptureErrors.Add(1)
		return nil, err
	}
	return frame, nil
}

// apply publishes a state transition
func (p *Pipeline) apply(t transition) {
	if !t.changed() {
		return
	}
	p.cameraState.Store(t.to)
	p.deps.Metrics.SetCameraState(t.to)

	if t.to == types.CameraConnected {
		p.log.Info("Camera %s -> %s", t.from, t.to)
	} else {
		p.log.Warn("Camera %s -> %s", t.from, t.to)
		p.deps.Alerter.Evaluate(types.PostureUnknown, false)
	}

	if p.deps.Status != nil {
		if err := p.deps.Status.BroadcastCameraStatus(t.to); err != nil {
			p.log.Warn("camera_status %s: %v", t.to, err)
		}
	}
}

// process runs detection through publish for one frame. A detector or
// classifier failure skips the frame and never touches the camera state.
func (p *Pipeline) process(frame *types.Frame) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.skip(frame, &pose.InferenceError{Op: "process", Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if !frame.Valid() {
		p.skip(frame, &pose.InferenceError{Op: "validate", Err: pose.ErrMalformedFrame})
		return
	}

	det, err := p.deps.Detector.Detect(frame)
	if err != nil {
		p.skip(frame, err)
		return
	}

	posture := types.PostureUnknown
	if det.UserPresent && det.Landmarks != nil {
		posture = p.deps.Classifier.Classify(det.Landmarks)
	}

	decision := p.deps.Alerter.Evaluate(posture, det.UserPresent)
	if decision.Event != nil {
		switch decision.Event.Kind {
		case types.AlertTriggered:
			p.deps.Metrics.AlertsTriggered.Add(1)
		case types.AlertCorrected:
			p.deps.Metrics.AlertsCorrected.Add(1)
		}
		if p.deps.AlertSink != nil {
			p.deps.AlertSink.Dispatch(*decision.Event)
		}
	}

	var encoded []byte
	if p.deps.Renderer != nil {
		encoded, err = p.deps.Renderer.Render(frame, det, posture)
		if err != nil {
			p.skip(frame, &pose.InferenceError{Op: "render", Err: err})
			return
		}
	}

	p.seq++
	p.deps.Cell.Store(&types.FrameResult{
		Seq:          p.seq,
		PostureState: posture,
		UserPresent:  det.UserPresent,
		Landmarks:    det.Landmarks,
		FrameEncoded: encoded,
		CapturedAt:   frame.CapturedAt,
		CameraState:  p.CameraState(),
		Alert: types.AlertInfo{
			ShouldAlert:      decision.ShouldAlert,
			Duration:         decision.Duration,
			MonitoringPaused: p.deps.Alerter.Paused(),
		},
	})
	p.deps.Metrics.FramesProcessed.Add(1)
	p.deps.Metrics.UpdateProcessLatency(time.Since(start))
}

func (p *Pipeline) skip(frame *types.Frame, err error) {
	p.deps.Metrics.InferenceErrors.Add(1)
	p.deps.Metrics.FramesSkipped.Add(1)
	var seq uint64
	if frame != nil {
		seq = frame.Seq
	}
	p.log.Error("Frame %d skipped (camera %s): %v", seq, p.CameraState(), err)
}

// sleep waits d in slices, sending heartbeats that fall due. It returns
// false if ctx was cancelled.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err() == nil
		}
		slice := min(remaining, p.cfg.WaitSlice, time.Until(p.lastBeat.Add(p.cfg.HeartbeatInterval)))
		if slice < 0 {
			slice = 0
		}

		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		p.beatIfDue(time.Now())
	}
}

func (p *Pipeline) beatIfDue(now time.Time) {
	if now.Sub(p.lastBeat) < p.cfg.HeartbeatInterval {
		return
	}
	p.lastBeat = now
	p.beat()
}

func (p *Pipeline) beat() {
	if p.deps.Heartbeat == nil {
		return
	}
	if err := p.deps.Heartbeat.Beat(); err != nil {
		p.log.Warn("Heartbeat: %v", err)
		return
	}
	p.deps.Metrics.Heartbeats.Add(1)
}
