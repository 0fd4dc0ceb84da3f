package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/alert"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/broadcast"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/camera"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/config"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/heartbeat"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/latest"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/metrics"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/notify"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/overlay"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/pipeline"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/pose/openpose"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/posture"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/server"
	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

var (
	// Command-line flags. Set flags override the config file and environment.
	configPath = flag.String("config", "", "YAML config file")
	device     = flag.String("device", "", "Camera device path or index")
	httpAddr   = flag.String("http", "", "HTTP server address")
	threshold  = flag.Float64("threshold", 0, "Posture threshold in degrees (1-30)")
	natsURL    = flag.String("nats", "", "NATS server URL for alert events")
	noDesktop  = flag.Bool("no-desktop", false, "Disable desktop notifications")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
)

// App owns every long-lived component
type App struct {
	cfg         config.Config
	metrics     *metrics.Metrics
	detector    *openpose.Detector
	broadcaster *broadcast.Broadcaster
	dispatcher  *notify.Dispatcher
	publisher   *notify.NATSPublisher
	heartbeat   *heartbeat.Systemd
	pipeline    *pipeline.Pipeline
	server      *server.Server
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)

	logger.Info("Main", "Posture monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create monitor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		log.Fatalf("Failed to start monitor: %v", err)
	}

	<-ctx.Done()
	logger.Info("Main", "Shutting down...")
	app.Shutdown()
	logger.Info("Main", "Monitor stopped")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Camera.Device = *device
		case "http":
			cfg.Server.Addr = *httpAddr
		case "threshold":
			cfg.Posture.ThresholdDegrees = *threshold
		case "nats":
			cfg.NATS.URL = *natsURL
		case "no-desktop":
			cfg.Notify.Desktop = !*noDesktop
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-color":
			cfg.Log.Color = *logColor
		}
	})

	return cfg, cfg.Validate()
}

// NewApp builds the component graph. Nothing runs until Start.
func NewApp(cfg config.Config) (*App, error) {
	app := &App{cfg: cfg, metrics: metrics.New()}

	classifier, err := posture.NewClassifier(cfg.Posture.ThresholdDegrees)
	if err != nil {
		return nil, err
	}
	alerts, err := alert.NewManager(alert.Config{
		Threshold: cfg.Alert.Threshold,
		Cooldown:  cfg.Alert.Cooldown,
	})
	if err != nil {
		return nil, err
	}

	app.detector, err = openpose.New(openpose.Config{
		ProtoPath:     cfg.Posture.ProtoPath,
		ModelPath:     cfg.Posture.ModelPath,
		InputWidth:    cfg.Posture.InputSize,
		InputHeight:   cfg.Posture.InputSize,
		MinConfidence: cfg.Posture.MinConfidence,
	})
	if err != nil {
		return nil, fmt.Errorf("load pose model: %w", err)
	}

	cell := latest.New[types.FrameResult]()
	app.broadcaster = broadcast.New(cell, broadcast.Config{
		PollInterval:   cfg.Server.PollInterval,
		MaxSubscribers: cfg.Server.MaxSubscribers,
		EventBuffer:    cfg.Server.EventBuffer,
		Metrics:        app.metrics,
	})

	deps := notify.Deps{Broadcaster: app.broadcaster, Metrics: app.metrics}
	if cfg.Notify.Desktop {
		if ns := notify.NewNotifySend(); ns != nil {
			ns.Urgency = cfg.Notify.Urgency
			deps.Desktop = ns
		}
	}
	if cfg.NATS.URL != "" {
		app.publisher, err = notify.ConnectNATS(notify.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			ClientName:    cfg.NATS.ClientName,
			ReconnectWait: cfg.NATS.ReconnectWait,
		})
		if err != nil {
			_ = app.detector.Close()
			return nil, err
		}
		deps.Publisher = app.publisher
	}
	app.dispatcher = notify.New(deps)

	app.heartbeat = heartbeat.NewSystemd()
	beatEvery := cfg.Pipeline.HeartbeatInterval
	if wd := heartbeat.WatchdogInterval(); wd > 0 && wd/2 < beatEvery {
		beatEvery = wd / 2
		logger.Info("Main", "Watchdog enabled, heartbeat every %v", beatEvery)
	}

	app.pipeline, err = pipeline.New(pipeline.Config{
		TargetFPS:          cfg.Pipeline.TargetFPS,
		QuickRetries:       cfg.Pipeline.QuickRetries,
		QuickRetryInterval: cfg.Pipeline.QuickRetryInterval,
		ReconnectInterval:  cfg.Pipeline.ReconnectInterval,
		HeartbeatInterval:  beatEvery,
	}, pipeline.Deps{
		Source: camera.New(camera.Config{
			Device: cfg.Camera.Device,
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			FPS:    cfg.Camera.FPS,
		}),
		Detector:   app.detector,
		Classifier: classifier,
		Alerter:    alerts,
		Renderer:   overlay.New(cfg.Pipeline.JPEGQuality),
		Status:     app.broadcaster,
		AlertSink:  app.dispatcher,
		Heartbeat:  app.heartbeat,
		Cell:       cell,
		Metrics:    app.metrics,
	})
	if err != nil {
		app.closeOutputs()
		return nil, err
	}

	app.server, err = server.New(server.Config{
		Addr:        cfg.Server.Addr,
		AllowOrigin: cfg.Server.AllowOrigin,
		STUNServers: cfg.Server.STUNServers,
	}, server.Deps{
		Broadcaster: app.broadcaster,
		Monitor:     alerts,
		Camera:      app.pipeline,
		Metrics:     app.metrics,
	})
	if err != nil {
		app.closeOutputs()
		return nil, err
	}

	return app, nil
}

// Start runs the pipeline and the HTTP server
func (a *App) Start(ctx context.Context) error {
	logger.Info("Main", "  Camera: %s", a.cfg.Camera.Device)
	logger.Info("Main", "  HTTP server: %s", a.cfg.Server.Addr)
	logger.Info("Main", "  Threshold: %.1f degrees, alert after %v", a.cfg.Posture.ThresholdDegrees, a.cfg.Alert.Threshold)

	if err := a.pipeline.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := a.server.ListenAndServe(); err != nil {
			logger.Error("Main", "%v", err)
		}
	}()

	a.heartbeat.Ready()
	logger.Info("Main", "Monitor started successfully")
	return nil
}

// Shutdown stops the producer before anything that consumes its output
func (a *App) Shutdown() {
	a.heartbeat.Stopping()
	a.pipeline.Stop()
	a.broadcaster.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		logger.Warn("Main", "HTTP shutdown: %v", err)
	}

	a.closeOutputs()
}

func (a *App) closeOutputs() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logger.Warn("Main", "NATS drain: %v", err)
		}
	}
	if a.detector != nil {
		if err := a.detector.Close(); err != nil {
			logger.Warn("Main", "Close pose model: %v", err)
		}
	}
}
