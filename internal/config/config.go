// Package config loads the monitor configuration. Values are layered:
// defaults, then an optional YAML file, then POSTURE_* environment variables.
// Command-line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/alert"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/broadcast"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/notify"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/pipeline"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/pose"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/posture"
)

const EnvPrefix = "POSTURE_"

// Config is the full runtime configuration
type Config struct {
	Camera   CameraConfig   `yaml:"camera" envPrefix:"CAMERA_"`
	Posture  PostureConfig  `yaml:"posture" envPrefix:"CLASSIFIER_"`
	Alert    AlertConfig    `yaml:"alert" envPrefix:"ALERT_"`
	Pipeline PipelineConfig `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Notify   NotifyConfig   `yaml:"notify" envPrefix:"NOTIFY_"`
	NATS     NATSConfig     `yaml:"nats" envPrefix:"NATS_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

type CameraConfig struct {
	Device string  `yaml:"device" env:"DEVICE"`
	Width  int     `yaml:"width" env:"WIDTH"`
	Height int     `yaml:"height" env:"HEIGHT"`
	FPS    float64 `yaml:"fps" env:"FPS"`
}

type PostureConfig struct {
	ThresholdDegrees float64 `yaml:"threshold_degrees" env:"THRESHOLD_DEGREES"`
	ProtoPath        string  `yaml:"proto_path" env:"PROTO_PATH"`
	ModelPath        string  `yaml:"model_path" env:"MODEL_PATH"`
	InputSize        int     `yaml:"input_size" env:"INPUT_SIZE"`
	MinConfidence    float64 `yaml:"min_confidence" env:"MIN_CONFIDENCE"`
}

type AlertConfig struct {
	Threshold time.Duration `yaml:"threshold" env:"THRESHOLD"`
	Cooldown  time.Duration `yaml:"cooldown" env:"COOLDOWN"`
}

type PipelineConfig struct {
	TargetFPS          float64       `yaml:"target_fps" env:"TARGET_FPS"`
	QuickRetries       int           `yaml:"quick_retries" env:"QUICK_RETRIES"`
	QuickRetryInterval time.Duration `yaml:"quick_retry_interval" env:"QUICK_RETRY_INTERVAL"`
	ReconnectInterval  time.Duration `yaml:"reconnect_interval" env:"RECONNECT_INTERVAL"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	JPEGQuality        int           `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr" env:"ADDR"`
	MaxSubscribers int           `yaml:"max_subscribers" env:"MAX_SUBSCRIBERS"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	EventBuffer    int           `yaml:"event_buffer" env:"EVENT_BUFFER"`
	STUNServers    []string      `yaml:"stun_servers" env:"STUN_SERVERS"`
	AllowOrigin    string        `yaml:"allow_origin" env:"ALLOW_ORIGIN"`
}

type NotifyConfig struct {
	Desktop bool   `yaml:"desktop" env:"DESKTOP"`
	Urgency string `yaml:"urgency" env:"URGENCY"`
}

// NATSConfig enables the alert bus when URL is set
type NATSConfig struct {
	URL           string        `yaml:"url" env:"URL"`
	SubjectPrefix string        `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	ClientName    string        `yaml:"client_name" env:"CLIENT_NAME"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"RECONNECT_WAIT"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	Color bool   `yaml:"color" env:"COLOR"`
}

// ConfigError names the offending field
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Camera: CameraConfig{
			Device: "0",
			Width:  640,
			Height: 480,
			FPS:    pipeline.DefaultTargetFPS,
		},
		Posture: PostureConfig{
			ThresholdDegrees: posture.DefaultThresholdDegrees,
			ProtoPath:        "models/pose_deploy_linevec.prototxt",
			ModelPath:        "models/pose_iter_440000.caffemodel",
			InputSize:        256,
			MinConfidence:    pose.DefaultMinConfidence,
		},
		Alert: AlertConfig{
			Threshold: alert.DefaultThreshold,
			Cooldown:  alert.DefaultCooldown,
		},
		Pipeline: PipelineConfig{
			TargetFPS:          pipeline.DefaultTargetFPS,
			QuickRetries:       pipeline.DefaultQuickRetries,
			QuickRetryInterval: pipeline.DefaultQuickRetryInterval,
			ReconnectInterval:  pipeline.DefaultReconnectInterval,
			HeartbeatInterval:  pipeline.DefaultHeartbeatInterval,
			JPEGQuality:        80,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			MaxSubscribers: 10,
			PollInterval:   broadcast.DefaultPollInterval,
			EventBuffer:    broadcast.DefaultEventBuffer,
			STUNServers:    []string{"stun:stun.l.google.com:19302"},
			AllowOrigin:    "*",
		},
		Notify: NotifyConfig{
			Desktop: true,
			Urgency: "normal",
		},
		NATS: NATSConfig{
			SubjectPrefix: notify.DefaultSubjectPrefix,
			ClientName:    "posture-monitor",
			ReconnectWait: 2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load builds a config from defaults, the YAML file at path (skipped when
// empty) and the environment. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file onto c. Keys missing from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays POSTURE_* variables onto c
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports the first invalid field as a *ConfigError
func (c *Config) Validate() error {
	checks := []struct {
		field string
		bad   bool
		why   string
	}{
		{"camera.device", c.Camera.Device == "", "must not be empty"},
		{"camera.fps", c.Camera.FPS < 0 || c.Camera.FPS > 30, "must be within [0, 30]"},
		{"posture.threshold_degrees", posture.ValidateThreshold(c.Posture.ThresholdDegrees) != nil,
			fmt.Sprintf("must be within [%.0f, %.0f]", posture.MinThresholdDegrees, posture.MaxThresholdDegrees)},
		{"posture.input_size", c.Posture.InputSize <= 0, "must be positive"},
		{"posture.min_confidence", c.Posture.MinConfidence < 0 || c.Posture.MinConfidence > 1, "must be within [0, 1]"},
		{"alert.threshold", c.Alert.Threshold < time.Minute || c.Alert.Threshold > time.Hour, "must be within [1m, 1h]"},
		{"alert.cooldown", c.Alert.Cooldown < time.Minute || c.Alert.Cooldown > 30*time.Minute, "must be within [1m, 30m]"},
		{"pipeline.target_fps", c.Pipeline.TargetFPS < 1 || c.Pipeline.TargetFPS > 30, "must be within [1, 30]"},
		{"pipeline.quick_retries", c.Pipeline.QuickRetries <= 0, "must be positive"},
		{"pipeline.quick_retry_interval", c.Pipeline.QuickRetryInterval <= 0, "must be positive"},
		{"pipeline.reconnect_interval", c.Pipeline.ReconnectInterval <= 0, "must be positive"},
		{"pipeline.heartbeat_interval", c.Pipeline.HeartbeatInterval <= 0, "must be positive"},
		{"pipeline.jpeg_quality", c.Pipeline.JPEGQuality < 1 || c.Pipeline.JPEGQuality > 100, "must be within [1, 100]"},
		{"server.addr", c.Server.Addr == "", "must not be empty"},
		{"server.max_subscribers", c.Server.MaxSubscribers < 0, "must not be negative"},
		{"server.poll_interval", c.Server.PollInterval <= 0, "must be positive"},
		{"server.event_buffer", c.Server.EventBuffer <= 0, "must be positive"},
		{"notify.urgency", !validUrgency(c.Notify.Urgency), "must be low, normal or critical"},
	}
	for _, check := range checks {
		if check.bad {
			return &ConfigError{Field: check.field, Reason: check.why}
		}
	}
	return nil
}

// IsConfigError reports whether err is a validation failure
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func validUrgency(u string) bool {
	switch u {
	case "low", "normal", "critical":
		return true
	}
	return false
}
