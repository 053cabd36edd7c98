// Package config loads the server configuration from YAML, dotenv files and
// POSTURE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
)

// Config is the full server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Perception PerceptionConfig `yaml:"perception"`
	Worker     WorkerConfig     `yaml:"worker"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Recording  RecordingConfig  `yaml:"recording"`
	WebRTC     WebRTCConfig     `yaml:"webrtc"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr" validate:"required"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	PprofAddr      string        `yaml:"pprof_addr"`
	AllowedOrigin  string        `yaml:"allowed_origin"`
	StatusInterval time.Duration `yaml:"status_interval" validate:"gt=0"`
	AutoStart      bool          `yaml:"auto_start"`
}

// EngineConfig mirrors engine.Config with YAML-friendly units (seconds).
type EngineConfig struct {
	DistanceThreshold          float64 `yaml:"distance_threshold"`
	SmoothingFrames            int     `yaml:"smoothing_frames"`
	BehaviorWindowSeconds      float64 `yaml:"behavior_window_seconds"`
	BehaviorWindowCap          int     `yaml:"behavior_window_cap"`
	NoFaceThresholdSeconds     float64 `yaml:"no_face_threshold_seconds"`
	WarningAvgThreshold        float64 `yaml:"warning_avg_threshold"`
	BadAvgThreshold            float64 `yaml:"bad_avg_threshold"`
	EARThreshold               float64 `yaml:"ear_threshold"`
	ConsecFramesThreshold      int     `yaml:"consec_frames_threshold"`
	BlinkRateIntervalSeconds   float64 `yaml:"blink_rate_interval_seconds"`
	AbsoluteMinBlinksPerMinute int     `yaml:"absolute_min_blinks_per_minute"`
	MinBlinksPerMinute         int     `yaml:"min_blinks_per_minute"`
	LeftEye                    []int   `yaml:"left_eye" validate:"omitempty,len=6"`
	RightEye                   []int   `yaml:"right_eye" validate:"omitempty,len=6"`
}

type PerceptionConfig struct {
	// Mode selects the measurement source: a provider subprocess, stdin, or a recorded file.
	Mode    string   `yaml:"mode" validate:"oneof=process stdin file"`
	Command string   `yaml:"command" validate:"required_if=Mode process"`
	Args    []string `yaml:"args"`
	Codec   string   `yaml:"codec" validate:"oneof=jsonl msgpack"`
	File    string   `yaml:"file" validate:"required_if=Mode file"`
	// Pace replays a file at its recorded speed.
	Pace bool `yaml:"pace"`
}

type WorkerConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker" validate:"required_if=Enabled true"`
	InstanceID  string `yaml:"instance_id" validate:"required_if=Enabled true"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos" validate:"lte=2"`
}

type RecordingConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type WebRTCConfig struct {
	Enabled     bool     `yaml:"enabled"`
	STUNServers []string `yaml:"stun_servers"`
	MaxClients  int      `yaml:"max_clients" validate:"gte=0"`
}

type LogConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error silent none"`
	Color      bool   `yaml:"color"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// Default returns the configuration of a single-user desktop deployment.
func Default() Config {
	ec := engine.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:           "localhost:5000",
			MetricsAddr:    ":9090",
			AllowedOrigin:  "*",
			StatusInterval: 500 * time.Millisecond,
			AutoStart:      false,
		},
		Engine: EngineConfig{
			DistanceThreshold:          ec.DistanceThreshold,
			SmoothingFrames:            ec.SmoothingFrames,
			BehaviorWindowSeconds:      ec.BehaviorWindow.Seconds(),
			BehaviorWindowCap:          ec.BehaviorWindowCap,
			NoFaceThresholdSeconds:     ec.NoFaceThreshold.Seconds(),
			WarningAvgThreshold:        ec.WarningAvgThreshold,
			BadAvgThreshold:            ec.BadAvgThreshold,
			EARThreshold:               ec.EARThreshold,
			ConsecFramesThreshold:      ec.ConsecFramesThreshold,
			BlinkRateIntervalSeconds:   ec.BlinkRateInterval.Seconds(),
			AbsoluteMinBlinksPerMinute: ec.AbsoluteMinBlinksPerMinute,
			MinBlinksPerMinute:         ec.MinBlinksPerMinute,
		},
		// perception/face_mesh.py ships with the repo; it needs opencv-python and
		// mediapipe and is resolved relative to the working directory.
		Perception: PerceptionConfig{
			Mode:    "process",
			Command: "python3",
			Args:    []string{"perception/face_mesh.py"},
			Codec:   "jsonl",
		},
		Worker: WorkerConfig{Interval: 10 * time.Millisecond},
		MQTT: MQTTConfig{
			Broker:      "localhost:1883",
			InstanceID:  "posture-guard",
			TopicPrefix: "posture",
			QoS:         1,
		},
		Recording: RecordingConfig{Path: "./recordings"},
		WebRTC: WebRTCConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
		Log: LogConfig{
			Level:      "info",
			Color:      true,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks the server sections and the engine thresholds.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Engine.EngineConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EngineConfig converts the section to a validated engine.Config.
func (e EngineConfig) EngineConfig() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	cfg.DistanceThreshold = e.DistanceThreshold
	cfg.SmoothingFrames = e.SmoothingFrames
	cfg.BehaviorWindow = seconds(e.BehaviorWindowSeconds)
	cfg.BehaviorWindowCap = e.BehaviorWindowCap
	cfg.NoFaceThreshold = seconds(e.NoFaceThresholdSeconds)
	cfg.WarningAvgThreshold = e.WarningAvgThreshold
	cfg.BadAvgThreshold = e.BadAvgThreshold
	cfg.EARThreshold = e.EARThreshold
	cfg.ConsecFramesThreshold = e.ConsecFramesThreshold
	cfg.BlinkRateInterval = seconds(e.BlinkRateIntervalSeconds)
	cfg.AbsoluteMinBlinksPerMinute = e.AbsoluteMinBlinksPerMinute
	cfg.MinBlinksPerMinute = e.MinBlinksPerMinute

	if len(e.LeftEye) > 0 {
		if err := setEye(&cfg.LeftEye, e.LeftEye); err != nil {
			return engine.Config{}, fmt.Errorf("left_eye: %w", err)
		}
	}
	if len(e.RightEye) > 0 {
		if err := setEye(&cfg.RightEye, e.RightEye); err != nil {
			return engine.Config{}, fmt.Errorf("right_eye: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return engine.Config{}, err
	}
	return cfg, nil
}

func setEye(dst *engine.EyeIndices, src []int) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: need %d landmark indices, got %d", engine.ErrInvalidConfig, len(dst), len(src))
	}
	copy(dst[:], src)
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
