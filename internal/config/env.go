package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POSTURE_"

type envBinding struct {
	key string
	set func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"HTTP_ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"METRICS_ADDR", func(c *Config, v string) error { c.Server.MetricsAddr = v; return nil }},
	{"ALLOWED_ORIGIN", func(c *Config, v string) error { c.Server.AllowedOrigin = v; return nil }},
	{"AUTO_START", boolVar(func(c *Config) *bool { return &c.Server.AutoStart })},
	{"DISTANCE_THRESHOLD", floatVar(func(c *Config) *float64 { return &c.Engine.DistanceThreshold })},
	{"SMOOTHING_FRAMES", intVar(func(c *Config) *int { return &c.Engine.SmoothingFrames })},
	{"NO_FACE_THRESHOLD_SECONDS", floatVar(func(c *Config) *float64 { return &c.Engine.NoFaceThresholdSeconds })},
	{"EAR_THRESHOLD", floatVar(func(c *Config) *float64 { return &c.Engine.EARThreshold })},
	{"PERCEPTION_MODE", func(c *Config, v string) error { c.Perception.Mode = v; return nil }},
	{"PERCEPTION_COMMAND", func(c *Config, v string) error { c.Perception.Command = v; return nil }},
	{"PERCEPTION_ARGS", func(c *Config, v string) error { c.Perception.Args = strings.Fields(v); return nil }},
	{"PERCEPTION_CODEC", func(c *Config, v string) error { c.Perception.Codec = v; return nil }},
	{"PERCEPTION_FILE", func(c *Config, v string) error { c.Perception.File = v; return nil }},
	{"WORKER_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Worker.Interval })},
	{"MQTT_ENABLED", boolVar(func(c *Config) *bool { return &c.MQTT.Enabled })},
	{"MQTT_BROKER", func(c *Config, v string) error { c.MQTT.Broker = v; return nil }},
	{"INSTANCE_ID", func(c *Config, v string) error { c.MQTT.InstanceID = v; return nil }},
	{"RECORD_PATH", func(c *Config, v string) error { c.Recording.Path = v; return nil }},
	{"WEBRTC_ENABLED", boolVar(func(c *Config) *bool { return &c.WebRTC.Enabled })},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = strings.ToLower(v); return nil }},
	{"LOG_FILE", func(c *Config, v string) error { c.Log.File = v; return nil }},
}

// ApplyEnv overrides cfg from POSTURE_* variables found through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatVar(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}
