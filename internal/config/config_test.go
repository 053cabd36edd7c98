package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	ec, err := cfg.Engine.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	if ec != engine.DefaultConfig() {
		t.Errorf("engine section does not round-trip: %+v", ec)
	}
}

func TestDefault_ProviderScriptShipped(t *testing.T) {
	cfg := Default()
	if len(cfg.Perception.Args) == 0 {
		t.Fatal("default perception args are empty")
	}
	// Tests run in the package directory; the default path is relative to the repo root.
	script := filepath.Join("..", "..", cfg.Perception.Args[0])
	info, err := os.Stat(script)
	if err != nil {
		t.Fatalf("default provider %s: %v", cfg.Perception.Args[0], err)
	}
	if info.IsDir() || info.Size() == 0 {
		t.Errorf("default provider %s is not a usable file", cfg.Perception.Args[0])
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	path := writeFile(t, "posture.yaml", `
server:
  addr: ":5050"
  status_interval: 250ms
engine:
  distance_threshold: 0.18
  behavior_window_seconds: 5
  left_eye: [0, 1, 2, 3, 4, 5]
perception:
  mode: file
  file: session.jsonl
  codec: jsonl
worker:
  interval: 20ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":5050" || cfg.Server.StatusInterval != 250*time.Millisecond {
		t.Errorf("server section: %+v", cfg.Server)
	}
	if cfg.Worker.Interval != 20*time.Millisecond {
		t.Errorf("worker interval: %v", cfg.Worker.Interval)
	}

	ec, err := cfg.Engine.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	if ec.DistanceThreshold != 0.18 || ec.BehaviorWindow != 5*time.Second {
		t.Errorf("engine overlay: %+v", ec)
	}
	if ec.LeftEye != (engine.EyeIndices{0, 1, 2, 3, 4, 5}) || ec.RightEye != engine.FaceMeshRightEye {
		t.Errorf("eye indices: %v %v", ec.LeftEye, ec.RightEye)
	}
	if ec.SmoothingFrames != 10 {
		t.Errorf("unset field lost its default: %d", ec.SmoothingFrames)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad threshold", "engine:\n  distance_threshold: 0\n"},
		{"soft min below absolute", "engine:\n  min_blinks_per_minute: 3\n"},
		{"short eye", "engine:\n  left_eye: [1, 2, 3]\n"},
		{"unknown mode", "perception:\n  mode: camera\n"},
		{"file mode without file", "perception:\n  mode: file\n"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n  broker: \"\"\n"},
		{"bad codec", "perception:\n  codec: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "c.yaml", tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Load(writeFile(t, "c.yaml", "engine:\n  distance_threshold: -1\n")); !errors.Is(err, engine.ErrInvalidConfig) {
		t.Errorf("engine error not wrapped: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"POSTURE_HTTP_ADDR":          ":7000",
		"POSTURE_DISTANCE_THRESHOLD": "0.3",
		"POSTURE_MQTT_ENABLED":       "true",
		"POSTURE_PERCEPTION_ARGS":    "detect.py --camera 0",
		"POSTURE_WORKER_INTERVAL":    "5ms",
		"POSTURE_LOG_LEVEL":          "DEBUG",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := ApplyEnv(&cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Server.Addr != ":7000" || cfg.Engine.DistanceThreshold != 0.3 || !cfg.MQTT.Enabled {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Perception.Args) != 3 || cfg.Perception.Args[2] != "0" {
		t.Errorf("args: %q", cfg.Perception.Args)
	}
	if cfg.Worker.Interval != 5*time.Millisecond || cfg.Log.Level != "debug" {
		t.Errorf("worker %v log %q", cfg.Worker.Interval, cfg.Log.Level)
	}

	env["POSTURE_SMOOTHING_FRAMES"] = "ten"
	if err := ApplyEnv(&cfg, lookup); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "POSTURE_TEST_DOTENV_KEY=from-file\n")
	t.Setenv("POSTURE_TEST_DOTENV_KEY", "")
	os.Unsetenv("POSTURE_TEST_DOTENV_KEY")

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("POSTURE_TEST_DOTENV_KEY"); got != "from-file" {
		t.Errorf("got %q", got)
	}
}
