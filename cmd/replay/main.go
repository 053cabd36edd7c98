// Command replay runs a recorded measurement file through a fresh engine and
// prints every alert transition followed by a session summary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/config"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/notify"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/overlay"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/perception"
)

type summary struct {
	Frames      uint64              `json:"frames"`
	FaceFrames  uint64              `json:"face_frames"`
	Malformed   uint64              `json:"malformed"`
	Duration    float64             `json:"duration_seconds"`
	Blinks      int                 `json:"blinks"`
	BlinkRate   int                 `json:"final_blink_rate"`
	Postures    map[string]uint64   `json:"posture_frames"`
	AlertCounts map[notify.Kind]int `json:"alerts"`
}

func main() {
	var (
		configPath  string
		file        string
		codecName   string
		jsonOut     bool
		overlayPath string
		logLevel    string
		logColor    bool
	)

	flag.StringVar(&configPath, "config", "", "YAML config file (engine section is used)")
	flag.StringVar(&file, "file", "", "Recorded measurement file")
	flag.StringVar(&codecName, "codec", "", "Record codec (jsonl, msgpack); defaults to the config codec")
	flag.BoolVar(&jsonOut, "json", false, "Print events and the summary as JSON lines")
	flag.StringVar(&overlayPath, "overlay", "", "Write the final posture overlay PNG to this path")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	if file == "" && flag.NArg() > 0 {
		file = flag.Arg(0)
	}
	if file == "" {
		log.Fatalf("no input file (use -file)")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	engineCfg, err := cfg.Engine.EngineConfig()
	if err != nil {
		log.Fatalf("Invalid engine config: %v", err)
	}
	if codecName == "" {
		codecName = cfg.Perception.Codec
	}
	codec, err := perception.ParseCodec(codecName)
	if err != nil {
		log.Fatalf("Invalid codec: %v", err)
	}

	src, err := perception.OpenFile(file, codec)
	if err != nil {
		log.Fatalf("Failed to open recording: %v", err)
	}
	defer src.Close()

	logger.Info("Replay", "Replaying %s (codec=%s, threshold=%.3f)", file, codec, engineCfg.DistanceThreshold)

	eng, err := engine.New(engineCfg)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	final, sum, err := replay(context.Background(), eng, src, os.Stdout, jsonOut)
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	if err := printSummary(os.Stdout, sum, jsonOut); err != nil {
		log.Fatalf("Failed to write summary: %v", err)
	}

	if overlayPath != "" {
		if err := writeOverlay(overlayPath, final, engineCfg.DistanceThreshold); err != nil {
			log.Fatalf("Failed to write overlay: %v", err)
		}
		logger.Info("Replay", "Overlay written to %s", overlayPath)
	}
}

// replay feeds every record to eng and writes alert transitions to w.
func replay(ctx context.Context, eng *engine.Engine, src perception.Source, w io.Writer, jsonOut bool) (engine.Snapshot, summary, error) {
	detector := notify.NewDispatcher(notify.Options{InstanceID: "replay"})
	sum := summary{
		Postures:    make(map[string]uint64),
		AlertCounts: make(map[notify.Kind]int),
	}

	var (
		snap  engine.Snapshot
		first time.Time
		last  time.Time
	)
	for {
		m, err := src.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, perception.ErrMalformed):
				sum.Malformed++
				logger.Warn("Replay", "Skipping measurement: %v", err)
				continue
			case errors.Is(err, io.EOF), errors.Is(err, perception.ErrClosed):
				sum.Blinks = snap.BlinkCount
				sum.BlinkRate = snap.BlinkRate
				if !first.IsZero() {
					sum.Duration = last.Sub(first).Seconds()
				}
				return snap, sum, nil
			default:
				return snap, sum, err
			}
		}

		if first.IsZero() {
			first = m.Timestamp
		}
		last = m.Timestamp

		snap = eng.ProcessFrame(m)
		sum.Frames++
		if snap.IsFaceDetected {
			sum.FaceFrames++
		}
		sum.Postures[snap.PostureStatus.String()]++

		for _, ev := range detector.Detect(snap) {
			sum.AlertCounts[ev.Kind]++
			if err := printEvent(w, ev, m.Timestamp.Sub(first), jsonOut); err != nil {
				return snap, sum, err
			}
		}
	}
}

func printEvent(w io.Writer, ev notify.Event, offset time.Duration, jsonOut bool) error {
	if jsonOut {
		data, err := ev.JSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	_, err := fmt.Fprintf(w, "[%8.2fs] frame %-6d %s\n", offset.Seconds(), ev.FrameCount, ev.Message)
	return err
}

func printSummary(w io.Writer, sum summary, jsonOut bool) error {
	if jsonOut {
		data, err := json.Marshal(sum)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	fmt.Fprintf(w, "\nFrames: %d (face in %d, malformed %d) over %.1fs\n",
		sum.Frames, sum.FaceFrames, sum.Malformed, sum.Duration)
	fmt.Fprintf(w, "Blinks: %d (final rate %d/min)\n", sum.Blinks, sum.BlinkRate)
	for _, label := range []engine.PostureLabel{engine.PostureGood, engine.PostureWarning, engine.PostureBad} {
		fmt.Fprintf(w, "  %-8s %d frames\n", label, sum.Postures[label.String()])
	}

	kinds := make([]string, 0, len(sum.AlertCounts))
	for k := range sum.AlertCounts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	_, err := fmt.Fprintf(w, "Alerts: %d kinds\n", len(kinds))
	for _, k := range kinds {
		if _, err := fmt.Fprintf(w, "  %-20s %d\n", k, sum.AlertCounts[notify.Kind(k)]); err != nil {
			return err
		}
	}
	return err
}

func writeOverlay(path string, snap engine.Snapshot, threshold float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := overlay.WritePNG(f, snap, threshold, overlay.Options{}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
