// Package engine classifies per-frame face measurements into debounced
// posture, presence and eye-strain alerts.
//
// One writer feeds frames through ProcessFrame; any number of readers may
// call Status concurrently and always observe a complete snapshot.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/pkg/types"
)

// Engine ties the smoothing, posture, presence and blink stages together.
type Engine struct {
	cfg Config

	mu         sync.Mutex // serializes ProcessFrame and Reset
	smoothing  *SmoothingBuffer
	classifier PostureClassifier
	window     *BehaviorWindow
	presence   PresenceTimer
	blinks     *BlinkDetector
	rate       *BlinkRateMonitor
	blinkCount int
	frames     uint64

	current atomic.Pointer[Snapshot]
}

// New validates cfg and returns an engine in its initial state.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		smoothing:  NewSmoothingBuffer(cfg.SmoothingFrames),
		classifier: NewPostureClassifier(cfg),
		window:     NewBehaviorWindow(cfg.BehaviorWindow, cfg.BehaviorWindowCap, cfg.WarningAvgThreshold, cfg.BadAvgThreshold),
		blinks:     NewBlinkDetector(cfg),
		rate:       NewBlinkRateMonitor(cfg),
	}
	e.publish(initialSnapshot())
	return e, nil
}

func initialSnapshot() Snapshot {
	return Snapshot{PostureStatus: PostureGood}
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// ProcessFrame runs one measurement through every stage and publishes the
// resulting snapshot. A zero timestamp is replaced by the wall clock.
func (e *Engine) ProcessFrame(m types.Measurement) Snapshot {
	now := m.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.frames++
	snap := Snapshot{
		IsFaceDetected: m.FaceDetected,
		FrameCount:     e.frames,
	}

	// Posture and presence. A frame without a face is recorded as good.
	label := PostureGood
	if m.FaceDetected {
		e.presence.FaceSeen(now)
		if size, ok := m.FaceSize(); ok {
			e.smoothing.Push(size)
			snap.FaceSize = types.Float64(size)
		}
		if mean, ok := e.smoothing.Mean(); ok {
			snap.SmoothedFaceSize = types.Float64(mean)
			label = e.classifier.Classify(mean, true)
		}
	} else {
		e.presence.FaceMissing(now)
	}
	e.window.Record(label, now)
	snap.PostureStatus = label

	// Blinks.
	if m.HasLandmarks() {
		if blink, ear, ok := e.blinks.Update(m.Landmarks); ok {
			snap.EAR = types.Float64(ear)
			if blink {
				e.blinkCount++
				e.rate.RecordBlink(now)
			}
		}
	}
	strain := e.rate.Check(now)

	noFace := e.presence.Alerting(e.cfg.NoFaceThreshold)
	posture := e.window.Evaluate()

	snap.NoFaceDuration = e.presence.Missing().Seconds()
	snap.BlinkCount = e.blinkCount
	snap.BlinkRate = strain.Rate
	snap.PostureSeverity = posture
	snap.EyeStrainSeverity = strain.Severity
	snap.EyeStrainEscalated = strain.Escalated
	snap.Alerts = newAlerts(posture, strain.Severity, noFace)

	e.publish(snap)
	return snap
}

// Status returns the last published snapshot. It never waits on ProcessFrame.
func (e *Engine) Status() Snapshot {
	return *e.current.Load()
}

// Reset returns every window, timer and counter to its initial state.
// The configuration is kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.smoothing.Reset()
	e.window.Reset()
	e.presence.Reset()
	e.blinks.Reset()
	e.rate.Reset()
	e.blinkCount = 0
	e.frames = 0
	e.publish(initialSnapshot())
}

func (e *Engine) publish(s Snapshot) {
	e.current.Store(&s)
}
