package engine

import (
	"math"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/pkg/types"
)

// BlinkDetector turns per-frame eye aspect ratios into discrete blinks.
// A blink is a run of at least minFrames closed frames followed by an open one.
type BlinkDetector struct {
	threshold float64
	minFrames int
	left      EyeIndices
	right     EyeIndices

	closed int
	ear    float64
	hasEAR bool
}

// NewBlinkDetector creates a detector from the blink section of cfg.
func NewBlinkDetector(cfg Config) *BlinkDetector {
	return &BlinkDetector{
		threshold: cfg.EARThreshold,
		minFrames: cfg.ConsecFramesThreshold,
		left:      cfg.LeftEye,
		right:     cfg.RightEye,
	}
}

// Update feeds one frame of landmarks. ok is false when the landmarks
// cannot produce an EAR; the detector state is then left untouched.
func (d *BlinkDetector) Update(landmarks []types.Point) (blink bool, ear float64, ok bool) {
	ear, ok = d.EAR(landmarks)
	if !ok {
		return false, 0, false
	}
	d.ear, d.hasEAR = ear, true
	return d.Step(ear), ear, true
}

// Step advances the closed-run state machine with an already computed EAR.
func (d *BlinkDetector) Step(ear float64) bool {
	if ear < d.threshold {
		d.closed++
		return false
	}
	blink := d.closed >= d.minFrames
	d.closed = 0
	return blink
}

// EAR averages the eye aspect ratio of both eyes.
func (d *BlinkDetector) EAR(landmarks []types.Point) (float64, bool) {
	l, ok := eyeAspectRatio(landmarks, d.left)
	if !ok {
		return 0, false
	}
	r, ok := eyeAspectRatio(landmarks, d.right)
	if !ok {
		return 0, false
	}
	return (l + r) / 2, true
}

// LastEAR returns the most recent EAR, if any frame produced one.
func (d *BlinkDetector) LastEAR() (float64, bool) {
	return d.ear, d.hasEAR
}

// ClosedFrames returns the length of the current closed run.
func (d *BlinkDetector) ClosedFrames() int {
	return d.closed
}

// Reset clears the closed run and the last EAR.
func (d *BlinkDetector) Reset() {
	d.closed = 0
	d.ear = 0
	d.hasEAR = false
}

func eyeAspectRatio(pts []types.Point, idx EyeIndices) (float64, bool) {
	for _, i := range idx {
		if i < 0 || i >= len(pts) {
			return 0, false
		}
	}
	p1, p2, p3, p4, p5, p6 := pts[idx[0]], pts[idx[1]], pts[idx[2]], pts[idx[3]], pts[idx[4]], pts[idx[5]]

	horizontal := dist(p1, p4)
	if horizontal == 0 || math.IsNaN(horizontal) {
		return 0, false
	}
	ear := (dist(p2, p6) + dist(p3, p5)) / (2 * horizontal)
	if math.IsNaN(ear) || math.IsInf(ear, 0) {
		return 0, false
	}
	return ear, true
}

func dist(a, b types.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
