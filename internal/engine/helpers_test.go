package engine

import (
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/pkg/types"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// testConfig uses a compact 12-point landmark layout: left eye 0-5, right eye 6-11.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LeftEye = EyeIndices{0, 1, 2, 3, 4, 5}
	cfg.RightEye = EyeIndices{6, 7, 8, 9, 10, 11}
	return cfg
}

// eyeWithEAR returns six points (p1..p6) whose aspect ratio is exactly ear.
func eyeWithEAR(ear float64) []types.Point {
	h := ear / 2
	return []types.Point{
		{X: 0, Y: 0},
		{X: 0.25, Y: h},
		{X: 0.75, Y: h},
		{X: 1, Y: 0},
		{X: 0.75, Y: -h},
		{X: 0.25, Y: -h},
	}
}

func landmarksWithEAR(ear float64) []types.Point {
	return append(eyeWithEAR(ear), eyeWithEAR(ear)...)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func faceFrame(size float64, at time.Time) types.Measurement {
	return types.Measurement{
		FaceDetected:  true,
		FaceSizeRatio: types.Float64(size),
		Timestamp:     at,
	}
}

func noFaceFrame(at time.Time) types.Measurement {
	return types.Measurement{Timestamp: at}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
