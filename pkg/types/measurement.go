package types

import (
	"math"
	"time"
)

// BoundingBox is a normalized (0-1) face rectangle reported by the perception provider.
type BoundingBox struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	W float64 `json:"w" msgpack:"w"`
	H float64 `json:"h" msgpack:"h"`
}

// Area returns the normalized area of the box, i.e. the face/frame area ratio.
func (b BoundingBox) Area() float64 {
	return b.W * b.H
}

// Point is a normalized landmark coordinate.
type Point struct {
	X float64
	Y float64
}

// Measurement is one frame's worth of perception output.
// Only the primary (first) detection is carried.
type Measurement struct {
	FaceDetected  bool         // Provider reported a face
	FaceSizeRatio *float64     // Relative face size (0,1], nil when absent
	BBox          *BoundingBox // Normalized face box, nil when absent
	Landmarks     []Point      // Ordered landmark points, nil when absent
	Timestamp     time.Time    // Capture instant
}

// FaceSize resolves the face size ratio for the frame.
// An explicit ratio wins over the bounding box area. Ratios above 1 clamp to 1;
// non-finite or non-positive ratios are reported as absent.
func (m Measurement) FaceSize() (float64, bool) {
	var ratio float64
	switch {
	case m.FaceSizeRatio != nil:
		ratio = *m.FaceSizeRatio
	case m.BBox != nil:
		ratio = m.BBox.Area()
	default:
		return 0, false
	}

	if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio <= 0 {
		return 0, false
	}
	if ratio > 1 {
		ratio = 1
	}
	return ratio, true
}

// HasLandmarks reports whether the frame carries any landmark points.
func (m Measurement) HasLandmarks() bool {
	return len(m.Landmarks) > 0
}

// Float64 returns a pointer to v. Handy for building measurements.
func Float64(v float64) *float64 {
	return &v
}
