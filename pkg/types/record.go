package types

import (
	"math"
	"time"
)

// MeasurementRecord is the wire shape of a Measurement. The perception provider
// emits it (JSON lines or MessagePack) and the recorder writes it back out.
//
//	{"face_detected":true,"face_size":0.21,"bbox":{"x":0.3,"y":0.2,"w":0.4,"h":0.5},
//	 "landmarks":[[0.41,0.37],...],"timestamp":1718000000.125}
type MeasurementRecord struct {
	FaceDetected bool         `json:"face_detected" msgpack:"face_detected"`
	FaceSize     *float64     `json:"face_size,omitempty" msgpack:"face_size,omitempty"`
	BBox         *BoundingBox `json:"bbox,omitempty" msgpack:"bbox,omitempty"`
	Landmarks    [][2]float64 `json:"landmarks,omitempty" msgpack:"landmarks,omitempty"`
	Timestamp    float64      `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"` // Unix seconds
}

// Measurement converts the record. A zero timestamp is replaced by receivedAt.
func (r MeasurementRecord) Measurement(receivedAt time.Time) Measurement {
	m := Measurement{
		FaceDetected:  r.FaceDetected,
		FaceSizeRatio: r.FaceSize,
		BBox:          r.BBox,
		Timestamp:     receivedAt,
	}
	if r.Timestamp > 0 {
		sec, frac := math.Modf(r.Timestamp)
		m.Timestamp = time.Unix(int64(sec), int64(frac*1e9))
	}
	if len(r.Landmarks) > 0 {
		m.Landmarks = make([]Point, len(r.Landmarks))
		for i, p := range r.Landmarks {
			m.Landmarks[i] = Point{X: p[0], Y: p[1]}
		}
	}
	return m
}

// Record converts a Measurement to its wire shape.
func (m Measurement) Record() MeasurementRecord {
	r := MeasurementRecord{
		FaceDetected: m.FaceDetected,
		FaceSize:     m.FaceSizeRatio,
		BBox:         m.BBox,
	}
	if !m.Timestamp.IsZero() {
		r.Timestamp = float64(m.Timestamp.UnixNano()) / 1e9
	}
	if len(m.Landmarks) > 0 {
		r.Landmarks = make([][2]float64, len(m.Landmarks))
		for i, p := range m.Landmarks {
			r.Landmarks[i] = [2]float64{p.X, p.Y}
		}
	}
	return r
}
