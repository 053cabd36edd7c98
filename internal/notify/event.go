// Package notify turns engine snapshots into discrete alert events and
// delivers them to sinks (log, MQTT).
package notify

import (
	"encoding/json"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
)

// Kind identifies an alert type.
type Kind string

const (
	KindBadPosture       Kind = "bad_posture"
	KindWarningPosture   Kind = "warning_posture"
	KindNoFace           Kind = "no_face"
	KindLowBlinkRate     Kind = "low_blink_rate"
	KindSeriousEyeStrain Kind = "serious_eye_strain"
)

var messages = map[Kind]string{
	KindBadPosture:       "BAD POSTURE DETECTED - Move back from screen!",
	KindWarningPosture:   "WARNING - Adjust your posture!",
	KindNoFace:           "NO FACE DETECTED - Face not in frame!",
	KindLowBlinkRate:     "LOW BLINK RATE - Remember to blink!",
	KindSeriousEyeStrain: "SERIOUS EYE STRAIN - Take a break from the screen!",
}

// Message returns the human readable alert text.
func (k Kind) Message() string {
	if m, ok := messages[k]; ok {
		return m
	}
	return string(k)
}

// Event is a single alert that became active.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Message    string    `json:"message"`
	InstanceID string    `json:"instance_id,omitempty"`
	Time       time.Time `json:"time"`

	PostureStatus    engine.PostureLabel `json:"posture_status"`
	SmoothedFaceSize *float64            `json:"smoothed_face_size"`
	NoFaceDuration   float64             `json:"no_face_duration"`
	BlinkRate        int                 `json:"blink_rate"`
	FrameCount       uint64              `json:"frame_count"`
}

// JSON encodes the event payload.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
