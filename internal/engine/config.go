package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is returned by New when the configuration is rejected.
var ErrInvalidConfig = errors.New("invalid engine config")

// EyeIndices lists the six landmark indices of one eye in EAR order:
// outer corner, two upper lid points, inner corner, two lower lid points
// (p1, p2, p3, p4, p5, p6).
type EyeIndices [6]int

// Landmark indices of the MediaPipe FaceMesh topology.
var (
	FaceMeshRightEye = EyeIndices{33, 160, 158, 133, 153, 144}
	FaceMeshLeftEye  = EyeIndices{362, 385, 387, 263, 373, 380}
)

// Config holds the classifier thresholds. It is fixed for the engine's lifetime.
type Config struct {
	// Posture
	DistanceThreshold   float64       `validate:"gt=0,lte=1"`
	SmoothingFrames     int           `validate:"gt=0"`
	BehaviorWindow      time.Duration `validate:"gt=0"`
	BehaviorWindowCap   int           `validate:"gt=0"`
	WarningAvgThreshold float64       `validate:"gt=0,lte=1"`
	BadAvgThreshold     float64       `validate:"gt=0,lte=1"`

	// Presence
	NoFaceThreshold time.Duration `validate:"gt=0"`

	// Blinks
	EARThreshold               float64       `validate:"gt=0"`
	ConsecFramesThreshold      int           `validate:"gt=0"`
	BlinkRateInterval          time.Duration `validate:"gt=0"`
	AbsoluteMinBlinksPerMinute int           `validate:"gt=0"`
	MinBlinksPerMinute         int           `validate:"gtefield=AbsoluteMinBlinksPerMinute"`
	LeftEye                    EyeIndices    `validate:"dive,gte=0"`
	RightEye                   EyeIndices    `validate:"dive,gte=0"`
}

// DefaultConfig returns the thresholds the desktop app ships with.
func DefaultConfig() Config {
	return Config{
		DistanceThreshold:          0.5,
		SmoothingFrames:            10,
		BehaviorWindow:             10 * time.Second,
		BehaviorWindowCap:          300, // ~10 s at 30 fps
		WarningAvgThreshold:        0.6,
		BadAvgThreshold:            0.5,
		NoFaceThreshold:            30 * time.Second,
		EARThreshold:               0.3,
		ConsecFramesThreshold:      4,
		BlinkRateInterval:          60 * time.Second,
		AbsoluteMinBlinksPerMinute: 7,
		MinBlinksPerMinute:         11,
		LeftEye:                    FaceMeshLeftEye,
		RightEye:                   FaceMeshRightEye,
	}
}

// WarningFraction places the lower edge of the warning band relative to the
// distance threshold.
const WarningFraction = 0.75

// WarningThreshold is the lower edge of the warning band.
func (c Config) WarningThreshold() float64 {
	return c.DistanceThreshold * WarningFraction
}

var validate = validator.New()

// Validate reports every rejected field in one error wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}
