package engine

import (
	"encoding/json"
	"fmt"
)

// PostureLabel is the per-frame posture classification.
type PostureLabel int

const (
	PostureGood PostureLabel = iota
	PostureWarning
	PostureBad
)

var postureNames = [...]string{
	PostureGood:    "good",
	PostureWarning: "warning",
	PostureBad:     "bad",
}

func (l PostureLabel) String() string {
	if l < 0 || int(l) >= len(postureNames) {
		return "unknown"
	}
	return postureNames[l]
}

// MarshalJSON encodes the label as its lowercase name.
func (l PostureLabel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a lowercase label name.
func (l *PostureLabel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range postureNames {
		if name == s {
			*l = PostureLabel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown posture label %q", s)
}

// PostureClassifier maps a smoothed face size to a posture label using two
// bands: [T, ∞) is bad and (0.75T, T) is warning, where T is the distance
// threshold. A face closer to the camera looks bigger.
type PostureClassifier struct {
	threshold float64
	warning   float64
}

// NewPostureClassifier creates a classifier for the distance threshold of cfg.
func NewPostureClassifier(cfg Config) PostureClassifier {
	return PostureClassifier{
		threshold: cfg.DistanceThreshold,
		warning:   cfg.WarningThreshold(),
	}
}

// Classify labels a smoothed face size. An absent size is good.
func (c PostureClassifier) Classify(size float64, ok bool) PostureLabel {
	switch {
	case !ok:
		return PostureGood
	case size >= c.threshold:
		return PostureBad
	case size > c.warning:
		return PostureWarning
	default:
		return PostureGood
	}
}

// Thresholds returns the bad and warning band edges.
func (c PostureClassifier) Thresholds() (bad, warning float64) {
	return c.threshold, c.warning
}
