package engine

import (
	"encoding/json"
	"testing"
)

func TestPostureClassifier_Bands(t *testing.T) {
	c := NewPostureClassifier(Config{DistanceThreshold: 0.5})

	tests := []struct {
		name string
		size float64
		ok   bool
		want PostureLabel
	}{
		{"absent", 0, false, PostureGood},
		{"far", 0.1, true, PostureGood},
		{"at warning edge", 0.375, true, PostureGood},
		{"warning", 0.4, true, PostureWarning},
		{"just below threshold", 0.4999, true, PostureWarning},
		{"at threshold", 0.5, true, PostureBad},
		{"close", 0.8, true, PostureBad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.size, tt.ok); got != tt.want {
				t.Errorf("Classify(%v): got %s, want %s", tt.size, got, tt.want)
			}
		})
	}
}

// Constant input through the smoothing buffer must hit the same ties as the raw table.
func TestPostureClassifier_SmoothedTies(t *testing.T) {
	for _, threshold := range []float64{0.18, 0.3, 0.5, 0.6} {
		c := NewPostureClassifier(Config{DistanceThreshold: threshold})
		bad, warning := c.Thresholds()

		for _, tc := range []struct {
			v    float64
			want PostureLabel
		}{
			{bad, PostureBad},
			{warning, PostureGood},
		} {
			b := NewSmoothingBuffer(10)
			for i := 0; i < 10; i++ {
				b.Push(tc.v)
			}
			mean, ok := b.Mean()
			if got := c.Classify(mean, ok); got != tc.want {
				t.Errorf("T=%v v=%v: got %s, want %s", threshold, tc.v, got, tc.want)
			}
		}
	}
}

func TestPostureClassifier_UsesConfigWarningEdge(t *testing.T) {
	cfg := Config{DistanceThreshold: 0.4}
	bad, warning := NewPostureClassifier(cfg).Thresholds()
	if bad != 0.4 || warning != cfg.WarningThreshold() {
		t.Errorf("thresholds = %v/%v, want 0.4/%v", bad, warning, cfg.WarningThreshold())
	}
}

func TestPostureLabel_JSON(t *testing.T) {
	data, err := json.Marshal(PostureWarning)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"warning"` {
		t.Errorf("got %s", data)
	}

	var l PostureLabel
	if err := json.Unmarshal([]byte(`"bad"`), &l); err != nil || l != PostureBad {
		t.Errorf("Unmarshal: got %v, %v", l, err)
	}
	if err := json.Unmarshal([]byte(`"slouching"`), &l); err == nil {
		t.Error("expected error for unknown label")
	}
}
