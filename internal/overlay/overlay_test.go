package overlay

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
)

func size(v float64) *float64 { return &v }

func TestRender_Zones(t *testing.T) {
	snap := engine.Snapshot{
		PostureStatus:    engine.PostureBad,
		IsFaceDetected:   true,
		FaceSize:         size(0.8),
		SmoothedFaceSize: size(0.8),
		Alerts:           engine.Alerts{BadAlert: true},
	}
	img := Render(snap, 0.5, Options{})
	b := img.Bounds()
	if b.Dx() != 640 || b.Dy() != 120 {
		t.Fatalf("bounds: %v", b)
	}

	y := b.Dy() - 1
	tests := []struct {
		x    int
		want color.RGBA
	}{
		{5, Green},    // below 0.75T = 240
		{280, Orange}, // between 240 and 320
		{400, Red},    // above T
		{512, White},  // marker at 0.8
		{639, Red},
	}
	for _, tt := range tests {
		if got := img.RGBAAt(tt.x, y); got != tt.want {
			t.Errorf("pixel x=%d: got %v, want %v", tt.x, got, tt.want)
		}
	}
}

func TestRender_NoMarkerWithoutFace(t *testing.T) {
	img := Render(engine.Snapshot{}, 0.5, Options{Width: 200, Height: 100})
	for x := 0; x < 200; x++ {
		if img.RGBAAt(x, 99) == White {
			t.Fatalf("unexpected marker at x=%d", x)
		}
	}
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		name string
		snap engine.Snapshot
		want string
	}{
		{"no face", engine.Snapshot{}, "not detected"},
		{"good", engine.Snapshot{IsFaceDetected: true, FaceSize: size(0.2)}, "GOOD POSTURE"},
		{"warning", engine.Snapshot{IsFaceDetected: true, FaceSize: size(0.4), PostureStatus: engine.PostureWarning}, "WARNING: Move back"},
		{"bad", engine.Snapshot{IsFaceDetected: true, FaceSize: size(0.6), PostureStatus: engine.PostureBad}, "BAD POSTURE: Too close!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := StatusText(tt.snap); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWritePNG(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePNG(&buf, engine.Snapshot{}, 0.5, Options{Width: 320, Height: 80}); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 80 {
		t.Errorf("bounds: %v", b)
	}
}
