// Package overlay renders the posture status bar shown on the monitor page:
// the good/warning/bad zones, a marker at the smoothed face size and the
// current status text.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
)

const barHeight = 30

var (
	Background = color.RGBA{R: 50, G: 50, B: 50, A: 255}
	Green      = color.RGBA{G: 255, A: 255}
	Orange     = color.RGBA{R: 255, G: 165, A: 255}
	Red        = color.RGBA{R: 255, A: 255}
	White      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Black      = color.RGBA{A: 255}
)

// Options sets the image size.
type Options struct {
	Width  int
	Height int
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = 640
	}
	if o.Height < barHeight+40 {
		o.Height = 120
	}
	return o
}

// StatusText returns the headline and its color for a snapshot.
func StatusText(s engine.Snapshot) (string, color.RGBA) {
	if !s.IsFaceDetected || s.FaceSize == nil {
		return "not detected", Red
	}
	switch s.PostureStatus {
	case engine.PostureWarning:
		return "WARNING: Move back", Orange
	case engine.PostureBad:
		return "BAD POSTURE: Too close!", Red
	default:
		return "GOOD POSTURE", Green
	}
}

// Render draws the status bar for snap with the given distance threshold.
func Render(snap engine.Snapshot, distanceThreshold float64, opts Options) *image.RGBA {
	opts = opts.withDefaults()
	w, h := opts.Width, opts.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill(img, img.Bounds(), Background)

	text, col := StatusText(snap)
	drawText(img, 10, 18, text, col)

	if snap.SmoothedFaceSize != nil {
		drawText(img, 10, 36, fmt.Sprintf("Face size: %.2f%%", *snap.SmoothedFaceSize*100), White)
	}
	if active := activeAlerts(snap.Alerts); active != "" {
		drawText(img, 10, 54, "Alerts: "+active, Red)
	}

	barY := h - barHeight
	thresholdX := xFor(distanceThreshold, w)
	warningX := xFor(distanceThreshold*engine.WarningFraction, w)

	fill(img, image.Rect(0, barY, warningX, h), Green)
	fill(img, image.Rect(warningX, barY, thresholdX, h), Orange)
	fill(img, image.Rect(thresholdX, barY, w, h), Red)

	drawText(img, 10, h-9, "Good", Black)
	drawText(img, warningX+10, h-9, "Warning", Black)
	drawText(img, thresholdX+10, h-9, "Bad", Black)

	if snap.SmoothedFaceSize != nil {
		x := xFor(*snap.SmoothedFaceSize, w)
		if x >= w {
			x = w - 2
		}
		fill(img, image.Rect(x, barY-6, x+2, h), White)
	}
	return img
}

// WritePNG renders and encodes the status bar.
func WritePNG(out io.Writer, snap engine.Snapshot, distanceThreshold float64, opts Options) error {
	if err := png.Encode(out, Render(snap, distanceThreshold, opts)); err != nil {
		return fmt.Errorf("failed to encode overlay: %w", err)
	}
	return nil
}

func xFor(ratio float64, width int) int {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return int(ratio * float64(width))
}

func fill(img *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

func drawText(img *image.RGBA, x, y int, text string, c color.Color) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func activeAlerts(a engine.Alerts) string {
	var names []string
	if a.BadAlert {
		names = append(names, "bad posture")
	}
	if a.WarningAlert {
		names = append(names, "warning")
	}
	if a.NoFaceAlert {
		names = append(names, "no face")
	}
	if a.LowBlinkRateAlert {
		names = append(names, "low blink rate")
	}
	if a.SeriousEyeStrain {
		names = append(names, "eye strain")
	}
	return strings.Join(names, ", ")
}
