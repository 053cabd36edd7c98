package perception

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/pkg/types"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func sampleRecords() []types.MeasurementRecord {
	return []types.MeasurementRecord{
		{FaceDetected: true, FaceSize: types.Float64(0.25), Timestamp: 1717243200.0},
		{FaceDetected: false, Timestamp: 1717243200.1},
		{
			FaceDetected: true,
			BBox:         &types.BoundingBox{X: 0.2, Y: 0.1, W: 0.5, H: 0.6},
			Landmarks:    [][2]float64{{0.1, 0.2}, {0.3, 0.4}},
			Timestamp:    1717243200.2,
		},
	}
}

func encodeAll(t *testing.T, codec Codec, recs []types.MeasurementRecord) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc, err := NewEncoder(codec, &buf)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	return &buf
}

func drain(t *testing.T, src Source) ([]types.Measurement, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []types.Measurement
	malformed := 0
	for {
		m, err := src.Next(ctx)
		switch {
		case err == nil:
			out = append(out, m)
		case errors.Is(err, ErrMalformed):
			malformed++
		case errors.Is(err, io.EOF):
			return out, malformed
		default:
			t.Fatalf("Next: %v", err)
		}
	}
}

func TestStreamSource_Codecs(t *testing.T) {
	for _, codec := range []Codec{CodecJSONL, CodecMsgpack} {
		t.Run(string(codec), func(t *testing.T) {
			src, err := NewStreamSource(encodeAll(t, codec, sampleRecords()), codec, StreamOptions{})
			if err != nil {
				t.Fatalf("NewStreamSource: %v", err)
			}
			defer src.Close()

			got, _ := drain(t, src)
			if len(got) != 3 {
				t.Fatalf("got %d measurements, want 3", len(got))
			}
			if size, ok := got[0].FaceSize(); !ok || size != 0.25 {
				t.Errorf("first size: %v %v", size, ok)
			}
			if got[1].FaceDetected {
				t.Error("second frame should have no face")
			}
			if size, _ := got[2].FaceSize(); size != 0.3 {
				t.Errorf("bbox size: %v", size)
			}
			if len(got[2].Landmarks) != 2 || got[2].Landmarks[1] != (types.Point{X: 0.3, Y: 0.4}) {
				t.Errorf("landmarks: %v", got[2].Landmarks)
			}
			if d := got[1].Timestamp.Sub(got[0].Timestamp); d < 99*time.Millisecond || d > 101*time.Millisecond {
				t.Errorf("timestamp delta: %v", d)
			}
			if src.Stats().Read != 3 {
				t.Errorf("stats: %+v", src.Stats())
			}
		})
	}
}

func TestStreamSource_MalformedLineIsSkipped(t *testing.T) {
	input := `{"face_detected":true,"face_size":0.2}
not json

{"face_detected":false}
`
	src, err := NewStreamSource(strings.NewReader(input), CodecJSONL, StreamOptions{Now: func() time.Time { return t0 }})
	if err != nil {
		t.Fatalf("NewStreamSource: %v", err)
	}
	got, malformed := drain(t, src)
	if len(got) != 2 || malformed != 1 {
		t.Fatalf("got %d measurements and %d malformed", len(got), malformed)
	}
	if !got[0].Timestamp.Equal(t0) {
		t.Errorf("missing timestamp not stamped: %v", got[0].Timestamp)
	}
}

func TestStreamSource_LatestOnlyDropsStale(t *testing.T) {
	var recs []types.MeasurementRecord
	for i := 0; i < 50; i++ {
		recs = append(recs, types.MeasurementRecord{FaceDetected: true, FaceSize: types.Float64(float64(i+1) / 100)})
	}
	src, err := NewStreamSource(encodeAll(t, CodecJSONL, recs), CodecJSONL, StreamOptions{LatestOnly: true})
	if err != nil {
		t.Fatalf("NewStreamSource: %v", err)
	}
	<-src.Finished()

	got, _ := drain(t, src)
	if len(got) != 1 {
		t.Fatalf("got %d measurements, want only the newest", len(got))
	}
	if size, _ := got[0].FaceSize(); size != 0.5 {
		t.Errorf("kept %v, want the last record", size)
	}
	if s := src.Stats(); s.Read != 50 || s.Dropped != 49 {
		t.Errorf("stats: %+v", s)
	}
}

func TestStreamSource_ContextAndClose(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	src, err := NewStreamSource(pr, CodecJSONL, StreamOptions{Closer: pr})
	if err != nil {
		t.Fatalf("NewStreamSource: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline", err)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("after close: %v", err)
	}
}

type fakeSource struct {
	ms []types.Measurement
}

func (f *fakeSource) Next(ctx context.Context) (types.Measurement, error) {
	if len(f.ms) == 0 {
		return types.Measurement{}, io.EOF
	}
	m := f.ms[0]
	f.ms = f.ms[1:]
	return m, nil
}

func (f *fakeSource) Close() error { return nil }

func TestPacedSource(t *testing.T) {
	inner := &fakeSource{ms: []types.Measurement{
		{Timestamp: t0},
		{Timestamp: t0.Add(100 * time.Millisecond)},
		{Timestamp: t0.Add(250 * time.Millisecond)},
	}}

	clock := t0.Add(time.Hour)
	var waits []time.Duration
	p := Paced(inner)
	p.now = func() time.Time { return clock }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		clock = clock.Add(d)
		return nil
	}

	for i := 0; i < 3; i++ {
		if _, err := p.Next(context.Background()); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if len(waits) != 2 || waits[0] != 100*time.Millisecond || waits[1] != 150*time.Millisecond {
		t.Errorf("waits: %v", waits)
	}
	if _, err := p.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("end: %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, encodeAll(t, CodecJSONL, sampleRecords()).Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	src, err := OpenFile(path, CodecJSONL)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()
	if got, _ := drain(t, src); len(got) != 3 {
		t.Errorf("got %d measurements", len(got))
	}

	if _, err := OpenFile(filepath.Join(t.TempDir(), "nope.jsonl"), CodecJSONL); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseCodec(t *testing.T) {
	if c, err := ParseCodec("msgpack"); err != nil || c != CodecMsgpack {
		t.Errorf("msgpack: %v %v", c, err)
	}
	if c, err := ParseCodec(""); err != nil || c != CodecJSONL {
		t.Errorf("default: %v %v", c, err)
	}
	if _, err := ParseCodec("protobuf"); err == nil {
		t.Error("expected error")
	}
}

func TestProcessSource(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	script := `echo '{"face_detected":true,"face_size":0.4}'; echo '[WARNING] low light' >&2`
	src, err := StartProcess(context.Background(), ProcessConfig{Command: sh, Args: []string{"-c", script}})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if size, _ := m.FaceSize(); size != 0.4 {
		t.Errorf("size: %v", size)
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("after clean exit: %v", err)
	}
}

func TestProcessSource_FailedExit(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	src, err := StartProcess(context.Background(), ProcessConfig{Command: sh, Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var exitErr *exec.ExitError
	if _, err := src.Next(ctx); !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Errorf("got %v, want exit status 3", err)
	}
}
