package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/perception"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Recorder captures the measurements fed to the engine so a session can be
// replayed later.
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	buf          *bufio.Writer
	enc          perception.Encoder
	filename     string
	basePath     string
	codec        perception.Codec
	recording    bool
	recordCount  uint64
	bytesWritten atomic.Uint64
	dropped      uint64
	startTime    time.Time
	recordChan   chan types.MeasurementRecord
	stopChan     chan struct{}
	wg           sync.WaitGroup

	metrics *metrics.Metrics
	log     logger.Module
}

// NewRecorder creates a recorder writing into basePath.
func NewRecorder(basePath string, codec perception.Codec, m *metrics.Metrics) *Recorder {
	if codec == "" {
		codec = perception.CodecJSONL
	}
	return &Recorder{
		basePath: basePath,
		codec:    codec,
		metrics:  m,
		log:      logger.Named("Recorder"),
	}
}

// Start starts recording to a new file. An empty name picks
// measurements_<timestamp>.<ext>.
func (r *Recorder) Start(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if name == "" {
		timestamp := time.Now().Format("20060102_150405")
		name = fmt.Sprintf("measurements_%s.%s", timestamp, extension(r.codec))
	}
	name = filepath.Base(name)

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recording dir: %w", err)
	}
	path := filepath.Join(r.basePath, name)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	buf := bufio.NewWriter(&countingWriter{w: file, n: &r.bytesWritten})
	enc, err := perception.NewEncoder(r.codec, buf)
	if err != nil {
		file.Close()
		return "", err
	}

	r.file = file
	r.buf = buf
	r.enc = enc
	r.filename = path
	r.recording = true
	r.recordCount = 0
	r.bytesWritten.Store(0)
	r.dropped = 0
	r.startTime = time.Now()
	r.recordChan = make(chan types.MeasurementRecord, 256)
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeRecords(r.recordChan, r.stopChan)

	r.setActive(true)
	r.log.Info("Recording started: %s", path)
	return path, nil
}

// Stop flushes pending records and closes the file.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.setActive(false)
	path := r.filename
	if r.file == nil {
		return path, nil
	}
	defer func() { r.file = nil }()

	if err := r.buf.Flush(); err != nil {
		r.file.Close()
		return path, fmt.Errorf("failed to flush file: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return path, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := r.file.Close(); err != nil {
		return path, fmt.Errorf("failed to close file: %w", err)
	}
	r.log.Info("Recording stopped: %s (%d records, %d bytes, %d dropped)",
		path, r.recordCount, r.bytesWritten.Load(), r.dropped)
	return path, nil
}

// RecordMeasurement implements monitor.MeasurementSink (non-blocking).
func (r *Recorder) RecordMeasurement(m types.Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return
	}

	select {
	case r.recordChan <- m.Record():
	default:
		// Channel full, drop record
		r.dropped++
		if r.metrics != nil {
			r.metrics.RecorderErrors.Add(1)
		}
	}
}

// writeRecords encodes records until stop is closed, then drains the queue.
func (r *Recorder) writeRecords(records <-chan types.MeasurementRecord, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case rec := <-records:
			r.writeRecord(rec)
		case <-stop:
			for {
				select {
				case rec := <-records:
					r.writeRecord(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeRecord(rec types.MeasurementRecord) {
	// The encoder is only replaced under the lock while no writer runs.
	if err := r.enc.Encode(rec); err != nil {
		r.log.Error("Write failed: %v", err)
		if r.metrics != nil {
			r.metrics.RecorderErrors.Add(1)
		}
		return
	}

	r.mu.Lock()
	r.recordCount++
	count := r.recordCount
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordingRecords.Store(count)
		r.metrics.RecordingBytes.Store(r.bytesWritten.Load())
	}
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		RecordCount:  r.recordCount,
		BytesWritten: r.bytesWritten.Load(),
		Dropped:      r.dropped,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops an active recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

func (r *Recorder) setActive(active bool) {
	if r.metrics == nil {
		return
	}
	if active {
		r.metrics.RecordingActive.Store(1)
	} else {
		r.metrics.RecordingActive.Store(0)
	}
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	RecordCount  uint64    `json:"record_count"`
	BytesWritten uint64    `json:"bytes_written"`
	Dropped      uint64    `json:"dropped"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}

func extension(c perception.Codec) string {
	if c == perception.CodecMsgpack {
		return "msgpack"
	}
	return "jsonl"
}

// countingWriter tracks bytes that reach the file.
type countingWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(uint64(n))
	return n, err
}
