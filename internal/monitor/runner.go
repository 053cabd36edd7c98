// Package monitor drives the classifier from a perception source on a single
// worker goroutine and fans each snapshot out to sinks.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/perception"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/pkg/types"
)

// ErrAlreadyRunning is returned by Start while the worker is active.
var ErrAlreadyRunning = errors.New("monitor already running")

// SourceFactory opens a fresh measurement source for one run.
type SourceFactory func(ctx context.Context) (perception.Source, error)

// SnapshotSink receives every published snapshot. Implementations must not block.
type SnapshotSink interface {
	PublishSnapshot(engine.Snapshot)
}

// MeasurementSink receives every measurement fed to the engine.
type MeasurementSink interface {
	RecordMeasurement(types.Measurement)
}

// SnapshotFunc adapts a function to SnapshotSink.
type SnapshotFunc func(engine.Snapshot)

func (f SnapshotFunc) PublishSnapshot(s engine.Snapshot) { f(s) }

// Options configures a Runner.
type Options struct {
	// Interval is the pause after each frame.
	Interval time.Duration
	// LogEvery logs a detection summary every n frames (0 disables).
	LogEvery         int
	Metrics          *metrics.Metrics
	SnapshotSinks    []SnapshotSink
	MeasurementSinks []MeasurementSink
}

// Runner owns the worker loop: pull, process, fan out, sleep.
type Runner struct {
	eng  *engine.Engine
	open SourceFactory
	opts Options
	log  logger.Module

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// New creates a stopped runner.
func New(eng *engine.Engine, open SourceFactory, opts Options) *Runner {
	return &Runner{
		eng:  eng,
		open: open,
		opts: opts,
		log:  logger.Named("Monitor"),
	}
}

// Start opens a source and launches the worker. The worker stops when ctx
// is cancelled, Stop is called, or the source is exhausted.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runningLocked() {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	src, err := r.open(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open perception source: %w", err)
	}

	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.lastErr = nil

	go r.run(runCtx, src, done)
	r.log.Info("Detection started")
	return nil
}

// Stop cancels the worker and waits for the in-flight frame to finish.
// It reports whether a worker was running.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	running := r.runningLocked()
	r.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	if running {
		r.log.Info("Detection stopped")
	}
	return running
}

// Running reports whether the worker loop is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

func (r *Runner) runningLocked() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Done is closed when the current run ends. Nil before the first Start.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns the error that ended the last run, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Runner) run(ctx context.Context, src perception.Source, done chan struct{}) {
	var runErr error
	defer func() {
		if err := src.Close(); err != nil {
			r.log.Debug("Source close: %v", err)
		}
		r.mu.Lock()
		r.lastErr = runErr
		r.mu.Unlock()
		close(done)
	}()

	var seen perception.Stats
	frames := 0

	for {
		if ctx.Err() != nil {
			return
		}

		m, err := src.Next(ctx)
		r.syncStats(src, &seen)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, perception.ErrMalformed):
				r.countError()
				r.log.Warn("Skipping measurement: %v", err)
				continue
			case errors.Is(err, io.EOF), errors.Is(err, perception.ErrClosed):
				r.log.Info("Perception source finished")
				return
			default:
				r.countError()
				r.log.Error("Perception source failed: %v", err)
				runErr = err
				return
			}
		}

		start := time.Now()
		snap := r.eng.ProcessFrame(m)
		if r.opts.Metrics != nil {
			r.opts.Metrics.UpdateProcessLatency(time.Since(start))
			r.opts.Metrics.ObserveSnapshot(snap)
		}
		r.fanOut(m, snap)

		frames++
		if r.opts.LogEvery > 0 && frames%r.opts.LogEvery == 0 {
			r.logSummary(snap)
		}

		if r.opts.Interval > 0 {
			t := time.NewTimer(r.opts.Interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

func (r *Runner) fanOut(m types.Measurement, snap engine.Snapshot) {
	for _, s := range r.opts.MeasurementSinks {
		s.RecordMeasurement(m)
	}
	for _, s := range r.opts.SnapshotSinks {
		s.PublishSnapshot(snap)
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.SnapshotsPublished.Add(1)
	}
}

func (r *Runner) logSummary(s engine.Snapshot) {
	distance := "None"
	if s.FaceSize != nil {
		distance = fmt.Sprintf("%.3f", *s.FaceSize)
	}
	r.log.Debug("Face: %v | Distance: %s | Status: %s | Bad: %v | Warning: %v | NoFace: %v | Blinks: %d",
		s.IsFaceDetected, distance, s.PostureStatus,
		s.Alerts.BadAlert, s.Alerts.WarningAlert, s.Alerts.NoFaceAlert, s.BlinkCount)
}

func (r *Runner) countError() {
	if r.opts.Metrics != nil {
		r.opts.Metrics.PerceptionErrors.Add(1)
	}
}

// syncStats adds the source's counter deltas to the metrics.
func (r *Runner) syncStats(src perception.Source, seen *perception.Stats) {
	rep, ok := src.(perception.StatsReporter)
	if !ok || r.opts.Metrics == nil {
		return
	}
	now := rep.Stats()
	r.opts.Metrics.MeasurementsRead.Add(now.Read - seen.Read)
	r.opts.Metrics.MeasurementsDropped.Add(now.Dropped - seen.Dropped)
	*seen = now
}
