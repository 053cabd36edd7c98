package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/metrics"
)

// Sink delivers alert events somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	ID string
	Fn func(ctx context.Context, ev Event) error
}

func (f SinkFunc) Name() string                             { return f.ID }
func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f.Fn(ctx, ev) }

// Options configures a Dispatcher.
type Options struct {
	InstanceID string
	// Buffer is the pending event queue size. Events are dropped when full.
	Buffer  int
	Metrics *metrics.Metrics
	Sinks   []Sink
	// Timeout bounds a single sink delivery.
	Timeout time.Duration
}

// Dispatcher watches published snapshots and emits one event each time an
// alert becomes active. Eye strain events are emitted only when the engine
// reports an escalation, so a sustained low blink rate notifies once.
type Dispatcher struct {
	opts  Options
	log   logger.Module
	queue chan Event

	mu      sync.Mutex
	prev    engine.Alerts
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start to begin delivery.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		opts:  opts,
		log:   logger.Named("Notify"),
		queue: make(chan Event, opts.Buffer),
	}
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.started = true
	go d.run(ctx, d.done)
}

// Stop halts delivery and waits for the goroutine. Queued events that were
// not yet delivered are discarded.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.started = false
	d.mu.Unlock()

	cancel()
	<-done
}

// PublishSnapshot implements monitor.SnapshotSink.
func (d *Dispatcher) PublishSnapshot(s engine.Snapshot) {
	for _, ev := range d.Detect(s) {
		d.log.Warn("%s", ev.Message)
		select {
		case d.queue <- ev:
		default:
			d.log.Debug("Event queue full, dropping %s", ev.Kind)
			d.countError()
		}
	}
}

// Detect compares s with the previous snapshot and returns the events for
// alerts that just became active.
func (d *Dispatcher) Detect(s engine.Snapshot) []Event {
	d.mu.Lock()
	prev := d.prev
	d.prev = s.Alerts
	d.mu.Unlock()

	var kinds []Kind
	if s.Alerts.BadAlert && !prev.BadAlert {
		kinds = append(kinds, KindBadPosture)
	}
	if s.Alerts.WarningAlert && !prev.WarningAlert {
		kinds = append(kinds, KindWarningPosture)
	}
	if s.Alerts.NoFaceAlert && !prev.NoFaceAlert {
		kinds = append(kinds, KindNoFace)
	}
	if s.EyeStrainEscalated {
		switch s.EyeStrainSeverity {
		case engine.EyeStrainSerious:
			kinds = append(kinds, KindSeriousEyeStrain)
		case engine.EyeStrainLow:
			kinds = append(kinds, KindLowBlinkRate)
		}
	}
	if len(kinds) == 0 {
		return nil
	}

	now := time.Now()
	events := make([]Event, 0, len(kinds))
	for _, k := range kinds {
		events = append(events, Event{
			ID:               uuid.NewString(),
			Kind:             k,
			Message:          k.Message(),
			InstanceID:       d.opts.InstanceID,
			Time:             now,
			PostureStatus:    s.PostureStatus,
			SmoothedFaceSize: s.SmoothedFaceSize,
			NoFaceDuration:   s.NoFaceDuration,
			BlinkRate:        s.BlinkRate,
			FrameCount:       s.FrameCount,
		})
	}
	return events
}

// Reset forgets the previous alert state.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.prev = engine.Alerts{}
	d.mu.Unlock()
}

func (d *Dispatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.AlertsEmitted.Add(1)
	}
	for _, s := range d.opts.Sinks {
		sctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		err := s.Send(sctx, ev)
		cancel()
		if err != nil {
			d.log.Error("Sink %s failed for %s: %v", s.Name(), ev.Kind, err)
			d.countError()
		}
	}
}

func (d *Dispatcher) countError() {
	if d.opts.Metrics != nil {
		d.opts.Metrics.NotifyErrors.Add(1)
	}
}
