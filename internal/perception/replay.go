package perception

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/pkg/types"
)

// OpenFile replays a recorded measurement file. Every record is delivered.
func OpenFile(path string, codec Codec) (*StreamSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	s, err := NewStreamSource(f, codec, StreamOptions{Closer: f})
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// PacedSource delays each measurement so that it is delivered at the same
// offset from the first one as it was recorded.
type PacedSource struct {
	Source

	start time.Time // wall clock of the first delivery
	first time.Time // recorded timestamp of the first measurement
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Paced wraps src with real-time pacing.
func Paced(src Source) *PacedSource {
	return &PacedSource{
		Source: src,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Next waits until the measurement's recorded offset has elapsed.
func (p *PacedSource) Next(ctx context.Context) (types.Measurement, error) {
	m, err := p.Source.Next(ctx)
	if err != nil {
		return m, err
	}

	if p.first.IsZero() {
		p.first = m.Timestamp
		p.start = p.now()
		return m, nil
	}

	due := p.start.Add(m.Timestamp.Sub(p.first))
	if wait := due.Sub(p.now()); wait > 0 {
		if err := p.sleep(ctx, wait); err != nil {
			return types.Measurement{}, err
		}
	}
	return m, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats forwards the wrapped source's counters, if it has any.
func (p *PacedSource) Stats() Stats {
	if r, ok := p.Source.(StatsReporter); ok {
		return r.Stats()
	}
	return Stats{}
}
