// Package perception ingests per-frame face measurements produced by an
// external detector (a subprocess, stdin, or a recorded file).
package perception

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/pkg/types"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("perception source closed")

// Source yields measurements one at a time. Next blocks until a measurement,
// an error, or ctx cancellation. io.EOF means the source is exhausted.
type Source interface {
	Next(ctx context.Context) (types.Measurement, error)
	Close() error
}

// Stats counts records seen by a source.
type Stats struct {
	Read      uint64
	Dropped   uint64
	Malformed uint64
}

// StatsReporter is implemented by sources that track Stats.
type StatsReporter interface {
	Stats() Stats
}

// StreamOptions tunes a StreamSource.
type StreamOptions struct {
	// LatestOnly keeps only the newest undelivered measurement, dropping
	// older ones when the consumer falls behind.
	LatestOnly bool
	// Buffer is the queue length when LatestOnly is false (default 64).
	Buffer int
	// Closer is closed by Close, typically the underlying file.
	Closer io.Closer
	// Now stamps records without a timestamp (default time.Now).
	Now func() time.Time
}

type result struct {
	m   types.Measurement
	err error
}

// StreamSource decodes measurements from a reader on a background goroutine.
type StreamSource struct {
	dec        Decoder
	latestOnly bool
	closer     io.Closer
	now        func() time.Time

	out      chan result
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
	termErr  error // set before out is closed

	read      atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
}

// NewStreamSource starts decoding r with codec.
func NewStreamSource(r io.Reader, codec Codec, opts StreamOptions) (*StreamSource, error) {
	dec, err := NewDecoder(codec, r)
	if err != nil {
		return nil, err
	}

	size := opts.Buffer
	if opts.LatestOnly {
		size = 1
	} else if size <= 0 {
		size = 64
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &StreamSource{
		dec:        dec,
		latestOnly: opts.LatestOnly,
		closer:     opts.Closer,
		now:        now,
		out:        make(chan result, size),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *StreamSource) readLoop() {
	defer close(s.finished)
	defer close(s.out)

	for {
		rec, err := s.dec.Decode()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				s.malformed.Add(1)
				if !s.emit(result{err: err}, true) {
					return
				}
				continue
			}
			s.termErr = err
			return
		}

		s.read.Add(1)
		if !s.emit(result{m: rec.Measurement(s.now())}, false) {
			return
		}
	}
}

// emit queues r. It returns false once the source is closed.
func (s *StreamSource) emit(r result, blocking bool) bool {
	if !s.latestOnly || blocking {
		select {
		case s.out <- r:
			return true
		case <-s.done:
			return false
		}
	}

	select {
	case s.out <- r:
		return true
	default:
	}
	// Replace the stale measurement.
	select {
	case <-s.out:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.out <- r:
		return true
	case <-s.done:
		return false
	}
}

// Next returns the next measurement. Malformed records surface as errors
// wrapping ErrMalformed; the following call continues with the next record.
func (s *StreamSource) Next(ctx context.Context) (types.Measurement, error) {
	select {
	case <-ctx.Done():
		return types.Measurement{}, ctx.Err()
	case <-s.done:
		return types.Measurement{}, ErrClosed
	case r, ok := <-s.out:
		if !ok {
			select {
			case <-s.done:
				return types.Measurement{}, ErrClosed
			default:
			}
			return types.Measurement{}, s.termErr
		}
		return r.m, r.err
	}
}

// Finished is closed when the decoder goroutine has exited.
func (s *StreamSource) Finished() <-chan struct{} {
	return s.finished
}

// Stats returns record counters.
func (s *StreamSource) Stats() Stats {
	return Stats{
		Read:      s.read.Load(),
		Dropped:   s.dropped.Load(),
		Malformed: s.malformed.Load(),
	}
}

// Close stops delivery and closes the underlying reader if one was given.
func (s *StreamSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}
