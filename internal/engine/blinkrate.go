package engine

import (
	"encoding/json"
	"time"
)

// EyeStrain is the blink-rate severity. Serious outranks Low.
type EyeStrain int

const (
	EyeStrainNone EyeStrain = iota
	EyeStrainLow
	EyeStrainSerious
)

func (s EyeStrain) String() string {
	switch s {
	case EyeStrainLow:
		return "low"
	case EyeStrainSerious:
		return "serious"
	default:
		return "none"
	}
}

// MarshalJSON encodes the severity as its name.
func (s EyeStrain) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// EyeStrainResult is the outcome of a blink-rate check.
type EyeStrainResult struct {
	Severity EyeStrain
	// Rate is the number of blinks in the trailing interval.
	Rate int
	// Escalated is set on the check where the severity rose above what was
	// already reported since the rate last recovered.
	Escalated bool
	// Checked is false until the first full interval has elapsed.
	Checked bool
}

// LowRate reports the soft-threshold alert.
func (r EyeStrainResult) LowRate() bool {
	return r.Severity == EyeStrainLow
}

// Serious reports the hard-threshold alert.
func (r EyeStrainResult) Serious() bool {
	return r.Severity == EyeStrainSerious
}

// BlinkRateMonitor counts blinks over a trailing interval and checks the
// count against two thresholds at most once per interval.
type BlinkRateMonitor struct {
	interval    time.Duration
	absoluteMin int
	softMin     int

	blinks    []time.Time
	started   bool
	lastCheck time.Time
	triggered EyeStrain
	last      EyeStrainResult
}

// NewBlinkRateMonitor creates a monitor from the blink-rate section of cfg.
func NewBlinkRateMonitor(cfg Config) *BlinkRateMonitor {
	return &BlinkRateMonitor{
		interval:    cfg.BlinkRateInterval,
		absoluteMin: cfg.AbsoluteMinBlinksPerMinute,
		softMin:     cfg.MinBlinksPerMinute,
	}
}

// start begins the check schedule on the first observation. A clock that
// steps back behind the last check moves the schedule and the stored blinks
// back with it, keeping their ages relative to the new clock.
func (m *BlinkRateMonitor) start(now time.Time) {
	if !m.started {
		m.started = true
		m.lastCheck = now
		return
	}
	if now.Before(m.lastCheck) {
		shift := now.Sub(m.lastCheck)
		for i := range m.blinks {
			m.blinks[i] = m.blinks[i].Add(shift)
		}
		m.lastCheck = now
	}
}

// RecordBlink stores a confirmed blink. Timestamps older than the newest
// stored blink are clamped to it.
func (m *BlinkRateMonitor) RecordBlink(now time.Time) {
	m.start(now)
	if n := len(m.blinks); n > 0 && now.Before(m.blinks[n-1]) {
		now = m.blinks[n-1]
	}
	m.blinks = append(m.blinks, now)
}

// Check evaluates the rate when a full interval has passed since the last
// evaluation; otherwise it returns the cached result with Escalated cleared.
func (m *BlinkRateMonitor) Check(now time.Time) EyeStrainResult {
	m.start(now)
	if now.Sub(m.lastCheck) < m.interval {
		cached := m.last
		cached.Escalated = false
		return cached
	}
	m.lastCheck = now
	m.last = m.evaluate(now)
	return m.last
}

func (m *BlinkRateMonitor) evaluate(now time.Time) EyeStrainResult {
	m.evict(now.Add(-m.interval))
	rate := len(m.blinks)

	res := EyeStrainResult{Rate: rate, Checked: true}
	switch {
	case rate < m.absoluteMin:
		res.Severity = EyeStrainSerious
	case rate < m.softMin:
		res.Severity = EyeStrainLow
	default:
		res.Severity = EyeStrainNone
	}

	if res.Severity == EyeStrainNone {
		m.triggered = EyeStrainNone
	} else if res.Severity > m.triggered {
		m.triggered = res.Severity
		res.Escalated = true
	}
	return res
}

func (m *BlinkRateMonitor) evict(cutoff time.Time) {
	i := 0
	for i < len(m.blinks) && m.blinks[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.blinks = append(m.blinks[:0], m.blinks[i:]...)
	}
}

// Pending returns the number of stored blinks, including any not yet evicted.
func (m *BlinkRateMonitor) Pending() int {
	return len(m.blinks)
}

// Reset forgets all blinks and the check schedule.
func (m *BlinkRateMonitor) Reset() {
	*m = BlinkRateMonitor{
		interval:    m.interval,
		absoluteMin: m.absoluteMin,
		softMin:     m.softMin,
	}
}
