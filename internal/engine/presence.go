package engine

import "time"

// PresenceTimer tracks how long the face has been missing.
// The reference instant is taken from the first observed frame, so a fresh
// timer behaves as if a face had just been seen.
type PresenceTimer struct {
	lastFace time.Time
	started  bool
	missing  time.Duration
}

// FaceSeen records a detection at now.
func (p *PresenceTimer) FaceSeen(now time.Time) {
	p.lastFace = now
	p.started = true
	p.missing = 0
}

// FaceMissing records a frame without a detection and returns the time since
// the last detection. Clock steps backwards yield zero, never a negative value.
func (p *PresenceTimer) FaceMissing(now time.Time) time.Duration {
	if !p.started {
		p.lastFace = now
		p.started = true
	}
	p.missing = max(now.Sub(p.lastFace), 0)
	return p.missing
}

// Missing returns the duration computed by the last update.
func (p *PresenceTimer) Missing() time.Duration {
	return p.missing
}

// Alerting reports whether the face has been missing for at least threshold.
func (p *PresenceTimer) Alerting(threshold time.Duration) bool {
	return p.missing >= threshold
}

// Reset forgets the reference instant.
func (p *PresenceTimer) Reset() {
	*p = PresenceTimer{}
}
