package engine

import (
	"encoding/json"
	"time"
)

// PostureAlert is the debounced posture severity over the behavior window.
// Bad outranks Warning; only one is ever active.
type PostureAlert int

const (
	PostureAlertNone PostureAlert = iota
	PostureAlertWarning
	PostureAlertBad
)

func (a PostureAlert) String() string {
	switch a {
	case PostureAlertWarning:
		return "warning"
	case PostureAlertBad:
		return "bad"
	default:
		return "none"
	}
}

// MarshalJSON encodes the severity as its name.
func (a PostureAlert) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

type labelEntry struct {
	label PostureLabel
	at    time.Time
}

// BehaviorWindow keeps the posture labels of the trailing window duration,
// bounded by a maximum entry count, and turns their fractions into an alert.
// Entries are stored in arrival order with non-decreasing timestamps, so
// eviction only ever scans from the front.
type BehaviorWindow struct {
	duration   time.Duration
	warnThresh float64
	badThresh  float64

	entries []labelEntry // ring buffer
	head    int
	size    int

	badCount  int
	warnCount int
}

// NewBehaviorWindow creates a window over duration holding at most capacity labels.
func NewBehaviorWindow(duration time.Duration, capacity int, warningAvg, badAvg float64) *BehaviorWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &BehaviorWindow{
		duration:   duration,
		warnThresh: warningAvg,
		badThresh:  badAvg,
		entries:    make([]labelEntry, capacity),
	}
}

// Record appends a label observed at now and evicts stale entries.
// A timestamp slightly older than the newest entry is clamped to it. When the
// clock steps back by more than the window duration, the stored entries are
// shifted so that the newest one sits at now.
func (w *BehaviorWindow) Record(label PostureLabel, now time.Time) {
	if w.size > 0 {
		newest := w.at(w.size - 1).at
		switch {
		case newest.Sub(now) > w.duration:
			w.shift(now.Sub(newest))
		case now.Before(newest):
			now = newest
		}
	}

	if w.size == len(w.entries) {
		w.popFront()
	}
	idx := (w.head + w.size) % len(w.entries)
	w.entries[idx] = labelEntry{label: label, at: now}
	w.size++
	w.count(label, 1)

	w.evict(now)
}

func (w *BehaviorWindow) evict(now time.Time) {
	for w.size > 0 && now.Sub(w.at(0).at) > w.duration {
		w.popFront()
	}
}

func (w *BehaviorWindow) shift(d time.Duration) {
	for i := 0; i < w.size; i++ {
		idx := (w.head + i) % len(w.entries)
		w.entries[idx].at = w.entries[idx].at.Add(d)
	}
}

func (w *BehaviorWindow) at(i int) labelEntry {
	return w.entries[(w.head+i)%len(w.entries)]
}

func (w *BehaviorWindow) popFront() {
	w.count(w.entries[w.head].label, -1)
	w.head = (w.head + 1) % len(w.entries)
	w.size--
}

func (w *BehaviorWindow) count(label PostureLabel, delta int) {
	switch label {
	case PostureBad:
		w.badCount += delta
	case PostureWarning:
		w.warnCount += delta
	}
}

// Fractions returns the bad and the warning-or-bad share of the window.
func (w *BehaviorWindow) Fractions() (bad, warnOrBad float64) {
	if w.size == 0 {
		return 0, 0
	}
	total := float64(w.size)
	return float64(w.badCount) / total, float64(w.badCount+w.warnCount) / total
}

// Evaluate applies the alert policy in priority order.
func (w *BehaviorWindow) Evaluate() PostureAlert {
	if w.size == 0 {
		return PostureAlertNone
	}
	bad, warnOrBad := w.Fractions()
	switch {
	case bad >= w.badThresh:
		return PostureAlertBad
	case warnOrBad >= w.warnThresh:
		return PostureAlertWarning
	default:
		return PostureAlertNone
	}
}

// Len returns the number of labels in the window.
func (w *BehaviorWindow) Len() int {
	return w.size
}

// Reset empties the window.
func (w *BehaviorWindow) Reset() {
	w.head = 0
	w.size = 0
	w.badCount = 0
	w.warnCount = 0
}
