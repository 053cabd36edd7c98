package engine

// SmoothingBuffer is a fixed-capacity moving average over the most recent
// face-size samples. Pushing into a full buffer evicts the oldest sample.
type SmoothingBuffer struct {
	values []float64
	next   int
	size   int
}

// NewSmoothingBuffer creates a buffer holding up to capacity samples.
func NewSmoothingBuffer(capacity int) *SmoothingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &SmoothingBuffer{values: make([]float64, capacity)}
}

// Push adds a sample.
func (b *SmoothingBuffer) Push(v float64) {
	b.values[b.next] = v
	b.next = (b.next + 1) % len(b.values)
	if b.size < len(b.values) {
		b.size++
	}
}

// Mean returns the average of the buffered samples, or false when empty.
// The result is clamped into [min, max] of the samples so that a buffer of
// identical values yields exactly that value despite rounding in the sum.
func (b *SmoothingBuffer) Mean() (float64, bool) {
	if b.size == 0 {
		return 0, false
	}

	lo, hi := b.values[0], b.values[0]
	sum := 0.0
	for _, v := range b.values[:b.size] {
		sum += v
		lo = min(lo, v)
		hi = max(hi, v)
	}

	mean := sum / float64(b.size)
	return min(max(mean, lo), hi), true
}

// Len returns the number of buffered samples.
func (b *SmoothingBuffer) Len() int {
	return b.size
}

// Cap returns the buffer capacity.
func (b *SmoothingBuffer) Cap() int {
	return len(b.values)
}

// Reset empties the buffer.
func (b *SmoothingBuffer) Reset() {
	b.next = 0
	b.size = 0
}
