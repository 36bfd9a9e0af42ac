// Package audio holds the live sample accumulation buffer that sits between the
// capture source and the recognizer, plus the PCM conversions shared by the
// capture adapters and recognizer backends.
package audio

import (
	"sync"
	"time"
)

// BufferConfig sizes a Buffer. Durations are converted to sample counts using
// SampleRate.
type BufferConfig struct {
	SampleRate int
	Interval   time.Duration
	MinWindow  time.Duration
	Overlap    time.Duration
}

// Window is a private snapshot of the buffer taken at flush time.
type Window struct {
	Samples []float32
	gen     uint64
}

// Buffer accumulates mono float samples and decides when a window is due.
// Push may be called from the capture goroutine while a previously taken
// window is being transcribed; the window is a copy so later appends never
// touch it.
type Buffer struct {
	mu        sync.Mutex
	samples   []float32
	gen       uint64
	lastFlush time.Time

	interval    time.Duration
	minSamples  int
	keepSamples int
	sampleRate  int
	clock       func() time.Time
}

func NewBuffer(cfg BufferConfig) *Buffer {
	return newBufferWithClock(cfg, time.Now)
}

func newBufferWithClock(cfg BufferConfig, clock func() time.Time) *Buffer {
	return &Buffer{
		interval:    cfg.Interval,
		minSamples:  samplesFor(cfg.MinWindow, cfg.SampleRate),
		keepSamples: samplesFor(cfg.Overlap, cfg.SampleRate),
		sampleRate:  cfg.SampleRate,
		clock:       clock,
		lastFlush:   clock(),
	}
}

func samplesFor(d time.Duration, rate int) int {
	return int(d.Seconds() * float64(rate))
}

// Push appends a capture block and reports whether the flush cadence has
// elapsed. When it has, the cadence mark moves to now so that the next tick is
// a full interval away regardless of whether the flush actually runs.
func (b *Buffer) Push(samples []float32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, samples...)

	now := b.clock()
	if b.interval > 0 && now.Sub(b.lastFlush) >= b.interval {
		b.lastFlush = now
		return true
	}
	return false
}

// Take snapshots the full buffer when it holds at least the minimum window.
// Below the minimum nothing is copied or removed and ok is false.
func (b *Buffer) Take() (Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.samples) == 0 || len(b.samples) < b.minSamples {
		return Window{}, false
	}
	return Window{
		Samples: append([]float32(nil), b.samples...),
		gen:     b.gen,
	}, true
}

// Release applies overlap retention for a window returned by Take: the samples
// it covered are replaced by its trailing overlap, and anything appended since
// the snapshot stays queued behind that overlap. A window taken before the last
// Clear is ignored.
func (b *Buffer) Release(w Window) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w.gen != b.gen {
		return
	}
	consumed := len(w.Samples)
	if consumed > len(b.samples) {
		consumed = len(b.samples)
	}
	keep := b.keepSamples
	if keep > consumed {
		keep = consumed
	}

	next := make([]float32, 0, keep+len(b.samples)-consumed)
	next = append(next, b.samples[consumed-keep:consumed]...)
	next = append(next, b.samples[consumed:]...)
	b.samples = next
}

// Clear drops all buffered samples and invalidates outstanding windows.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = nil
	b.gen++
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Duration returns the buffered audio length.
func (b *Buffer) Duration() time.Duration {
	n := b.Len()
	if b.sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(b.sampleRate)
}
