package transfer

import "time"

// defaultSpeedSamples is the rolling window length for speed estimation.
const defaultSpeedSamples = 10

type speedSample struct {
	bytes   int64
	elapsed time.Duration
}

// SpeedTracker estimates transfer speed over a rolling window of recent
// chunk timings, smoothing out per-chunk jitter.
type SpeedTracker struct {
	samples    []speedSample
	maxSamples int
}

// NewSpeedTracker creates a tracker keeping the last maxSamples timings.
func NewSpeedTracker(maxSamples int) *SpeedTracker {
	if maxSamples <= 0 {
		maxSamples = defaultSpeedSamples
	}
	return &SpeedTracker{
		samples:    make([]speedSample, 0, maxSamples),
		maxSamples: maxSamples,
	}
}

// Record adds one chunk timing, evicting the oldest when full.
func (t *SpeedTracker) Record(chunkBytes int64, elapsed time.Duration) {
	if len(t.samples) >= t.maxSamples {
		t.samples = t.samples[1:]
	}
	t.samples = append(t.samples, speedSample{bytes: chunkBytes, elapsed: elapsed})
}

// SpeedBPS returns the current estimate in bytes per second, zero when
// no samples or no elapsed time have accumulated.
func (t *SpeedTracker) SpeedBPS() int64 {
	var totalBytes int64
	var totalElapsed time.Duration
	for _, s := range t.samples {
		totalBytes += s.bytes
		totalElapsed += s.elapsed
	}
	if totalElapsed <= 0 {
		return 0
	}
	return totalBytes * int64(time.Second) / int64(totalElapsed)
}

// Reset discards all samples.
func (t *SpeedTracker) Reset() {
	t.samples = t.samples[:0]
}
