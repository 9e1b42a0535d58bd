package metrics

import (
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
)

// StreamingMedian keeps an approximate median of a stream of values, using reservoir sampling
// with a bounded number of samples.
type StreamingMedian struct {
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewStreamingMedian creates a streaming median that keeps at most 10,001 samples.
func NewStreamingMedian() *StreamingMedian {
	return &StreamingMedian{maxNumSamples: 10_001}
}

// WithSampleSize configures the number of random samples to keep to estimate the median.
func (m *StreamingMedian) WithSampleSize(n int) *StreamingMedian {
	m.maxNumSamples = max(n, 1)
	m.Reset()
	return m
}

// WithSeed makes the sampling deterministic.
func (m *StreamingMedian) WithSeed(seed uint64) *StreamingMedian {
	m.rng = rand.New(rand.NewPCG(seed, seed+1))
	return m
}

// Update the median with the given values.
func (m *StreamingMedian) Update(values ...float64) {
	if m.samples == nil {
		m.samples = make([]float64, 0, min(m.maxNumSamples, 1024))
		m.samplesSeen = 0
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	for _, x := range values {
		m.samplesSeen++

		// Simple case: we have space to simply store the new sampled x.
		if len(m.samples) < m.maxNumSamples {
			m.samples = append(m.samples, x)
			continue
		}

		// We must decide whether to keep x:
		if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
			continue
		}
		// We replace the new sampled x in a random position.
		m.samples[m.rng.IntN(m.maxNumSamples)] = x
	}
}

// Count of values seen since the last Reset.
func (m *StreamingMedian) Count() int { return m.samplesSeen }

// Median returns the current estimate. It returns an error if no values were seen.
func (m *StreamingMedian) Median() (float64, error) {
	if len(m.samples) == 0 {
		return 0, errors.New("streaming median has seen no samples")
	}
	slices.Sort(m.samples)
	return m.samples[len(m.samples)/2], nil
}

// Reset discards all samples.
func (m *StreamingMedian) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
