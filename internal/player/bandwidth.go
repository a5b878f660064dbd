package player

import (
	"math"
	"sync"
	"time"
)

// ewma is an exponentially weighted moving average whose weight is measured
// in seconds of transfer.
type ewma struct {
	alpha       float64
	estimate    float64
	totalWeight float64
}

func newEWMA(halfLife float64) ewma {
	return ewma{alpha: math.Exp(math.Log(0.5) / halfLife)}
}

func (e *ewma) sample(weight, value float64) {
	a := math.Pow(e.alpha, weight)
	e.estimate = value*(1-a) + a*e.estimate
	e.totalWeight += weight
}

// value corrects the zero-initialised bias of early samples.
func (e *ewma) value() float64 {
	zero := 1 - math.Pow(e.alpha, e.totalWeight)
	if zero == 0 {
		return 0
	}
	return e.estimate / zero
}

const (
	fastHalfLife = 3.0
	slowHalfLife = 9.0
	minWeight    = 0.001
	// minSampleDuration keeps cached responses from producing absurd rates.
	minSampleDuration = 5 * time.Millisecond
)

// BandwidthEstimator smooths fragment throughput with a fast and a slow
// average and reports the smaller, reacting quickly to drops and slowly to
// recoveries.
type BandwidthEstimator struct {
	mu   sync.Mutex
	fast ewma
	slow ewma
}

// NewBandwidthEstimator returns an estimator with 3 s and 9 s half-lives.
func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{fast: newEWMA(fastHalfLife), slow: newEWMA(slowHalfLife)}
}

// Sample records that n bytes took d to transfer.
func (b *BandwidthEstimator) Sample(d time.Duration, n int64) {
	if n <= 0 {
		return
	}
	d = max(d, minSampleDuration)
	secs := d.Seconds()
	bps := float64(n) * 8 / secs

	b.mu.Lock()
	defer b.mu.Unlock()
	b.fast.sample(secs, bps)
	b.slow.sample(secs, bps)
}

// Estimate returns the bandwidth in bits/s once enough data was sampled.
func (b *BandwidthEstimator) Estimate() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fast.totalWeight < minWeight {
		return 0, false
	}
	return math.Min(b.fast.value(), b.slow.value()), true
}
