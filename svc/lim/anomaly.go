package lim

import (
	"context"
	"sync"
	"time"

	"ciphertoken/metrics"
	"ciphertoken/svc/util"
)

const (
	detectorBuckets  = 5
	detectorMinReqs  = 10
	errorRateTrigger = 5.0
	bucketInterval   = time.Minute
)

// AnomalyDetector tracks the share of 5xx responses over the last five
// one-minute buckets and calls onAnomaly when it exceeds errorRateTrigger.
type AnomalyDetector struct {
	mu        sync.Mutex
	buckets   [detectorBuckets]bucket
	cur       int
	onAnomaly func()
}

type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{onAnomaly: onAnomaly}
}

// Run rotates buckets until ctx is done.
func (d *AnomalyDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(bucketInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Advance()
		case <-ctx.Done():
			return
		}
	}
}

func (d *AnomalyDetector) Observe(serverError bool) {
	d.mu.Lock()
	d.buckets[d.cur].requests++
	if serverError {
		d.buckets[d.cur].errors++
	}
	d.mu.Unlock()
}

// ErrorRate returns the 5xx percentage over the whole window.
func (d *AnomalyDetector) ErrorRate() (float64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rateLocked()
}

func (d *AnomalyDetector) rateLocked() (float64, int64) {
	var reqs, errs int64
	for _, b := range d.buckets {
		reqs += b.requests
		errs += b.errors
	}
	if reqs == 0 {
		return 0, 0
	}
	return float64(errs) / float64(reqs) * 100, reqs
}

// Advance evaluates the window and starts a fresh bucket.
func (d *AnomalyDetector) Advance() {
	d.mu.Lock()
	rate, reqs := d.rateLocked()
	d.cur = (d.cur + 1) % detectorBuckets
	d.buckets[d.cur] = bucket{}
	d.mu.Unlock()

	metrics.RecentErrorRatePercent.Set(rate)
	if reqs > detectorMinReqs && rate > errorRateTrigger {
		util.Warn().
			Float64("error_rate", rate).
			Int64("requests", reqs).
			Msg("high 5xx rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
}
