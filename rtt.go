package mptcp

import (
	"time"

	"github.com/getlantern/ema"
)

const (
	// clockGranularity is G in RFC 6298.
	clockGranularity = time.Millisecond

	srttAlpha   = 0.125
	rttvarAlpha = 0.25
)

// rttEstimator keeps the smoothed round trip time and its variance as
// exponential moving averages and derives the retransmission timeout from
// them (RFC 6298).
type rttEstimator struct {
	srtt    *ema.EMA
	rttvar  *ema.EMA
	rto     time.Duration
	minRTO  time.Duration
	maxRTO  time.Duration
	backoff uint
}

func newRTTEstimator(initialRTO, minRTO, maxRTO time.Duration) rttEstimator {
	return rttEstimator{rto: initialRTO, minRTO: minRTO, maxRTO: maxRTO}
}

// sample feeds one round trip measurement and resets the back-off.
func (r *rttEstimator) sample(m time.Duration) {
	if m <= 0 {
		m = clockGranularity
	}
	if r.srtt == nil {
		r.srtt = ema.NewDuration(m, srttAlpha)
		r.rttvar = ema.NewDuration(m/2, rttvarAlpha)
	} else {
		delta := r.srtt.GetDuration() - m
		if delta < 0 {
			delta = -delta
		}
		r.rttvar.UpdateDuration(delta)
		r.srtt.UpdateDuration(m)
	}
	variance := 4 * r.rttvar.GetDuration()
	if variance < clockGranularity {
		variance = clockGranularity
	}
	r.rto = r.clamp(r.srtt.GetDuration() + variance)
	r.backoff = 0
}

// smoothed is the SRTT, or zero before the first sample.
func (r *rttEstimator) smoothed() time.Duration {
	if r.srtt == nil {
		return 0
	}
	return r.srtt.GetDuration()
}

func (r *rttEstimator) variance() time.Duration {
	if r.rttvar == nil {
		return 0
	}
	return r.rttvar.GetDuration()
}

// current is the retransmission timeout including exponential back-off.
func (r *rttEstimator) current() time.Duration {
	rto := r.rto
	for i := uint(0); i < r.backoff && rto < r.maxRTO; i++ {
		rto *= 2
	}
	return r.clamp(rto)
}

func (r *rttEstimator) backOff() {
	r.backoff++
}

// estimate is the SRTT when known and the RTO otherwise. Schedulers and the
// linked increase algorithms use it to compare paths.
func (r *rttEstimator) estimate() time.Duration {
	if s := r.smoothed(); s > 0 {
		return s
	}
	return r.current()
}

func (r *rttEstimator) clamp(d time.Duration) time.Duration {
	if d < r.minRTO {
		return r.minRTO
	}
	if d > r.maxRTO {
		return r.maxRTO
	}
	return d
}
