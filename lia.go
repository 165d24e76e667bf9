package mptcp

import (
	"math"
	"time"

	"github.com/getlantern/mptcp/config"
)

// minCoupledRTT stands in for the RTT of a subflow without samples.
const minCoupledRTT = time.Millisecond

// coupledState holds the terms the linked increase algorithms share between
// the subflows of a flow. They are computed once per batch of segments
// handed to the stack.
type coupledState struct {
	epoch uint64
	valid bool

	total    float64 // sum of cwnd
	liaAlpha float64

	oliaSum   float64 // sum of cwnd/rtt
	oliaAlpha map[*Conn]float64
}

func rttSeconds(c *Conn) float64 {
	rtt := c.rtt.estimate()
	if rtt < minCoupledRTT {
		rtt = minCoupledRTT
	}
	return rtt.Seconds()
}

// coupledTerms returns the shared terms, recomputing them when the stack has
// processed new segments since the last call.
func (f *Flow) coupledTerms() *coupledState {
	cs := &f.coupled
	if cs.valid && cs.epoch == f.stack.ackEpoch {
		return cs
	}
	cs.epoch = f.stack.ackEpoch
	cs.valid = true

	var conns []*Conn
	for _, sf := range f.subflows {
		if sf.conn.state.synchronized() && sf.conn.cwnd > 0 {
			conns = append(conns, sf.conn)
		}
	}
	cs.total = 0
	cs.liaAlpha = 0
	var best, sum float64
	for _, c := range conns {
		w, rtt := float64(c.cwnd), rttSeconds(c)
		cs.total += w
		best = math.Max(best, w/(rtt*rtt))
		sum += w / rtt
	}
	if sum > 0 {
		cs.liaAlpha = cs.total * best / (sum * sum)
	}
	cs.oliaSum = sum
	cs.oliaAlpha = oliaAlphas(conns)
	return cs
}

// liaIncrease is the Linked Increases Algorithm of RFC 6356. It couples the
// increase of every subflow so that the flow as a whole takes no more than
// a single TCP would on the best of its paths.
type liaIncrease struct{}

func (*liaIncrease) name() string { return config.LIA }

func (*liaIncrease) increase(c *Conn, acked uint32) float64 {
	if c.sf == nil || c.sf.flow.fallback {
		return renoIncrease{}.increase(c, acked)
	}
	cs := c.sf.flow.coupledTerms()
	if cs.total == 0 {
		return renoIncrease{}.increase(c, acked)
	}
	a, mss := float64(acked), float64(c.mss)
	coupled := cs.liaAlpha * a * mss / cs.total
	uncoupled := a * mss / float64(c.cwnd)
	return math.Min(coupled, uncoupled)
}

func (*liaIncrease) acked(*Conn, uint32) {}
func (*liaIncrease) lost(*Conn)          {}
