package mptcp

import (
	"github.com/getlantern/mptcp/config"
)

// oliaIncrease is the Opportunistic Linked Increases Algorithm (Khalili et
// al., draft-khalili-mptcp-congestion-control). Besides coupling the
// increase like LIA it shifts window from the largest subflows to the ones
// with the best loss and delay record.
//
// l1 counts the bytes acknowledged since the last loss, l2 the bytes between
// the two losses before it.
type oliaIncrease struct {
	l1, l2 uint64
}

func (*oliaIncrease) name() string { return config.OLIA }

func (o *oliaIncrease) acked(_ *Conn, acked uint32) {
	o.l1 += uint64(acked)
}

func (o *oliaIncrease) lost(*Conn) {
	o.l2 = o.l1
	o.l1 = 0
}

func (o *oliaIncrease) interLoss() float64 {
	if o.l1 > o.l2 {
		return float64(o.l1)
	}
	return float64(o.l2)
}

func (o *oliaIncrease) increase(c *Conn, acked uint32) float64 {
	if c.sf == nil || c.sf.flow.fallback {
		return renoIncrease{}.increase(c, acked)
	}
	cs := c.sf.flow.coupledTerms()
	if cs.oliaSum == 0 {
		return renoIncrease{}.increase(c, acked)
	}
	a, mss, w := float64(acked), float64(c.mss), float64(c.cwnd)
	rtt := rttSeconds(c)
	return a * (mss*w/(rtt*rtt*cs.oliaSum*cs.oliaSum) + cs.oliaAlpha[c]*mss/w)
}

func oliaOf(c *Conn) *oliaIncrease {
	if nr, ok := c.cc.(*newReno); ok {
		if o, ok := nr.rule.(*oliaIncrease); ok {
			return o
		}
	}
	return nil
}

// oliaAlphas computes alpha for every path. B holds the paths with the
// largest l²/rtt, M those with the largest window. Paths in B but not in M
// get a positive alpha paid for by the paths in M.
func oliaAlphas(conns []*Conn) map[*Conn]float64 {
	alphas := make(map[*Conn]float64, len(conns))
	n := float64(len(conns))
	if n == 0 {
		return alphas
	}
	var bestQuality float64
	var maxWindow uint32
	quality := make(map[*Conn]float64, len(conns))
	for _, c := range conns {
		var l float64
		if o := oliaOf(c); o != nil {
			l = o.interLoss()
		}
		q := l * l / rttSeconds(c)
		quality[c] = q
		if q > bestQuality {
			bestQuality = q
		}
		if c.cwnd > maxWindow {
			maxWindow = c.cwnd
		}
	}
	var collected, largest []*Conn
	for _, c := range conns {
		inM := c.cwnd == maxWindow
		if inM {
			largest = append(largest, c)
		}
		if quality[c] == bestQuality && !inM {
			collected = append(collected, c)
		}
	}
	for _, c := range conns {
		alphas[c] = 0
	}
	if len(collected) == 0 {
		return alphas
	}
	for _, c := range collected {
		alphas[c] = 1 / (n * float64(len(collected)))
	}
	for _, c := range largest {
		alphas[c] = -1 / (n * float64(len(largest)))
	}
	return alphas
}
