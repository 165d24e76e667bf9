package mptcp

import (
	"fmt"

	"github.com/getlantern/mptcp/config"
)

// dupAckThreshold is the number of duplicate ACKs that triggers fast
// retransmit.
const dupAckThreshold = 3

// congestionControl is the algorithm a connection consults on every
// acknowledgement and retransmission timeout. It is selected when the
// connection is created and owns the fast recovery state; cwnd and ssthresh
// live on the Conn so that flow level algorithms can read every subflow.
type congestionControl interface {
	// initialize sets the initial window once the MSS is known.
	initialize()

	// receivedDataAck is invoked after snd_una moved forward by acked bytes.
	receivedDataAck(acked uint32)

	// receivedDuplicateAck is invoked for every duplicate ACK, after the
	// connection incremented its duplicate ACK counter.
	receivedDuplicateAck()

	// processRexmitTimer is invoked when the retransmission timer expires.
	processRexmitTimer()

	// inRecovery reports whether fast recovery is in progress.
	inRecovery() bool

	name() string
}

// increaseRule is the congestion avoidance increase of an algorithm. The
// multipath variants couple the increase of one subflow to the state of all
// subflows of its flow and replace only this rule.
type increaseRule interface {
	name() string

	// increase is the growth of cwnd, in bytes and possibly fractional or
	// negative, for an ACK acknowledging acked bytes during congestion
	// avoidance.
	increase(c *Conn, acked uint32) float64

	// acked and lost keep whatever per subflow history the rule needs.
	acked(c *Conn, acked uint32)
	lost(c *Conn)
}

func newCongestionControl(c *Conn, name string) (congestionControl, error) {
	var rule increaseRule
	switch name {
	case config.NewReno, "":
		rule = renoIncrease{}
	case config.LIA:
		rule = &liaIncrease{}
	case config.OLIA:
		rule = &oliaIncrease{}
	default:
		return nil, fmt.Errorf("unknown congestion control %q", name)
	}
	return &newReno{c: c, rule: rule}, nil
}

// renoIncrease grows cwnd by about one MSS per round trip.
type renoIncrease struct{}

func (renoIncrease) name() string { return config.NewReno }

func (renoIncrease) increase(c *Conn, acked uint32) float64 {
	incr := c.mss * c.mss / c.cwnd
	if incr == 0 {
		incr = 1
	}
	return float64(incr)
}

func (renoIncrease) acked(*Conn, uint32) {}
func (renoIncrease) lost(*Conn)          {}
