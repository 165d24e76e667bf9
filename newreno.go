package mptcp

import (
	"github.com/getlantern/mptcp/seqnum"
)

// newReno implements slow start, congestion avoidance, fast retransmit and
// the NewReno modification to fast recovery (RFC 6582). It holds a back
// reference to its connection; the connection owns it exclusively.
type newReno struct {
	c    *Conn
	rule increaseRule

	lossRecovery    bool
	firstPartialAck bool
	recover         seqnum.Value
	recoverSet      bool
}

func (r *newReno) name() string {
	return r.rule.name()
}

func (r *newReno) initialize() {
	c := r.c
	c.cwnd = 2 * c.mss
	if c.cwnd < 4380 {
		c.cwnd = 4380
	}
	c.ssthresh = c.rcvWnd
	if c.ssthresh == 0 {
		c.ssthresh = 65535
	}
}

func (r *newReno) inRecovery() bool {
	return r.lossRecovery
}

// recalculateSlowStartThreshold halves the amount of data the connection
// could have in flight.
func (r *newReno) recalculateSlowStartThreshold() {
	c := r.c
	flight := c.cwnd
	if c.sndWnd < flight {
		flight = c.sndWnd
	}
	c.ssthresh = flight / 2
	if floor := 2 * c.mss; c.ssthresh < floor {
		c.ssthresh = floor
	}
}

func (r *newReno) receivedDataAck(acked uint32) {
	c := r.c
	if r.lossRecovery {
		if c.sndUna.GreaterThanEq(r.recover) {
			// full ACK: deflate to what the network can hold now
			flight := uint32(c.sndUna.Size(c.sndMax))
			c.cwnd = c.ssthresh
			if w := flight + c.mss; w < c.cwnd {
				c.cwnd = w
			}
			r.lossRecovery = false
			log.Debugf("%v: leaving fast recovery, cwnd=%d ssthresh=%d", c, c.cwnd, c.ssthresh)
			if c.sndUna == c.sndMax {
				c.cancelTimer(TimerRexmit)
			} else {
				c.restartRexmitTimer()
			}
			return
		}
		// partial ACK: the segment after the one just repaired was lost too
		c.retransmitOneSegment(false)
		if c.cwnd > acked {
			c.cwnd -= acked
		} else {
			c.cwnd = 0
		}
		c.cwnd += c.mss
		if r.firstPartialAck {
			r.firstPartialAck = false
			c.restartRexmitTimer()
		}
		return
	}

	if c.cwnd < c.ssthresh {
		c.cwnd += c.mss
	} else {
		c.caAcc += r.rule.increase(c, acked)
		whole := int64(c.caAcc)
		c.caAcc -= float64(whole)
		cwnd := int64(c.cwnd) + whole
		if cwnd < int64(c.mss) {
			cwnd = int64(c.mss)
		}
		c.cwnd = uint32(cwnd)
	}
	r.rule.acked(c, acked)
}

func (r *newReno) receivedDuplicateAck() {
	c := r.c
	switch {
	case c.dupacks == dupAckThreshold:
		if r.lossRecovery || r.recoverSet && c.sndUna.LessThan(r.recover) {
			// the loss that caused these duplicates was already handled
			return
		}
		r.rule.lost(c)
		r.recalculateSlowStartThreshold()
		r.recover = c.sndNxt
		r.recoverSet = true
		r.lossRecovery = true
		r.firstPartialAck = true
		c.cwnd = c.ssthresh + dupAckThreshold*c.mss
		log.Debugf("%v: fast retransmit, cwnd=%d ssthresh=%d recover=%d", c, c.cwnd, c.ssthresh, r.recover)
		c.retransmitOneSegment(false)
		c.restartRexmitTimer()
	case c.dupacks > dupAckThreshold && r.lossRecovery:
		// every further duplicate is a segment that left the network
		c.cwnd += c.mss
		c.output()
	}
}

func (r *newReno) processRexmitTimer() {
	c := r.c
	r.rule.lost(c)
	r.recover = c.sndMax
	r.recoverSet = true
	r.lossRecovery = false
	r.recalculateSlowStartThreshold()
	c.cwnd = c.mss
	c.afterRto = true
	log.Debugf("%v: retransmission timeout, cwnd=%d ssthresh=%d", c, c.cwnd, c.ssthresh)
	c.retransmitOneSegment(true)
}
