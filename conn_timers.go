package mptcp

import (
	"time"

	"github.com/getlantern/mptcp/seqnum"
)

const maxPersistDelay = 60 * time.Second

// armTimer (re)starts a timer. Any earlier instance of the same kind is
// invalidated by the new token.
func (c *Conn) armTimer(kind TimerKind, delay time.Duration) {
	c.cancelTimer(kind)
	token := c.stack.nextTimerToken()
	c.timers[kind] = token
	c.stack.env.ScheduleTimer(delay, TimerEvent{Conn: c.id, Kind: kind, Token: token})
}

func (c *Conn) cancelTimer(kind TimerKind) {
	token := c.timers[kind]
	if token == 0 {
		return
	}
	c.timers[kind] = 0
	if tc, ok := c.stack.env.(TimerCanceler); ok {
		tc.CancelTimer(TimerEvent{Conn: c.id, Kind: kind, Token: token})
	}
}

func (c *Conn) timerArmed(kind TimerKind) bool {
	return c.timers[kind] != 0
}

func (c *Conn) restartRexmitTimer() {
	c.armTimer(TimerRexmit, c.rtt.current())
}

// timerFired dispatches an expired timer. Stale tokens have already been
// filtered by the stack.
func (c *Conn) timerFired(kind TimerKind) {
	c.timers[kind] = 0
	log.Tracef("%v: %v timer fired", c, kind)
	switch kind {
	case TimerConnEstab:
		c.processTimerConnEstab()
	case TimerSynRexmit:
		c.processTimerSynRexmit()
	case TimerRexmit:
		c.processTimerRexmit()
	case TimerPersist:
		c.processTimerPersist()
	case TimerDelayedAck:
		c.sendAck()
	case Timer2MSL:
		c.performStateTransition(evTimeout2MSL)
	case TimerFinWait2:
		c.performStateTransition(evTimeoutFinWait2)
	}
}

func (c *Conn) processTimerConnEstab() {
	switch c.state {
	case StateSynSent:
		c.closeErr = ErrTimedOut
	case StateSynRcvd:
		if c.active {
			c.closeErr = ErrTimedOut
		}
	default:
		return
	}
	c.performStateTransition(evTimeoutConnEstab)
}

// processTimerSynRexmit resends the SYN or SYN/ACK with a doubled delay. The
// connection establishment timer bounds the attempts.
func (c *Conn) processTimerSynRexmit() {
	c.synRexmits++
	switch c.state {
	case StateSynSent:
		c.sendSyn()
	case StateSynRcvd:
		c.sendSynAck()
	default:
		return
	}
	delay := c.cfg.Timers.SynRexmit << c.synRexmits
	if delay > c.cfg.Timers.MaxRTO || delay <= 0 {
		delay = c.cfg.Timers.MaxRTO
	}
	c.armTimer(TimerSynRexmit, delay)
}

func (c *Conn) processTimerRexmit() {
	if c.sndUna == c.sndMax {
		return
	}
	c.rexmitCnt++
	if c.rexmitCnt > c.cfg.Timers.MaxRexmitCount {
		log.Debugf("%v: giving up after %d retransmissions", c, c.rexmitCnt-1)
		c.abort(ErrTimedOut)
		return
	}
	c.rtt.backOff()
	c.timing = false
	if c.sackEnabled {
		// the receiver may have discarded what it sacked
		c.rexmitq.resetSackedBit()
		c.rexmitq.resetRexmittedBit()
	}
	c.cc.processRexmitTimer()
	c.restartRexmitTimer()
	if c.sf != nil {
		c.sf.rexmitTimeout()
	}
}

// processTimerPersist probes a zero window with one byte beyond it.
func (c *Conn) processTimerPersist() {
	if c.sndWnd > 0 || !c.state.canSendData() {
		c.persistBackoff = 0
		return
	}
	if c.sndq.bytesAvailable(c.sndUna) > 0 {
		// the probe always carries the first unacknowledged byte
		log.Tracef("%v: zero window probe", c)
		saved := c.sndNxt
		c.sndNxt = c.sndUna
		c.sendSegment(1)
		c.sndNxt = seqnum.Max(saved, c.sndNxt)
		c.sndMax = seqnum.Max(c.sndMax, c.sndNxt)
	}
	c.persistBackoff++
	c.armPersistTimer()
}

func (c *Conn) armPersistTimer() {
	delay := c.cfg.Timers.Persist
	for i := uint(0); i < c.persistBackoff && delay < maxPersistDelay; i++ {
		delay *= 2
	}
	if delay > maxPersistDelay {
		delay = maxPersistDelay
	}
	c.armTimer(TimerPersist, delay)
}
