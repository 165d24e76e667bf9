package mptcp

import (
	"time"

	"github.com/getlantern/mptcp/seqnum"
)

// segmentArrived processes one inbound segment addressed to c.
func (c *Conn) segmentArrived(seg *Segment) {
	log.Tracef("%v: received %v", c, seg)
	opts := parseOptions(seg.Options)
	for _, kind := range opts.malformed {
		log.Debugf("%v: ignoring malformed %v option", c, kind)
	}
	switch c.state {
	case StateListen:
		c.processSegmentInListen(seg, &opts)
	case StateSynSent:
		c.processSegmentInSynSent(seg, &opts)
	case StateInit, StateClosed:
		log.Debugf("%v: dropping segment", c)
	default:
		c.processSegment(seg, &opts)
	}
}

// processSynOptions negotiates MSS, window scaling, SACK and timestamps.
// These options are only valid on a SYN.
func (c *Conn) processSynOptions(opts *parsedOptions) {
	if opts.hasMSS && opts.mss > 0 {
		c.peerMSS = uint32(opts.mss)
		if c.peerMSS < c.mss {
			c.mss = c.peerMSS
		}
	}
	if c.offerWS && opts.hasWS {
		c.sndWndShift = opts.windowShift
	} else {
		c.offerWS = false
		c.sndWndShift = 0
		c.rcvWndShift = 0
		if c.rcvWnd > 0xffff {
			c.rcvWnd = 0xffff
		}
	}
	c.sackEnabled = c.cfg.SACK && opts.sackPermitted
	c.tsEnabled = c.cfg.Timestamps && opts.hasTS
	if opts.hasTS {
		c.tsRecent = opts.tsVal
	}
}

func (c *Conn) processSegmentInListen(seg *Segment, opts *parsedOptions) {
	switch {
	case seg.Flags.Contains(FlagRst):
		return
	case seg.Flags.Contains(FlagAck):
		c.sendRst(seg.Ack)
		return
	case !seg.Flags.Contains(FlagSyn):
		return
	}
	c.irs = seg.Seq
	c.rcvNxt = seg.Seq.Add(1)
	c.rcvAdv = c.rcvNxt
	c.processSynOptions(opts)
	if c.sf != nil {
		if err := c.sf.processSyn(opts); err != nil {
			log.Debugf("%v: refusing SYN: %v", c, err)
			c.sendRstAck(0, c.rcvNxt)
			c.notified = c.sf == nil
			c.performStateTransition(evAbort)
			return
		}
	}
	c.initSendSequence()
	c.cc.initialize()
	c.sndWnd = uint32(seg.Window)
	c.sndWl1 = seg.Seq
	c.performStateTransition(evRcvSyn)
	c.sendSynAck()
	c.startTiming(c.iss)
	c.armTimer(TimerConnEstab, c.cfg.Timers.ConnEstab)
	c.armTimer(TimerSynRexmit, c.cfg.Timers.SynRexmit)
}

func (c *Conn) processSegmentInSynSent(seg *Segment, opts *parsedOptions) {
	if seg.Flags.Contains(FlagAck) {
		if seg.Ack.LessThanEq(c.iss) || seg.Ack.GreaterThan(c.sndMax) {
			if !seg.Flags.Contains(FlagRst) {
				c.sendRst(seg.Ack)
			}
			return
		}
	}
	if seg.Flags.Contains(FlagRst) {
		if seg.Flags.Contains(FlagAck) {
			c.closeErr = ErrConnectionRefused
			c.performStateTransition(evRcvRst)
		}
		return
	}
	if !seg.Flags.Contains(FlagSyn) {
		return
	}
	c.irs = seg.Seq
	c.rcvNxt = seg.Seq.Add(1)
	c.rcvAdv = c.rcvNxt
	c.processSynOptions(opts)
	c.cc.initialize()

	if !seg.Flags.Contains(FlagAck) {
		// simultaneous open
		c.performStateTransition(evRcvSyn)
		c.sendSynAck()
		return
	}
	if c.sf != nil {
		if err := c.sf.processSynAck(opts); err != nil {
			log.Debugf("%v: rejecting SYN/ACK: %v", c, err)
			c.sendRst(seg.Ack)
			c.closeErr = err
			c.performStateTransition(evAbort)
			return
		}
	}
	c.sndUna = seg.Ack
	c.sndWnd = uint32(seg.Window)
	c.sndWl1 = seg.Seq
	c.sndWl2 = seg.Ack
	c.measureRTT(seg, opts)
	// the third ACK has to precede any join the transition opens
	c.sendAck()
	c.performStateTransition(evRcvSynAck)
	if c.state == StateClosed {
		return
	}
	c.resumeSending()
}

// isSegmentAcceptable is the RFC 793 receive window test.
func (c *Conn) isSegmentAcceptable(seg *Segment) bool {
	segLen := seg.logicalLen()
	var rcvWnd seqnum.Size
	if c.rcvNxt.LessThan(c.rcvAdv) {
		rcvWnd = c.rcvNxt.Size(c.rcvAdv)
	}
	if segLen == 0 {
		if rcvWnd == 0 {
			return seg.Seq == c.rcvNxt
		}
		return seg.Seq.InWindow(c.rcvNxt, rcvWnd)
	}
	if rcvWnd == 0 {
		return false
	}
	last := seg.Seq.Add(segLen - 1)
	return seg.Seq.InWindow(c.rcvNxt, rcvWnd) || last.InWindow(c.rcvNxt, rcvWnd)
}

// isAckAcceptable reports whether ack acknowledges something new. After an
// RTO snd_nxt has been pulled back, so snd_max bounds the test instead.
func (c *Conn) isAckAcceptable(ack seqnum.Value) bool {
	upper := c.sndNxt
	if c.afterRto {
		upper = c.sndMax
	}
	return c.sndUna.LessThan(ack) && ack.LessThanEq(upper)
}

// processSegment handles segments in SYN_RCVD and the synchronized states.
func (c *Conn) processSegment(seg *Segment, opts *parsedOptions) {
	if c.state == StateSynRcvd && seg.Flags.Contains(FlagSyn) && !seg.Flags.Contains(FlagAck) && seg.Seq == c.irs {
		// our SYN/ACK got lost
		c.sendSynAck()
		return
	}
	if !c.isSegmentAcceptable(seg) {
		if seg.Flags.Contains(FlagRst) {
			return
		}
		if c.rcvNxt != c.rcvAdv || seg.Seq != c.rcvNxt || !seg.Flags.Contains(FlagAck) {
			log.Tracef("%v: unacceptable segment seq=%d len=%d", c, seg.Seq, len(seg.Payload))
			c.sendAck()
			if c.state == StateTimeWait && seg.Flags.Contains(FlagFin) {
				c.armTimer(Timer2MSL, 2*c.cfg.Timers.MSL)
			}
			return
		}
		// a zero window still takes ACKs
		stripped := *seg
		stripped.Payload = nil
		stripped.Flags &^= FlagFin
		seg = &stripped
	}
	if !seg.Flags.Contains(FlagSyn) && (opts.hasMSS || opts.hasWS || opts.sackPermitted) {
		log.Debugf("%v: ignoring handshake options outside the handshake", c)
	}
	if c.tsEnabled && opts.hasTS && seg.Seq.LessThanEq(c.lastAckSent) {
		c.tsRecent = opts.tsVal
	}

	if seg.Flags.Contains(FlagRst) {
		c.processRst()
		return
	}
	if seg.Flags.Contains(FlagSyn) {
		log.Debugf("%v: unexpected SYN", c)
		c.sendRst(c.sndNxt)
		c.closeErr = ErrConnectionReset
		c.rcvq.clear()
		c.performStateTransition(evRcvUnexpSyn)
		return
	}
	if !seg.Flags.Contains(FlagAck) {
		return
	}

	if c.state == StateSynRcvd {
		if !c.isAckAcceptable(seg.Ack) {
			c.sendRst(seg.Ack)
			return
		}
		if c.sf != nil {
			if err := c.sf.processHandshakeAck(opts); err != nil {
				log.Debugf("%v: rejecting handshake ACK: %v", c, err)
				c.sendRst(seg.Ack)
				c.closeErr = err
				c.performStateTransition(evAbort)
				return
			}
		}
		c.sndWnd = uint32(seg.Window) << c.sndWndShift
		c.sndWl1 = seg.Seq
		c.sndWl2 = seg.Ack
		c.performStateTransition(evRcvAck)
		if c.state == StateClosed {
			return
		}
	}

	if !c.processAck(seg, opts) {
		return
	}

	var dsn uint64
	var mapped bool
	if c.sf != nil {
		dsn, mapped = c.sf.processDSS(seg, opts)
		if c.state == StateClosed {
			return
		}
	}

	switch c.state {
	case StateClosing:
		if c.finAcked() {
			c.performStateTransition(evRcvAck)
		}
		return
	case StateLastAck:
		if c.finAcked() {
			c.closeErr = nil
			c.performStateTransition(evRcvAck)
		}
		return
	case StateTimeWait:
		if seg.Flags.Contains(FlagFin) {
			c.sendAck()
			c.armTimer(Timer2MSL, 2*c.cfg.Timers.MSL)
		}
		return
	}

	finInOrder := c.processSegmentText(seg, dsn, mapped)
	if c.state == StateClosed {
		return
	}
	if finInOrder && !c.finRcvd {
		c.finRcvd = true
		c.rcvNxt = c.rcvNxt.Add(1)
		c.sendAck()
		switch c.state {
		case StateSynRcvd, StateEstablished:
			c.performStateTransition(evRcvFin)
		case StateFinWait1:
			if c.finAcked() {
				c.performStateTransition(evRcvFinAck)
			} else {
				c.performStateTransition(evRcvFin)
			}
		case StateFinWait2:
			c.performStateTransition(evRcvFin)
		}
	}
	if c.state == StateFinWait1 && c.finAcked() {
		c.performStateTransition(evRcvAck)
	}
	if c.state != StateClosed {
		c.resumeSending()
	}
}

func (c *Conn) processRst() {
	switch c.state {
	case StateSynRcvd:
		if c.active {
			c.closeErr = ErrConnectionRefused
		}
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		c.closeErr = ErrConnectionReset
	default:
		c.closeErr = nil
	}
	log.Debugf("%v: reset by peer", c)
	c.rcvq.clear()
	c.performStateTransition(evRcvRst)
}

// processAck handles the acknowledgement field. It returns false when the
// segment must be dropped.
func (c *Conn) processAck(seg *Segment, opts *parsedOptions) bool {
	ack := seg.Ack
	if ack.GreaterThan(c.sndUna) && !c.isAckAcceptable(ack) {
		log.Tracef("%v: ack %d beyond anything sent", c, ack)
		c.sendAck()
		return false
	}
	if c.sackEnabled && len(opts.sackBlocks) > 0 {
		c.processSackBlocks(opts.sackBlocks)
	}

	if ack.LessThanEq(c.sndUna) {
		if ack == c.sndUna && len(seg.Payload) == 0 && !seg.Flags.Intersects(FlagSyn|FlagFin) &&
			c.sndUna != c.sndMax && uint32(seg.Window)<<c.sndWndShift == c.sndWnd {
			c.dupacks++
			log.Tracef("%v: duplicate ack #%d", c, c.dupacks)
			c.cc.receivedDuplicateAck()
		}
		c.updateSendWindow(seg)
		return true
	}

	acked := c.ackedDataBytes(ack)
	c.sndq.discardUpTo(ack)
	if c.sackEnabled {
		if err := c.rexmitq.discardUpTo(seqnum.Min(ack, c.rexmitq.end)); err != nil {
			log.Errorf("%v: %v", c, err)
		}
	}
	c.sndUna = ack
	if c.sndNxt.LessThan(c.sndUna) {
		c.sndNxt = c.sndUna
	}
	c.dupacks = 0
	c.rexmitCnt = 0
	c.measureRTT(seg, opts)
	c.updateSendWindow(seg)
	if !c.cc.inRecovery() {
		if c.sndUna == c.sndMax {
			c.cancelTimer(TimerRexmit)
		} else {
			c.restartRexmitTimer()
		}
	}
	if acked > 0 {
		c.cc.receivedDataAck(acked)
	}
	if c.sf != nil {
		c.sf.acked(acked)
	}
	return true
}

// ackedDataBytes counts the payload bytes, not SYN or FIN, that ack
// acknowledges for the first time.
func (c *Conn) ackedDataBytes(ack seqnum.Value) uint32 {
	from := seqnum.Max(c.sndUna, c.sndq.begin)
	to := seqnum.Min(ack, c.sndq.end())
	if !from.LessThan(to) {
		return 0
	}
	return uint32(from.Size(to))
}

func (c *Conn) processSackBlocks(blocks []sackBlock) {
	for _, b := range blocks {
		if !b.Start.LessThan(b.End) || b.Start.LessThan(c.sndUna) || b.End.GreaterThan(c.sndMax) {
			log.Tracef("%v: ignoring SACK block [%d,%d)", c, b.Start, b.End)
			continue
		}
		c.rexmitq.setSackedBit(b.Start, b.End)
	}
}

func (c *Conn) updateSendWindow(seg *Segment) {
	if c.sndWl1.LessThan(seg.Seq) || c.sndWl1 == seg.Seq && c.sndWl2.LessThanEq(seg.Ack) {
		c.sndWnd = uint32(seg.Window) << c.sndWndShift
		c.sndWl1 = seg.Seq
		c.sndWl2 = seg.Ack
		if c.sndWnd > c.maxSndWnd {
			c.maxSndWnd = c.sndWnd
		}
		if c.sndWnd > 0 {
			c.cancelTimer(TimerPersist)
			c.persistBackoff = 0
		}
	}
}

func (c *Conn) finAcked() bool {
	return c.finQueued && c.sndUna.GreaterThan(c.sndFinSeq)
}

func (c *Conn) startTiming(seq seqnum.Value) {
	c.timing = true
	c.rtseq = seq
	c.rtseqAt = c.stack.env.Now()
}

// measureRTT takes an RTT sample from the echoed timestamp or, without
// timestamps, from the timed segment if ack covers it.
func (c *Conn) measureRTT(seg *Segment, opts *parsedOptions) {
	if c.tsEnabled && opts.hasTS && opts.tsEcr != 0 {
		c.sampleRTT(c.stack.sinceTicks(opts.tsEcr))
		c.timing = false
		return
	}
	if c.timing && c.rtseq.LessThan(seg.Ack) {
		c.sampleRTT(c.stack.env.Now().Sub(c.rtseqAt))
		c.timing = false
	}
}

func (c *Conn) sampleRTT(d time.Duration) {
	c.rtt.sample(d)
	c.stack.tracker.UpdateRTT(c.path, d)
	log.Tracef("%v: rtt sample %v, srtt %v, rto %v", c, d, c.rtt.smoothed(), c.rtt.current())
}

// processSegmentText handles the payload and FIN of an acceptable segment.
// It reports whether the stream is now complete up to an in-order FIN.
func (c *Conn) processSegmentText(seg *Segment, dsn uint64, mapped bool) bool {
	payload := seg.Payload
	seq := seg.Seq
	fin := seg.Flags.Contains(FlagFin)
	if !c.state.canReceiveData() {
		return false
	}

	if seq.LessThan(c.rcvNxt) {
		off := seq.Size(c.rcvNxt)
		if int(off) >= len(payload) {
			if int(off) > len(payload) {
				// a FIN we processed already
				fin = false
			}
			payload = nil
		} else {
			payload = payload[off:]
		}
		seq = c.rcvNxt
		dsn += uint64(off)
	}
	if end := seq.Add(seqnum.Size(len(payload))); c.rcvAdv.LessThan(end) {
		if c.rcvAdv.LessThanEq(seq) {
			payload = nil
		} else {
			payload = payload[:seq.Size(c.rcvAdv)]
		}
		fin = false
	}
	if len(payload) == 0 && !fin {
		return false
	}

	if seq != c.rcvNxt {
		c.rcvq.insert(seq, payload, dsn, mapped, fin)
		// duplicate ACK, carrying SACK information
		c.sendAck()
		return false
	}

	filledHole := !c.rcvq.empty()
	if len(payload) > 0 {
		c.rcvNxt = c.rcvNxt.Add(seqnum.Size(len(payload)))
		c.deliver(payload, dsn, mapped)
	}
	for !fin && c.state != StateClosed {
		s, ok := c.rcvq.pop(c.rcvNxt)
		if !ok {
			break
		}
		if len(s.data) > 0 {
			c.rcvNxt = c.rcvNxt.Add(seqnum.Size(len(s.data)))
			c.deliver(s.data, s.dsn, s.mapped)
		}
		fin = s.fin
		c.rcvq.release(s)
	}
	if c.state == StateClosed {
		return false
	}

	switch {
	case fin:
		// acknowledged together with the FIN
	case filledHole || !c.cfg.DelayedAck || c.ackPending >= 1:
		c.sendAck()
	default:
		c.ackPending++
		if !c.timerArmed(TimerDelayedAck) {
			c.armTimer(TimerDelayedAck, c.cfg.Timers.DelayedAck)
		}
	}
	return fin
}

// resumeSending transmits whatever an inbound segment made possible.
func (c *Conn) resumeSending() {
	if c.sf != nil {
		c.sf.flow.sendData()
		return
	}
	c.output()
}
