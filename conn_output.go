package mptcp

import (
	"github.com/getlantern/mptcp/seqnum"
)

// synOptions are the options of a SYN or SYN/ACK. On a SYN/ACK only what
// the peer offered is echoed.
func (c *Conn) synOptions(synAck bool) []Option {
	opts := []Option{mssOption(uint16(c.cfg.MSS))}
	if c.offerWS {
		opts = append(opts, windowScaleOption(c.rcvWndShift))
	}
	if c.cfg.SACK && (!synAck || c.sackEnabled) {
		opts = append(opts, sackPermittedOption())
	}
	if c.cfg.Timestamps && (!synAck || c.tsEnabled) {
		opts = append(opts, timestampsOption(c.stack.tsNow(), c.tsRecent))
	}
	if c.sf != nil {
		if synAck {
			opts = append(opts, c.sf.synAckOption())
		} else {
			opts = append(opts, c.sf.synOption())
		}
	}
	return opts
}

// segmentOptions are the options of a segment in a synchronized state.
// SACK blocks take whatever space is left.
func (c *Conn) segmentOptions(dss *dssOption) []Option {
	var opts []Option
	if c.tsEnabled {
		opts = append(opts, timestampsOption(c.stack.tsNow(), c.tsRecent))
	}
	if c.sf != nil {
		if o, ok := c.sf.outgoingOption(dss); ok {
			opts = append(opts, o)
		}
	}
	if c.sackEnabled && !c.rcvq.empty() {
		used := 0
		for _, o := range opts {
			used += o.Len()
		}
		if blocks := c.rcvq.sackBlocks(c.rcvNxt, maxSACKBlocks(MaxOptionsLen-used)); len(blocks) > 0 {
			opts = append(opts, sackOption(blocks))
		}
	}
	return opts
}

// maxPayload is the payload of a full segment: the MSS less the options
// every data segment carries.
func (c *Conn) maxPayload() uint32 {
	n := 0
	if c.tsEnabled {
		n += timestampsOptionLen
	}
	if c.sf != nil && !c.sf.flow.fallback {
		n += dssMaxOptionLen
	}
	n = (n + 3) &^ 3
	if uint32(n) >= c.mss {
		return 1
	}
	return c.mss - uint32(n)
}

func (c *Conn) synWindow() uint16 {
	if c.rcvWnd > 0xffff {
		return 0xffff
	}
	return uint16(c.rcvWnd)
}

func (c *Conn) sendSyn() {
	seg := &Segment{
		Seq:     c.iss,
		Flags:   FlagSyn,
		Window:  c.synWindow(),
		Options: c.synOptions(false),
	}
	c.sndNxt = c.iss.Add(1)
	c.sndMax = seqnum.Max(c.sndMax, c.sndNxt)
	c.sendToIP(seg)
}

func (c *Conn) sendSynAck() {
	seg := &Segment{
		Seq:     c.iss,
		Ack:     c.rcvNxt,
		Flags:   FlagSyn | FlagAck,
		Window:  c.synWindow(),
		Options: c.synOptions(true),
	}
	c.rcvAdv = c.rcvNxt.Add(seqnum.Size(seg.Window))
	c.sndNxt = c.iss.Add(1)
	c.sndMax = seqnum.Max(c.sndMax, c.sndNxt)
	c.sendToIP(seg)
}

// sendAck sends a pure acknowledgement.
func (c *Conn) sendAck() {
	seg := &Segment{
		Seq:   c.sndNxt,
		Ack:   c.rcvNxt,
		Flags: FlagAck,
	}
	var dss *dssOption
	if c.sf != nil {
		dss = c.sf.dss(c.sndNxt, 0, false)
	}
	seg.Options = c.segmentOptions(dss)
	seg.Window = c.updateRcvWnd()
	c.sendToIP(seg)
}

func (c *Conn) sendRst(seq seqnum.Value) {
	c.sendToIP(&Segment{Seq: seq, Flags: FlagRst})
}

func (c *Conn) sendRstAck(seq, ack seqnum.Value) {
	c.sendToIP(&Segment{Seq: seq, Ack: ack, Flags: FlagRst | FlagAck})
}

func (c *Conn) sendToIP(seg *Segment) {
	seg.SrcPort = c.path.Local.Port()
	seg.DstPort = c.path.Remote.Port()
	if seg.Flags.Contains(FlagAck) {
		c.lastAckSent = seg.Ack
		c.ackPending = 0
		c.cancelTimer(TimerDelayedAck)
	}
	c.stack.tracker.OnSent(c.path, uint64(len(seg.Payload)))
	log.Tracef("%v: sending %v", c, seg)
	c.stack.env.SendSegment(seg, c.path)
}

// sendSegment sends one segment with up to bytes of payload from snd_nxt.
// Options and payload together never exceed the MSS. It returns the payload
// length actually sent.
func (c *Conn) sendSegment(bytes uint32) uint32 {
	if c.afterRto && c.sackEnabled {
		// skip what the receiver has or what went out again already
		if skip := c.rexmitq.checkSackedOrRexmitted(c.sndNxt); skip > 0 {
			c.sndNxt = c.sndNxt.Add(seqnum.Size(skip))
			log.Tracef("%v: skipping %d sacked or retransmitted bytes", c, skip)
		}
	}
	if avail := c.sndq.bytesAvailable(c.sndNxt); bytes > avail {
		bytes = avail
	}
	if c.sf != nil && bytes > 0 {
		if m, ok := c.sndq.mappingAt(c.sndNxt); ok {
			if rest := uint32(c.sndNxt.Size(m.end())); bytes > rest {
				bytes = rest
			}
		}
	}
	fin := c.finQueued && c.sndNxt.Add(seqnum.Size(bytes)) == c.sndFinSeq

	var dss *dssOption
	if c.sf != nil {
		dss = c.sf.dss(c.sndNxt, bytes, fin)
	}
	opts := c.segmentOptions(dss)
	if room := c.mss - uint32(optionsLen(opts)); bytes > room {
		bytes = room
		fin = false
		if c.sf != nil {
			dss = c.sf.dss(c.sndNxt, bytes, false)
		}
		opts = c.segmentOptions(dss)
	}
	if bytes == 0 && !fin {
		return 0
	}

	seg := &Segment{
		Seq:     c.sndNxt,
		Ack:     c.rcvNxt,
		Flags:   FlagAck,
		Options: opts,
		Payload: c.sndq.data(c.sndNxt, bytes),
	}
	seg.Window = c.updateRcvWnd()
	end := c.sndNxt.Add(seqnum.Size(bytes))
	if bytes > 0 && end == c.sndq.end() {
		seg.Flags |= FlagPsh
	}
	if fin {
		seg.Flags |= FlagFin
	}

	if c.sackEnabled && bytes > 0 {
		if err := c.rexmitq.enqueueSentData(c.sndNxt, end); err != nil {
			log.Errorf("%v: %v", c, err)
		}
	}
	if c.sndNxt.LessThan(c.sndMax) {
		c.stack.tracker.OnRetransmit(c.path, uint64(bytes))
		if c.timing && c.rtseq.InRange(c.sndNxt, end) {
			// Karn: never time a retransmitted segment
			c.timing = false
		}
	} else if !c.timing && bytes > 0 {
		c.timing = true
		c.rtseq = c.sndNxt
		c.rtseqAt = c.stack.env.Now()
	}

	c.sndNxt = end
	if fin {
		c.sndNxt = c.sndNxt.Add(1)
	}
	if c.afterRto && c.sndNxt.GreaterThanEq(c.sndMax) {
		c.afterRto = false
	}
	c.sndMax = seqnum.Max(c.sndMax, c.sndNxt)
	c.sendToIP(seg)
	return bytes
}

// sendData sends as much queued data as the effective window
// min(snd_wnd, congestionWindow) - (snd_nxt - snd_una) allows, in full
// segments plus one final partial segment if that exhausts the queue. It
// reports false when the window did not allow sending anything.
func (c *Conn) sendData(fullSegmentsOnly bool, congestionWindow uint32) bool {
	maxWindow := c.sndWnd
	if congestionWindow < maxWindow {
		maxWindow = congestionWindow
	}
	maxPayload := c.maxPayload()
	peerMax := c.maxSndWnd
	if c.sndWnd > peerMax {
		peerMax = c.sndWnd
	}
	sent := false
	for {
		flight := uint32(c.sndUna.Size(c.sndNxt))
		if maxWindow <= flight {
			break
		}
		avail := c.sndq.bytesAvailable(c.sndNxt)
		if avail == 0 {
			break
		}
		n := maxWindow - flight
		if avail < n {
			n = avail
		}
		if n >= maxPayload {
			n = maxPayload
		} else if fullSegmentsOnly || n < avail && n < peerMax/2 {
			// a partial segment only goes out if it empties the queue or
			// fills half of the largest window the peer offered (RFC 1122)
			break
		}
		if c.sendSegment(n) == 0 {
			break
		}
		sent = true
	}
	if sent && !c.timerArmed(TimerRexmit) {
		c.restartRexmitTimer()
	}
	return sent
}

// output sends whatever the state, windows and Nagle allow, then the FIN
// once the queue is drained.
func (c *Conn) output() {
	if !c.state.canSendData() {
		return
	}
	fullSegmentsOnly := c.cfg.Nagle && c.sndUna != c.sndMax
	c.sendData(fullSegmentsOnly, c.cwnd)
	if c.finQueued && c.sndNxt == c.sndFinSeq {
		c.sendSegment(0)
	}
	if c.sndWnd == 0 && c.sndq.bytesAvailable(c.sndNxt) > 0 && c.sndUna == c.sndMax {
		if !c.timerArmed(TimerPersist) {
			c.armPersistTimer()
		}
	}
	if c.sndUna != c.sndMax && !c.timerArmed(TimerRexmit) {
		c.restartRexmitTimer()
	}
}

// retransmitOneSegment resends the oldest unacknowledged segment. With SACK
// it stops short of the first range the receiver already holds. snd_nxt is
// restored afterwards unless called at RTO, where sending resumes from
// snd_una.
func (c *Conn) retransmitOneSegment(calledAtRTO bool) {
	saved := c.sndNxt
	c.sndNxt = c.sndUna
	bytes := c.maxPayload()
	if avail := c.sndq.bytesAvailable(c.sndNxt); bytes > avail {
		bytes = avail
	}
	if outstanding := uint32(c.sndNxt.Size(c.sndMax)); bytes > outstanding {
		bytes = outstanding
	}
	if c.sackEnabled {
		if first, ok := c.rexmitq.firstSackedAfter(c.sndNxt); ok {
			if limit := uint32(c.sndNxt.Size(first)); bytes > limit {
				bytes = limit
			}
		}
	}
	finOnly := c.finQueued && c.sndNxt == c.sndFinSeq
	if bytes > 0 || finOnly {
		log.Tracef("%v: retransmitting %d bytes from %d", c, bytes, c.sndNxt)
		c.sendSegment(bytes)
	}
	if !calledAtRTO {
		c.sndNxt = seqnum.Max(saved, c.sndNxt)
	}
}

// updateRcvWnd computes the window to advertise and returns it as the
// header field, scaled down by the negotiated shift. It avoids silly window
// syndrome and never shrinks a window already promised.
func (c *Conn) updateRcvWnd() uint16 {
	bufSize := uint32(c.cfg.RcvBuffer)
	used := uint32(c.bufferedRcvBytes())
	var win uint32
	if used < bufSize {
		win = bufSize - used
	}
	if win < bufSize/4 && win < c.mss {
		win = 0
	}
	if c.rcvNxt.LessThan(c.rcvAdv) {
		if promised := uint32(c.rcvNxt.Size(c.rcvAdv)); win < promised {
			win = promised
		}
	}
	if limit := uint32(0xffff) << c.rcvWndShift; win > limit {
		win = limit
	}
	field := win >> c.rcvWndShift
	c.rcvWnd = field << c.rcvWndShift
	if adv := c.rcvNxt.Add(seqnum.Size(c.rcvWnd)); c.rcvAdv.LessThan(adv) {
		c.rcvAdv = adv
	}
	return uint16(field)
}
