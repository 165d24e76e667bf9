package mptcp

import (
	"errors"
	"fmt"
	"time"

	"github.com/getlantern/mptcp/config"
	"github.com/getlantern/mptcp/seqnum"
)

// Conn is one TCP connection. It is either used directly by the application
// as a single path Socket, or owned by a Flow as one of its subflows, in
// which case sf is set and the application never sees it.
//
// Send side cursors, all in the connection's own sequence space:
//
//	         sndUna        sndNxt           sndMax      sndq.end()
//	 --------+-------------+----------------+-----------+---------
//	  acked  |  in flight  | sent, rolled   |  not sent |
//	         |             | back after RTO |           |
//	 --------+-------------+----------------+-----------+---------
type Conn struct {
	stack  *Stack
	cfg    *config.Config
	id     ConnID
	path   Path
	state  State
	active bool

	// forked is set on connections created by a listener for an incoming
	// SYN. They are discarded instead of going back to LISTEN.
	forked  bool
	accept  func(Socket) Handler
	handler Handler
	sf      *subflow

	establishedNotified bool
	notified            bool
	closeErr            error
	portAllocated       bool

	// send side
	iss        seqnum.Value
	sndUna     seqnum.Value
	sndNxt     seqnum.Value
	sndMax     seqnum.Value
	sndWnd     uint32
	sndWl1     seqnum.Value
	sndWl2     seqnum.Value
	maxSndWnd  uint32
	finQueued  bool
	sndFinSeq  seqnum.Value
	sndq       sendQueue
	rexmitq    sackQueue
	dupacks    int
	afterRto   bool
	rexmitCnt  int
	synRexmits int

	// receive side
	irs         seqnum.Value
	rcvNxt      seqnum.Value
	rcvAdv      seqnum.Value
	rcvWnd      uint32
	rcvq        rcvQueue
	finRcvd     bool
	lastAckSent seqnum.Value
	ackPending  int

	// negotiated options
	mss         uint32
	peerMSS     uint32
	sackEnabled bool
	tsEnabled   bool
	tsRecent    uint32
	sndWndShift uint8
	rcvWndShift uint8
	offerWS     bool

	// congestion control
	cc       congestionControl
	cwnd     uint32
	ssthresh uint32
	caAcc    float64
	rtt      rttEstimator
	rtseq    seqnum.Value
	rtseqAt  time.Time
	timing   bool

	persistBackoff uint
	timers         [numTimers]uint64
}

func newConn(s *Stack, path Path, active bool) (*Conn, error) {
	cfg := s.cfg
	c := &Conn{
		stack:  s,
		cfg:    cfg,
		path:   path,
		active: active,
		mss:    uint32(cfg.MSS),
		rtt:    newRTTEstimator(cfg.Timers.InitialRTO, cfg.Timers.MinRTO, cfg.Timers.MaxRTO),
	}
	cc, err := newCongestionControl(c, cfg.CongestionControl)
	if err != nil {
		return nil, err
	}
	c.cc = cc
	c.rcvWnd = uint32(cfg.RcvBuffer)
	if cfg.WindowScaling {
		c.offerWS = true
		for c.rcvWndShift < maxWindowShift && c.rcvWnd>>c.rcvWndShift > 0xffff {
			c.rcvWndShift++
		}
	} else if c.rcvWnd > 0xffff {
		c.rcvWnd = 0xffff
	}
	c.id = s.conns.insert(c)
	s.demux[path] = c.id
	return c, nil
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn(%v %v %v)", c.id, c.path, c.state)
}

// ID is the handle the connection is registered under in its Stack.
func (c *Conn) ID() ConnID {
	return c.id
}

func (c *Conn) State() State {
	return c.state
}

// initSendSequence picks the initial send sequence number.
func (c *Conn) initSendSequence() {
	c.iss = c.stack.newISS()
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.sndMax = c.iss
	c.sndq.init(c.iss.Add(1))
	c.rexmitq.init(c.iss.Add(1))
}

// connect is OPEN_ACTIVE: send a SYN and wait for the handshake.
func (c *Conn) connect() {
	c.initSendSequence()
	c.performStateTransition(evOpenActive)
	c.cc.initialize()
	c.sendSyn()
	c.armTimer(TimerConnEstab, c.cfg.Timers.ConnEstab)
	c.armTimer(TimerSynRexmit, c.cfg.Timers.SynRexmit)
}

// Send implements Socket.
func (c *Conn) Send(b []byte) error {
	if c.sf != nil {
		return fmt.Errorf("%w: subflows are written through their flow", ErrInvalidState)
	}
	switch c.state {
	case StateSynSent, StateSynRcvd, StateEstablished, StateCloseWait:
	default:
		return ErrClosed
	}
	if c.finQueued {
		return ErrClosed
	}
	if c.sndq.len()+len(b) > c.cfg.SndBuffer {
		return ErrBufferFull
	}
	c.sndq.enqueue(b)
	if c.state.canSendData() {
		c.output()
	}
	return nil
}

// enqueueMapped queues bytes of the flow carrying data sequence numbers
// starting at dsn.
func (c *Conn) enqueueMapped(b []byte, dsn uint64) {
	c.sndq.enqueueMapped(b, dsn)
}

// Close implements Socket. Queued data is still sent, followed by a FIN.
func (c *Conn) Close() error {
	switch c.state {
	case StateListen, StateSynSent:
		c.performStateTransition(evClose)
		return nil
	case StateSynRcvd, StateEstablished, StateCloseWait:
		c.finQueued = true
		c.sndFinSeq = c.sndq.end()
		c.performStateTransition(evClose)
		c.output()
		return nil
	default:
		return ErrClosed
	}
}

// Abort implements Socket.
func (c *Conn) Abort() {
	c.abort(ErrClosed)
}

func (c *Conn) abort(err error) {
	switch c.state {
	case StateClosed:
		return
	case StateSynRcvd, StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		c.sendRst(c.sndNxt)
	}
	c.closeErr = err
	c.rcvq.clear()
	c.performStateTransition(evAbort)
}

// Status implements Socket.
func (c *Conn) Status() Status {
	st := Status{
		Label:       c.String(),
		State:       c.state.String(),
		Path:        c.path,
		SndUna:      c.sndUna,
		SndNxt:      c.sndNxt,
		SndMax:      c.sndMax,
		RcvNxt:      c.rcvNxt,
		SndWnd:      c.sndWnd,
		RcvWnd:      c.rcvWnd,
		Cwnd:        c.cwnd,
		Ssthresh:    c.ssthresh,
		MSS:         c.mss,
		SRTT:        c.rtt.smoothed(),
		RTO:         c.rtt.current(),
		Queued:      c.sndq.len(),
		SACK:        c.sackEnabled,
		Timestamps:  c.tsEnabled,
		WindowShift: c.sndWndShift,
		Congestion:  c.cc.name(),
	}
	return st
}

// performStateTransition moves the state machine along ev. It reports
// whether ev caused a transition.
func (c *Conn) performStateTransition(ev event) bool {
	if c.state == StateClosed {
		log.Debugf("%v: ignoring %v", c, ev)
		return false
	}
	old := c.state
	next, ok := nextState(old, ev, c.active)
	if !ok {
		log.Debugf("%v: %v not valid in this state", c, ev)
		return false
	}
	c.state = next
	if next != old {
		log.Debugf("conn(%v %v): %v -> %v on %v", c.id, c.path, old, next, ev)
		c.stateEntered(old)
	}
	return true
}

func (c *Conn) stateEntered(old State) {
	switch c.state {
	case StateEstablished:
		c.cancelTimer(TimerConnEstab)
		c.cancelTimer(TimerSynRexmit)
		c.established()
	case StateCloseWait:
		c.cancelTimer(TimerConnEstab)
		c.cancelTimer(TimerSynRexmit)
		c.established()
		c.notifyPeerClosed()
	case StateFinWait1, StateLastAck, StateClosing:
		c.cancelTimer(TimerConnEstab)
		c.cancelTimer(TimerSynRexmit)
	case StateFinWait2:
		c.cancelTimer(TimerConnEstab)
		c.cancelTimer(TimerSynRexmit)
		c.armTimer(TimerFinWait2, c.cfg.Timers.FinWait2)
	case StateTimeWait:
		for k := TimerKind(0); k < numTimers; k++ {
			if k != Timer2MSL {
				c.cancelTimer(k)
			}
		}
		c.armTimer(Timer2MSL, 2*c.cfg.Timers.MSL)
		c.notifyClosed(nil)
	case StateListen:
		if c.forked && old != StateInit {
			// a forked connection falling back to LISTEN has nothing left
			// to do, the listener itself keeps accepting
			log.Debugf("%v: discarding connection that fell back from %v", c, old)
			c.notified = c.sf == nil
			c.performStateTransition(evClose)
		}
	case StateClosed:
		for k := TimerKind(0); k < numTimers; k++ {
			c.cancelTimer(k)
		}
		c.notifyClosed(c.closeErr)
		c.rcvq.clear()
		c.stack.release(c)
	}
}

func (c *Conn) established() {
	if c.establishedNotified {
		return
	}
	c.establishedNotified = true
	if c.sf != nil {
		c.sf.established()
		return
	}
	if c.handler == nil && c.accept != nil {
		c.handler = c.accept(c)
	}
	if c.handler == nil {
		c.handler = NullHandler{}
	}
	c.handler.OnEstablished(c)
}

func (c *Conn) notifyPeerClosed() {
	if c.sf != nil {
		c.sf.peerClosed()
		return
	}
	if c.handler != nil {
		c.handler.OnPeerClosed(c)
	}
}

// notifyClosed reports the end of the connection exactly once.
func (c *Conn) notifyClosed(err error) {
	if c.notified {
		return
	}
	c.notified = true
	if c.sf != nil {
		c.sf.closed(err)
		return
	}
	if c.handler == nil {
		return
	}
	if errors.Is(err, ErrTimedOut) {
		c.handler.OnTimedOut(c)
		return
	}
	c.handler.OnClosed(c, err)
}

// deliver hands in-order payload to the application or, on a subflow, to
// the flow's reorder buffer.
func (c *Conn) deliver(b []byte, dsn uint64, mapped bool) {
	c.stack.tracker.OnRecv(c.path, uint64(len(b)))
	if c.sf != nil {
		c.sf.dataArrived(b, dsn, mapped)
		return
	}
	if c.handler != nil {
		c.handler.OnDataArrived(c, b)
	}
}

// bufferedRcvBytes is what the receive window must leave room for.
func (c *Conn) bufferedRcvBytes() int {
	n := c.rcvq.bytes
	if c.sf != nil {
		n += c.sf.flow.bufferedRcvBytes()
	}
	return n
}

// cwndRoom is how many more bytes may be queued for sending on the
// connection without exceeding what its congestion and send windows allow.
func (c *Conn) cwndRoom() uint32 {
	w := c.cwnd
	if c.sndWnd < w {
		w = c.sndWnd
	}
	var queued uint32
	switch {
	case c.sndUna.LessThan(c.sndq.begin):
		queued = uint32(c.sndq.len())
	case c.sndUna.LessThan(c.sndq.end()):
		queued = uint32(c.sndUna.Size(c.sndq.end()))
	}
	if queued >= w {
		return 0
	}
	return w - queued
}
