package mptcp

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/getlantern/mptcp/config"
	"github.com/google/uuid"
)

type flowState uint8

const (
	flowIdle flowState = iota
	flowPreEstablished
	flowEstablished
	flowClosed
)

func (s flowState) String() string {
	switch s {
	case flowIdle:
		return "IDLE"
	case flowPreEstablished:
		return "PRE_ESTABLISHED"
	case flowEstablished:
		return "ESTABLISHED"
	case flowClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// maxKeyAttempts bounds the search for a key whose token is not in use yet.
const maxKeyAttempts = 16

type addrPair struct {
	local  netip.Addr
	remote netip.AddrPort
}

// dataRange is a range of the data sequence space waiting to be sent again.
type dataRange struct {
	start, end uint64
}

// Flow is a multipath connection: one byte stream carried over any number of
// subflows. Data is numbered in a 64-bit data sequence space; each subflow
// maps the bytes it carries into that space with DSS options, and the
// receiving side puts them back in order regardless of which subflow carried
// them.
type Flow struct {
	stack   *Stack
	cfg     *config.Config
	id      uuid.UUID
	active  bool
	state   flowState
	handler Handler
	accept  func(Socket) Handler
	deriver KeyDeriver
	sched   scheduler

	localKey    uint64
	remoteKey   uint64
	localToken  uint32
	remoteToken uint32

	// fallback is set when the peer turned out not to be multipath capable.
	// The first subflow then carries the stream as plain TCP.
	fallback bool

	locals     []netip.Addr
	remotes    []netip.AddrPort
	tried      map[addrPair]bool
	subflows   []*subflow
	nextAddrID uint8

	// send side, in the data sequence space
	sndUna     uint64
	sndNxt     uint64
	sndWndEdge uint64
	sndBuf     []byte // from sndUna on
	reinject   []dataRange
	closing    bool
	finSent    bool
	dataFinSeq uint64

	// receive side
	rcvNxt      uint64
	rcvq        *receiveQueue
	peerFinSeen bool
	peerFinSeq  uint64
	peerClosed  bool

	coupled coupledState

	sending  bool
	resend   bool
	aborted  bool
	closeErr error
	notified bool
}

func newFlow(s *Stack, active bool) (*Flow, error) {
	f := &Flow{
		stack:   s,
		cfg:     s.cfg,
		id:      uuid.New(),
		active:  active,
		deriver: s.deriver,
		tried:   make(map[addrPair]bool),
		rcvq:    newReceiveQueue(),
	}
	sched, err := newScheduler(s.cfg.Multipath.Scheduler)
	if err != nil {
		return nil, err
	}
	f.sched = sched
	for i := 0; ; i++ {
		if i == maxKeyAttempts {
			return nil, fmt.Errorf("no unused token after %d keys", maxKeyAttempts)
		}
		f.localKey = s.newKey()
		f.localToken = f.deriver.Token(f.localKey)
		if _, taken := s.flows[f.localToken]; !taken {
			break
		}
	}
	f.sndUna = f.deriver.IDSN(f.localKey) + 1
	f.sndNxt = f.sndUna
	f.sndWndEdge = f.sndUna
	s.flows[f.localToken] = f
	return f, nil
}

func (f *Flow) label() string {
	return fmt.Sprintf("flow(%v)", f.id.String()[:8])
}

func (f *Flow) String() string {
	return f.label()
}

// ID is the random identifier of the flow, used in logs and status reports.
func (f *Flow) ID() uuid.UUID {
	return f.id
}

func (f *Flow) setRemoteKey(key uint64) {
	f.remoteKey = key
	f.remoteToken = f.deriver.Token(key)
	f.rcvNxt = f.deriver.IDSN(key) + 1
}

// Send implements Socket.
func (f *Flow) Send(b []byte) error {
	if f.state == flowClosed || f.closing {
		return ErrClosed
	}
	if len(f.sndBuf)+len(b) > f.cfg.SndBuffer {
		return ErrBufferFull
	}
	f.sndBuf = append(f.sndBuf, b...)
	f.sendData()
	return nil
}

// Close implements Socket. Queued data is delivered first, then the data
// stream is closed with DATA_FIN and the subflows are closed.
func (f *Flow) Close() error {
	if f.state == flowClosed || f.closing {
		return ErrClosed
	}
	f.closing = true
	f.dataFinSeq = f.sndUna + uint64(len(f.sndBuf))
	if f.state != flowEstablished {
		for _, sf := range f.snapshot() {
			sf.conn.Close()
		}
		return nil
	}
	f.sendData()
	return nil
}

// Abort implements Socket.
func (f *Flow) Abort() {
	if f.state == flowClosed {
		return
	}
	f.aborted = true
	for _, sf := range f.snapshot() {
		sf.conn.abort(ErrClosed)
	}
	f.finish()
}

// Status implements Socket.
func (f *Flow) Status() Status {
	st := Status{
		Label:      f.label(),
		State:      f.state.String(),
		Queued:     len(f.sndBuf),
		Congestion: f.cfg.CongestionControl,
	}
	for _, sf := range f.subflows {
		sst := sf.conn.Status()
		st.Cwnd += sst.Cwnd
		st.Subflows = append(st.Subflows, sst)
	}
	return st
}

func (f *Flow) snapshot() []*subflow {
	return append([]*subflow(nil), f.subflows...)
}

func (f *Flow) unsent() uint64 {
	return f.sndUna + uint64(len(f.sndBuf)) - f.sndNxt
}

// dataWindow is what the peer's data level receive window still allows.
func (f *Flow) dataWindow() uint64 {
	if f.sndWndEdge <= f.sndNxt {
		return 0
	}
	return f.sndWndEdge - f.sndNxt
}

func (f *Flow) bytesAt(dsn uint64, n uint32) []byte {
	off := dsn - f.sndUna
	return f.sndBuf[off : off+uint64(n)]
}

func (f *Flow) bufferedRcvBytes() int {
	return f.rcvq.bytes
}

// sendData hands data to the subflows and lets them transmit. Calls made
// while it runs, for example from a subflow closing, are folded into one more
// pass.
func (f *Flow) sendData() {
	if f.sending {
		f.resend = true
		return
	}
	f.sending = true
	defer func() { f.sending = false }()
	for {
		f.resend = false
		f.sendDataOnce()
		if !f.resend || f.state == flowClosed {
			return
		}
	}
}

func (f *Flow) sendDataOnce() {
	if f.state != flowEstablished {
		return
	}
	if f.fallback {
		if sf := f.first(); sf != nil && f.unsent() > 0 {
			sf.conn.sndq.enqueue(f.bytesAt(f.sndNxt, uint32(f.unsent())))
			f.sndNxt = f.sndUna + uint64(len(f.sndBuf))
		}
	} else {
		f.schedule()
	}
	for _, sf := range f.snapshot() {
		sf.conn.output()
	}
	f.maybeFinish()
}

func (f *Flow) first() *subflow {
	for _, sf := range f.subflows {
		if !sf.join {
			return sf
		}
	}
	return nil
}

func (f *Flow) schedule() {
	usable := make([]*subflow, 0, len(f.subflows))
	for _, sf := range f.subflows {
		if sf.usable() {
			usable = append(usable, sf)
		}
	}
	if len(usable) == 0 {
		return
	}
	ordered := f.sched.order(usable)
	for _, sf := range ordered {
		f.reinjectOn(sf)
	}
	for _, sf := range ordered {
		unsent, window := f.unsent(), f.dataWindow()
		if unsent == 0 || window == 0 {
			break
		}
		n := uint64(sf.conn.cwndRoom())
		if n > unsent {
			n = unsent
		}
		if n > window {
			n = window
		}
		if n == 0 || n < uint64(sf.conn.maxPayload()) && n < unsent && n < window {
			// wait until a full segment fits
			continue
		}
		log.Tracef("%v: %d bytes from %d to %v", f, n, f.sndNxt, sf)
		sf.conn.enqueueMapped(f.bytesAt(f.sndNxt, uint32(n)), f.sndNxt)
		f.sndNxt += n
	}
	if f.cfg.Multipath.OpportunisticRetransmission {
		f.opportunisticRetransmit(ordered)
	}
}

func (f *Flow) reinjectOn(sf *subflow) {
	for len(f.reinject) > 0 {
		r := &f.reinject[0]
		if r.start < f.sndUna {
			r.start = f.sndUna
		}
		if r.start >= r.end {
			f.reinject = f.reinject[1:]
			continue
		}
		room := uint64(sf.conn.cwndRoom())
		if room == 0 {
			return
		}
		n := r.end - r.start
		if n > room {
			n = room
		}
		log.Debugf("%v: reinjecting %d bytes from %d on %v", f, n, r.start, sf)
		sf.conn.enqueueMapped(f.bytesAt(r.start, uint32(n)), r.start)
		r.start += n
	}
}

// opportunisticRetransmit resends the data holding up the flow on a subflow
// that has room when the data level window is exhausted.
func (f *Flow) opportunisticRetransmit(ordered []*subflow) {
	if f.dataWindow() > 0 || f.sndUna >= f.sndNxt {
		return
	}
	for _, free := range ordered {
		room := free.conn.cwndRoom()
		if room < free.conn.maxPayload() {
			continue
		}
		if _, ok := free.conn.sndq.mappingForDSN(f.sndUna); ok {
			continue
		}
		for _, other := range f.subflows {
			if other == free {
				continue
			}
			m, ok := other.conn.sndq.mappingForDSN(f.sndUna)
			if !ok {
				continue
			}
			end := m.dsn + uint64(m.length)
			if end > f.sndNxt {
				end = f.sndNxt
			}
			n := end - f.sndUna
			if n > uint64(room) {
				n = uint64(room)
			}
			log.Debugf("%v: opportunistic retransmission of %d bytes from %d on %v", f, n, f.sndUna, free)
			free.conn.enqueueMapped(f.bytesAt(f.sndUna, uint32(n)), f.sndUna)
			if f.cfg.Multipath.Penalization {
				other.penalize(f.stack.env.Now())
			}
			return
		}
	}
}

func (f *Flow) addReinject(start, end uint64) {
	if start < f.sndUna {
		start = f.sndUna
	}
	if start >= end {
		return
	}
	for _, r := range f.reinject {
		if r.start <= start && end <= r.end {
			return
		}
	}
	f.reinject = append(f.reinject, dataRange{start, end})
}

// reinjectFrom queues whatever sf still holds unacknowledged for the other
// subflows.
func (f *Flow) reinjectFrom(sf *subflow) {
	for _, m := range sf.conn.sndq.mappings {
		end := m.dsn + uint64(m.length)
		if end > f.sndNxt {
			end = f.sndNxt
		}
		f.addReinject(m.dsn, end)
	}
}

func (f *Flow) maybeFinish() {
	if !f.closing || f.finSent {
		return
	}
	if f.fallback {
		if f.sndNxt < f.dataFinSeq {
			return
		}
	} else if f.sndUna < f.dataFinSeq {
		return
	}
	f.finSent = true
	log.Debugf("%v: data stream complete, closing subflows", f)
	for _, sf := range f.snapshot() {
		sf.conn.Close()
	}
}

// dataAcked processes a data level acknowledgement and the window the peer
// advertises with it.
func (f *Flow) dataAcked(ack uint64, wnd uint32) {
	limit := f.sndNxt
	if f.finSent && !f.fallback {
		limit = f.dataFinSeq + 1
	}
	if ack < f.sndUna || ack > limit {
		log.Tracef("%v: ignoring data ack %d outside [%d,%d]", f, ack, f.sndUna, limit)
		return
	}
	if ack > f.sndUna {
		n := ack - f.sndUna
		if n > uint64(len(f.sndBuf)) {
			n = uint64(len(f.sndBuf))
		}
		f.sndBuf = append(f.sndBuf[:0], f.sndBuf[n:]...)
		f.sndUna = ack
		if f.sndNxt < f.sndUna {
			f.sndNxt = f.sndUna
		}
	}
	if edge := ack + uint64(wnd); edge > f.sndWndEdge {
		f.sndWndEdge = edge
	}
}

func (f *Flow) dataArrived(sf *subflow, b []byte, dsn uint64, mapped bool) {
	if f.state == flowClosed {
		return
	}
	switch {
	case f.fallback:
		dsn = f.rcvNxt
	case !mapped:
		log.Debugf("%v: dropping %d bytes without mapping", sf, len(b))
		return
	}
	if dsn > f.rcvNxt {
		f.rcvq.add(dsn, b, f.rcvNxt)
		return
	}
	if dsn+uint64(len(b)) <= f.rcvNxt {
		return
	}
	b = b[f.rcvNxt-dsn:]
	f.rcvNxt += uint64(len(b))
	f.deliver(b)
	f.rcvNxt = f.rcvq.read(f.rcvNxt, f.deliver)
	f.checkPeerFin()
}

func (f *Flow) deliver(b []byte) {
	if f.state == flowClosed || f.handler == nil {
		return
	}
	f.handler.OnDataArrived(f, b)
}

func (f *Flow) peerDataFin(seq uint64) {
	if !f.peerFinSeen {
		f.peerFinSeen = true
		f.peerFinSeq = seq
	}
	f.checkPeerFin()
}

func (f *Flow) checkPeerFin() {
	if !f.peerFinSeen || f.peerClosed || f.rcvNxt != f.peerFinSeq {
		return
	}
	f.rcvNxt++
	f.peerClosed = true
	log.Debugf("%v: peer closed the data stream", f)
	if f.handler != nil {
		f.handler.OnPeerClosed(f)
	}
}

func (f *Flow) subflowEstablished(sf *subflow) {
	if f.state == flowClosed {
		return
	}
	if sf.join {
		log.Debugf("%v: joined", sf)
		if !f.active {
			// lets the joining side know its third ACK arrived
			sf.conn.sendAck()
		}
		if f.finSent {
			sf.conn.Close()
			return
		}
		f.sendData()
		return
	}
	f.state = flowEstablished
	f.sndWndEdge = f.sndUna + uint64(sf.conn.sndWnd)
	log.Debugf("%v: established over %v, fallback=%v", f, sf.conn.path, f.fallback)
	if f.handler == nil && f.accept != nil {
		f.handler = f.accept(f)
	}
	if f.handler == nil {
		f.handler = NullHandler{}
	}
	f.handler.OnEstablished(f)
	if f.state == flowClosed {
		return
	}
	if f.active && !f.fallback && (!f.closing || f.sndUna < f.sndNxt || f.unsent() > 0) {
		f.openJoins()
	}
	f.sendData()
}

// openJoins adds a subflow for every address pair not tried yet.
func (f *Flow) openJoins() {
	for _, l := range f.locals {
		for _, r := range f.remotes {
			p := addrPair{l, r}
			if f.tried[p] {
				continue
			}
			f.tried[p] = true
			if _, err := f.stack.openSubflow(f, l, r, true); err != nil {
				log.Errorf("%v: unable to join %v->%v: %v", f, l, r, err)
			}
		}
	}
}

// subflowStalled is called on a retransmission timeout of sf. What it holds
// is offered to the other subflows as well.
func (f *Flow) subflowStalled(sf *subflow) {
	if f.fallback || f.state != flowEstablished {
		return
	}
	for _, other := range f.subflows {
		if other != sf && other.usable() {
			f.reinjectFrom(sf)
			f.sendData()
			return
		}
	}
}

func (f *Flow) subflowClosed(sf *subflow, err error) {
	for i, s := range f.subflows {
		if s == sf {
			f.subflows = append(f.subflows[:i], f.subflows[i+1:]...)
			break
		}
	}
	if err != nil {
		log.Debugf("%v: lost: %v", sf, err)
		if !f.aborted {
			f.reinjectFrom(sf)
			f.closeErr = err
		}
	}
	if len(f.subflows) == 0 {
		f.finish()
		return
	}
	if !f.aborted {
		f.sendData()
	}
}

// finish reports the end of the flow exactly once.
func (f *Flow) finish() {
	if f.state == flowClosed {
		return
	}
	established := f.state == flowEstablished
	f.state = flowClosed
	delete(f.stack.flows, f.localToken)
	f.rcvq.close()

	err := f.closeErr
	switch {
	case f.aborted:
		err = ErrClosed
	case f.finSent && f.peerClosed:
		err = nil
	}
	if f.notified || f.handler == nil {
		return
	}
	f.notified = true
	log.Debugf("%v: closed: %v", f, err)
	if !established && err == nil {
		err = ErrClosed
	}
	if errors.Is(err, ErrTimedOut) {
		f.handler.OnTimedOut(f)
		return
	}
	f.handler.OnClosed(f, err)
}
