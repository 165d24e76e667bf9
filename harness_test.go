package mptcp

import (
	"bytes"
	"net/netip"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/mptcp/config"
)

// wire is a hand driven network for tests. Segments are encoded and decoded
// on the way so the codec is exercised too. Nothing moves until the test
// calls deliver or advance.
type wire struct {
	t      *testing.T
	now    time.Time
	hosts  map[netip.Addr]*testHost
	queue  []wireSegment
	sent   []wireSegment
	timers []pendingTimer
	seq    int

	// drop, when set, decides which queued segments are lost.
	drop func(w wireSegment) bool
}

type wireSegment struct {
	seg  *Segment
	path Path // as seen by the sender
}

type pendingTimer struct {
	at  time.Time
	seq int
	h   *testHost
	ev  TimerEvent
}

type testHost struct {
	w     *wire
	stack *Stack
}

func newWire(t *testing.T) *wire {
	return &wire{
		t:     t,
		now:   time.Unix(1000, 0),
		hosts: make(map[netip.Addr]*testHost),
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MSS = 500
	cfg.Timestamps = false
	cfg.SACK = false
	cfg.Multipath.Enabled = false
	return cfg
}

func (w *wire) addHost(cfg *config.Config, seed int64, addrs ...string) *testHost {
	h := &testHost{w: w}
	s, err := NewStack(cfg, h, WithSeed(seed))
	require.NoError(w.t, err)
	h.stack = s
	for _, a := range addrs {
		w.hosts[netip.MustParseAddr(a)] = h
	}
	return h
}

func (h *testHost) Now() time.Time {
	return h.w.now
}

func (h *testHost) ScheduleTimer(delay time.Duration, ev TimerEvent) {
	h.w.seq++
	h.w.timers = append(h.w.timers, pendingTimer{at: h.w.now.Add(delay), seq: h.w.seq, h: h, ev: ev})
}

func (h *testHost) SendSegment(seg *Segment, path Path) {
	b, err := seg.Marshal()
	require.NoError(h.w.t, err)
	decoded, err := Unmarshal(append([]byte(nil), b...))
	Release(b)
	require.NoError(h.w.t, err)
	ws := wireSegment{seg: decoded, path: path}
	h.w.sent = append(h.w.sent, ws)
	h.w.queue = append(h.w.queue, ws)
}

// deliver hands every queued segment to its destination, including the ones
// sent in response, until the network is quiet.
func (w *wire) deliver() {
	for i := 0; len(w.queue) > 0; i++ {
		require.Less(w.t, i, 100000, "segments keep bouncing")
		ws := w.queue[0]
		w.queue = w.queue[1:]
		if w.drop != nil && w.drop(ws) {
			continue
		}
		dst := w.hosts[ws.path.Remote.Addr()]
		if dst == nil {
			continue
		}
		dst.stack.SegmentArrived(ws.seg, ws.path.Local.Addr(), ws.path.Remote.Addr())
	}
}

// inject delivers a hand made segment to h as if sent over path, given from
// the sender's point of view.
func (h *testHost) inject(seg *Segment, path Path) {
	seg.SrcPort = path.Local.Port()
	seg.DstPort = path.Remote.Port()
	h.stack.SegmentArrived(seg, path.Local.Addr(), path.Remote.Addr())
}

func (w *wire) nextTimer() int {
	sort.SliceStable(w.timers, func(i, j int) bool {
		if w.timers[i].at.Equal(w.timers[j].at) {
			return w.timers[i].seq < w.timers[j].seq
		}
		return w.timers[i].at.Before(w.timers[j].at)
	})
	if len(w.timers) == 0 {
		return -1
	}
	return 0
}

func (w *wire) fire(i int) {
	pt := w.timers[i]
	w.timers = append(w.timers[:i], w.timers[i+1:]...)
	if pt.at.After(w.now) {
		w.now = pt.at
	}
	pt.h.stack.TimerFired(pt.ev)
	w.deliver()
}

// advance delivers what is queued, then moves the clock forward by d,
// firing every timer due on the way.
func (w *wire) advance(d time.Duration) {
	w.deliver()
	until := w.now.Add(d)
	for i := 0; ; i++ {
		require.Less(w.t, i, 100000, "timers keep firing")
		next := w.nextTimer()
		if next < 0 || w.timers[next].at.After(until) {
			break
		}
		w.fire(next)
	}
	w.now = until
}

// fireTimer fires the live timer of kind on c right away, wherever it is
// due. It reports false if no such timer is armed.
func (w *wire) fireTimer(c *Conn, kind TimerKind) bool {
	token := c.timers[kind]
	if token == 0 {
		return false
	}
	for i, pt := range w.timers {
		if pt.ev.Conn == c.id && pt.ev.Kind == kind && pt.ev.Token == token {
			w.fire(i)
			return true
		}
	}
	return false
}

// sentSince returns the segments sent since mark, a length of w.sent.
func (w *wire) sentSince(mark int) []wireSegment {
	return append([]wireSegment(nil), w.sent[mark:]...)
}

func dataSegments(segs []wireSegment, from netip.AddrPort) []wireSegment {
	var result []wireSegment
	for _, ws := range segs {
		if ws.path.Local == from && len(ws.seg.Payload) > 0 {
			result = append(result, ws)
		}
	}
	return result
}

// recorder is a Handler that remembers what it was told.
type recorder struct {
	established int
	data        bytes.Buffer
	peerClosed  int
	closed      int
	closeErr    error
	timedOut    int
	socket      Socket

	onEstablished func(s Socket)
}

func (r *recorder) OnEstablished(s Socket) {
	r.established++
	r.socket = s
	if r.onEstablished != nil {
		r.onEstablished(s)
	}
}

func (r *recorder) OnDataArrived(_ Socket, b []byte) {
	r.data.Write(b)
}

func (r *recorder) OnPeerClosed(Socket) {
	r.peerClosed++
}

func (r *recorder) OnClosed(_ Socket, err error) {
	r.closed++
	r.closeErr = err
}

func (r *recorder) OnTimedOut(Socket) {
	r.timedOut++
}

func (r *recorder) notifications() int {
	return r.closed + r.timedOut
}

// pair is an established single path connection between two hosts.
type pair struct {
	w        *wire
	client   *testHost
	server   *testHost
	cc       *Conn
	sc       *Conn
	clientRx *recorder
	serverRx *recorder
}

var (
	clientAddr = netip.MustParseAddr("10.0.0.1")
	serverAddr = netip.MustParseAddr("10.0.0.2")
	serverPort = netip.AddrPortFrom(serverAddr, 80)
)

func newPair(t *testing.T, cfg *config.Config) *pair {
	w := newWire(t)
	p := &pair{
		w:        w,
		client:   w.addHost(cfg, 1, clientAddr.String()),
		server:   w.addHost(cfg, 2, serverAddr.String()),
		clientRx: &recorder{},
		serverRx: &recorder{},
	}
	require.NoError(t, p.server.stack.Listen(netip.AddrPortFrom(netip.Addr{}, 80), func(s Socket) Handler {
		p.sc = s.(*Conn)
		return p.serverRx
	}))
	c, err := p.client.stack.Dial(clientAddr, serverPort, p.clientRx)
	require.NoError(t, err)
	p.cc = c
	w.deliver()
	require.Equal(t, StateEstablished, p.cc.State())
	require.NotNil(t, p.sc)
	require.Equal(t, StateEstablished, p.sc.State())
	return p
}

// fromServer is the path of segments the server sends to the client.
func (p *pair) fromServer() Path {
	return Path{Local: p.sc.path.Local, Remote: p.sc.path.Remote}
}

// dupAck is the duplicate acknowledgement the server would send for the
// client's current snd_una.
func (p *pair) dupAck() *Segment {
	return &Segment{
		Seq:    p.sc.sndNxt,
		Ack:    p.cc.sndUna,
		Flags:  FlagAck,
		Window: uint16(p.cc.sndWnd >> p.cc.sndWndShift),
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
