package mptcp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/mptcp/config"
)

var secondClientAddr = netip.MustParseAddr("10.0.1.1")

func mpConfig() *config.Config {
	cfg := testConfig()
	cfg.Multipath.Enabled = true
	return cfg
}

// flowPair is a flow between a client with two addresses and a single homed
// server, so the client opens two subflows.
type flowPair struct {
	w        *wire
	client   *testHost
	server   *testHost
	cf       *Flow
	sf       *Flow
	clientRx *recorder
	serverRx *recorder
	stats    *Stats
}

func newFlowPair(t *testing.T, clientCfg, serverCfg *config.Config) *flowPair {
	w := newWire(t)
	p := &flowPair{
		w:        w,
		client:   w.addHost(clientCfg, 1, clientAddr.String(), secondClientAddr.String()),
		server:   w.addHost(serverCfg, 2, serverAddr.String()),
		clientRx: &recorder{},
		serverRx: &recorder{},
		stats:    NewStats(),
	}
	p.client.stack.tracker = p.stats
	require.NoError(t, p.server.stack.Listen(netip.AddrPortFrom(netip.Addr{}, 80), func(s Socket) Handler {
		if f, ok := s.(*Flow); ok {
			p.sf = f
		}
		return p.serverRx
	}))
	sock, err := p.client.stack.DialMultipath([]netip.Addr{clientAddr, secondClientAddr}, []netip.AddrPort{serverPort}, p.clientRx)
	require.NoError(t, err)
	if f, ok := sock.(*Flow); ok {
		p.cf = f
	}
	w.deliver()
	require.Equal(t, 1, p.clientRx.established)
	require.Equal(t, 1, p.serverRx.established)
	return p
}

// subflowOn returns the client subflow using the given local address.
func (p *flowPair) subflowOn(addr netip.Addr) *subflow {
	for _, sf := range p.cf.subflows {
		if sf.conn.path.Local.Addr() == addr {
			return sf
		}
	}
	return nil
}

func TestMultipathHandshake(t *testing.T) {
	p := newFlowPair(t, mpConfig(), mpConfig())
	require.NotNil(t, p.cf)
	require.NotNil(t, p.sf)
	assert.Equal(t, flowEstablished, p.cf.state)
	assert.Equal(t, flowEstablished, p.sf.state)
	assert.False(t, p.cf.fallback)
	assert.Equal(t, p.cf.localToken, p.sf.remoteToken)
	assert.Equal(t, p.sf.localToken, p.cf.remoteToken)
	assert.Equal(t, p.cf.sndUna, p.sf.rcvNxt, "both ends agree on the initial data sequence number")
	assert.Equal(t, 1, p.client.stack.NumFlows())
	assert.Equal(t, 1, p.server.stack.NumFlows())

	require.Len(t, p.cf.subflows, 2)
	require.Len(t, p.sf.subflows, 2)
	for _, sf := range p.cf.subflows {
		assert.Equal(t, StateEstablished, sf.conn.State(), "%v", sf)
		assert.True(t, sf.usable(), "%v", sf)
		if sf.join {
			assert.False(t, sf.handshakeAckPending, "%v", sf)
		}
	}
	assert.Same(t, p.cf, p.clientRx.socket)
	assert.Same(t, p.sf, p.serverRx.socket)
	assert.Len(t, p.cf.Status().Subflows, 2)
}

func TestMultipathTransfer(t *testing.T) {
	p := newFlowPair(t, mpConfig(), mpConfig())
	data := pattern(50000)
	require.NoError(t, p.cf.Send(data))
	p.w.deliver()

	assert.Equal(t, data, p.serverRx.data.Bytes())
	assert.Empty(t, p.cf.sndBuf, "everything should be acknowledged at the data level")
	for _, ps := range p.stats.Paths() {
		assert.NotZero(t, ps.BytesSent, "%v carried nothing", ps.Path)
	}
	assert.Len(t, p.stats.Paths(), 2)

	reply := pattern(3000)
	require.NoError(t, p.sf.Send(reply))
	p.w.deliver()
	assert.Equal(t, reply, p.clientRx.data.Bytes())
}

func TestThirdAckPrecedesJoin(t *testing.T) {
	p := newFlowPair(t, mpConfig(), mpConfig())
	ackAt, joinAt := -1, -1
	for i, ws := range p.w.sent {
		opts := parseOptions(ws.seg.Options)
		mpc, join, _ := parseMPOptions(&opts)
		switch {
		case ackAt < 0 && mpc != nil && mpc.hasReceiverKey && ws.path.Local.Addr() == clientAddr:
			ackAt = i
		case joinAt < 0 && join != nil && join.phase == joinSyn:
			joinAt = i
		}
	}
	require.GreaterOrEqual(t, ackAt, 0)
	require.GreaterOrEqual(t, joinAt, 0)
	assert.Less(t, ackAt, joinAt)
}

func TestDSSMappingIsRelativeToInitialSequence(t *testing.T) {
	p := newFlowPair(t, mpConfig(), mpConfig())
	first := p.cf.sndNxt
	mark := len(p.w.sent)
	require.NoError(t, p.cf.Send(pattern(100)))
	p.w.deliver()

	var segs []wireSegment
	for _, ws := range p.w.sentSince(mark) {
		if len(ws.seg.Payload) > 0 && p.subflowOn(ws.path.Local.Addr()) != nil {
			segs = append(segs, ws)
		}
	}
	require.Len(t, segs, 1)
	ws := segs[0]
	c := p.subflowOn(ws.path.Local.Addr()).conn
	opts := parseOptions(ws.seg.Options)
	_, _, dss := parseMPOptions(&opts)
	require.NotNil(t, dss)
	require.True(t, dss.hasMapping)
	assert.Equal(t, uint32(1), dss.subflowSeq, "first byte after the SYN")
	assert.Equal(t, c.iss.Add(1), ws.seg.Seq)
	assert.Equal(t, uint32(first), dss.dsn)
	assert.Equal(t, uint16(100), dss.length)
	assert.Equal(t, pattern(100), p.serverRx.data.Bytes())
}

func TestJoinsOpenWhenClosedOnEstablished(t *testing.T) {
	w := newWire(t)
	client := w.addHost(mpConfig(), 1, clientAddr.String(), secondClientAddr.String())
	server := w.addHost(mpConfig(), 2, serverAddr.String())
	serverRx := &recorder{}
	require.NoError(t, server.stack.Listen(serverPort, func(Socket) Handler { return serverRx }))
	data := pattern(20000)
	clientRx := &recorder{onEstablished: func(s Socket) {
		require.NoError(t, s.Send(data))
		require.NoError(t, s.Close())
	}}
	_, err := client.stack.DialMultipath([]netip.Addr{clientAddr, secondClientAddr}, []netip.AddrPort{serverPort}, clientRx)
	require.NoError(t, err)
	w.deliver()

	var joins int
	for _, ws := range w.sent {
		if ws.path.Local.Addr() == secondClientAddr && ws.seg.Flags == FlagSyn {
			joins++
		}
	}
	assert.Equal(t, 1, joins)
	assert.Equal(t, data, serverRx.data.Bytes())
	assert.Equal(t, 1, serverRx.peerClosed)
}

func TestMultipathGracefulClose(t *testing.T) {
	p := newFlowPair(t, mpConfig(), mpConfig())
	require.NoError(t, p.cf.Send(pattern(3000)))
	require.NoError(t, p.cf.Close())
	assert.ErrorIs(t, p.cf.Send([]byte("x")), ErrClosed)
	p.w.deliver()

	assert.Equal(t, pattern(3000), p.serverRx.data.Bytes())
	assert.Equal(t, 1, p.serverRx.peerClosed)
	assert.Zero(t, p.serverRx.notifications())

	require.NoError(t, p.sf.Close())
	p.w.deliver()
	p.w.advance(5 * time.Minute)

	assert.Equal(t, 1, p.clientRx.peerClosed)
	assert.Equal(t, 1, p.clientRx.closed)
	assert.NoError(t, p.clientRx.closeErr)
	assert.Equal(t, 1, p.serverRx.closed)
	assert.NoError(t, p.serverRx.closeErr)
	assert.Zero(t, p.client.stack.NumFlows())
	assert.Zero(t, p.server.stack.NumFlows())
	assert.Zero(t, p.client.stack.NumConns())
	assert.Zero(t, p.server.stack.NumConns())
}

func TestFallbackToSinglePath(t *testing.T) {
	w := newWire(t)
	client := w.addHost(mpConfig(), 1, clientAddr.String(), secondClientAddr.String())
	server := w.addHost(testConfig(), 2, serverAddr.String())
	clientRx, serverRx := &recorder{}, &recorder{}
	require.NoError(t, server.stack.Listen(serverPort, func(Socket) Handler { return serverRx }))
	sock, err := client.stack.DialMultipath([]netip.Addr{clientAddr, secondClientAddr}, []netip.AddrPort{serverPort}, clientRx)
	require.NoError(t, err)
	w.deliver()

	f := sock.(*Flow)
	require.Equal(t, 1, clientRx.established)
	assert.True(t, f.fallback)
	assert.Len(t, f.subflows, 1, "no joins after a fallback")
	_, plain := serverRx.socket.(*Conn)
	assert.True(t, plain)

	require.NoError(t, f.Send(pattern(4000)))
	require.NoError(t, f.Close())
	w.deliver()
	assert.Equal(t, pattern(4000), serverRx.data.Bytes())
	require.Equal(t, 1, serverRx.peerClosed)

	require.NoError(t, serverRx.socket.Send([]byte("done")))
	require.NoError(t, serverRx.socket.Close())
	w.deliver()
	assert.Equal(t, "done", clientRx.data.String())
	assert.Equal(t, 1, clientRx.closed)
	assert.NoError(t, clientRx.closeErr)
}

func TestReinjectionAfterSubflowLoss(t *testing.T) {
	cfg := mpConfig()
	cfg.Multipath.OpportunisticRetransmission = false
	p := newFlowPair(t, cfg, mpConfig())
	p.w.drop = func(ws wireSegment) bool {
		return ws.path.Local.Addr() == secondClientAddr
	}
	data := pattern(40000)
	require.NoError(t, p.cf.Send(data))
	p.w.advance(10 * time.Minute)

	assert.Equal(t, data, p.serverRx.data.Bytes())
	assert.Empty(t, p.cf.sndBuf)
	assert.Zero(t, p.clientRx.notifications(), "losing one subflow leaves the flow alive")
}

func TestFlowFailureReportedOnce(t *testing.T) {
	cfg := mpConfig()
	cfg.Timers.MaxRexmitCount = 3
	p := newFlowPair(t, cfg, mpConfig())
	p.w.drop = func(wireSegment) bool { return true }
	require.NoError(t, p.cf.Send(pattern(20000)))
	p.w.advance(time.Hour)

	assert.Equal(t, 1, p.clientRx.notifications())
	assert.Equal(t, 1, p.clientRx.timedOut)
	assert.Equal(t, flowClosed, p.cf.state)
	assert.Empty(t, p.cf.subflows)
	assert.Zero(t, p.client.stack.NumFlows())
	assert.Zero(t, p.client.stack.NumConns())
}

func TestFlowAbort(t *testing.T) {
	p := newFlowPair(t, mpConfig(), mpConfig())
	p.cf.Abort()
	p.w.deliver()

	assert.Equal(t, 1, p.clientRx.closed)
	assert.ErrorIs(t, p.clientRx.closeErr, ErrClosed)
	assert.Equal(t, 1, p.serverRx.notifications())
	assert.ErrorIs(t, p.serverRx.closeErr, ErrConnectionReset)
	assert.Zero(t, p.client.stack.NumConns())
	assert.Zero(t, p.server.stack.NumConns())
	assert.ErrorIs(t, p.cf.Send([]byte("x")), ErrClosed)
}

func TestJoinWithUnknownTokenIsReset(t *testing.T) {
	w := newWire(t)
	server := w.addHost(mpConfig(), 2, serverAddr.String())
	require.NoError(t, server.stack.Listen(serverPort, nil))
	from := Path{Local: netip.AddrPortFrom(clientAddr, 40000), Remote: serverPort}
	join := mpJoinOption{phase: joinSyn, token: 0x12345678, nonce: 1}
	server.inject(&Segment{Seq: 1, Flags: FlagSyn, Options: []Option{join.option()}}, from)

	assert.Zero(t, server.stack.NumConns())
	require.NotEmpty(t, w.sent)
	assert.True(t, w.sent[len(w.sent)-1].seg.Flags.Contains(FlagRst))
}

func TestJoinWithBadMACIsRefused(t *testing.T) {
	p := newFlowPair(t, mpConfig(), mpConfig())
	c, err := p.client.stack.newActiveConn(secondClientAddr, serverPort)
	require.NoError(t, err)
	sf := &subflow{flow: p.cf, conn: c, join: true, addrID: 9, localNonce: 1}
	c.sf = sf
	p.cf.subflows = append(p.cf.subflows, sf)
	// the server will authenticate with the real keys, the client expects
	// different ones
	p.cf.remoteKey++
	c.connect()
	p.w.deliver()
	p.cf.remoteKey--

	assert.Equal(t, StateClosed, c.State())
	assert.Len(t, p.cf.subflows, 2)
	assert.Zero(t, p.clientRx.notifications())
}

// The oldest unacknowledged data is stuck on a subflow that lost it while
// the other subflow has room: the stuck range goes out again on the free
// subflow without waiting for the retransmission timer.
func TestOpportunisticRetransmission(t *testing.T) {
	p := newFlowPair(t, mpConfig(), mpConfig())
	fast, slow := p.subflowOn(clientAddr), p.subflowOn(secondClientAddr)
	require.NotNil(t, fast)
	require.NotNil(t, slow)
	mss := fast.conn.mss

	// the first 100 bytes go over the fast subflow
	slowCwnd := slow.conn.cwnd
	slow.conn.cwnd = 0
	require.NoError(t, p.cf.Send(pattern(100)))
	p.w.deliver()
	slow.conn.cwnd = slowCwnd
	require.Equal(t, 100, p.serverRx.data.Len())

	// the next 100 go over the slow one and are lost
	p.w.drop = func(ws wireSegment) bool {
		return ws.path.Local.Addr() == secondClientAddr && len(ws.seg.Payload) > 0
	}
	fastCwnd := fast.conn.cwnd
	fast.conn.cwnd = 0
	stuck := p.cf.sndUna
	require.NoError(t, p.cf.Send(pattern(200)[100:]))
	p.w.deliver()
	fast.conn.cwnd = fastCwnd
	require.Equal(t, stuck, p.cf.sndUna)
	require.Equal(t, stuck+100, p.cf.sndNxt)
	_, onSlow := slow.conn.sndq.mappingForDSN(stuck)
	require.True(t, onSlow)
	require.True(t, slow.conn.timerArmed(TimerRexmit))

	// the peer's data window is exhausted
	p.cf.sndWndEdge = p.cf.sndNxt
	slow.conn.cwnd = 10 * mss
	slow.conn.ssthresh = 20 * mss
	mark := len(p.w.sent)
	p.cf.sendData()

	var resent []*dssOption
	for _, ws := range dataSegments(p.w.sentSince(mark), fast.conn.path.Local) {
		opts := parseOptions(ws.seg.Options)
		if _, _, dss := parseMPOptions(&opts); dss != nil && dss.hasMapping {
			resent = append(resent, dss)
		}
	}
	if assert.Len(t, resent, 1) {
		assert.Equal(t, uint32(stuck), resent[0].dsn)
		assert.Equal(t, uint16(100), resent[0].length)
	}
	assert.Equal(t, 5*mss, slow.conn.cwnd, "the stuck subflow is penalized")
	assert.Equal(t, 10*mss, slow.conn.ssthresh)
	assert.True(t, slow.conn.timerArmed(TimerRexmit), "no RTO was needed")

	p.w.drop = nil
	p.w.deliver()
	assert.Equal(t, pattern(200), p.serverRx.data.Bytes())
}

func TestRoundRobinScheduler(t *testing.T) {
	cfg := mpConfig()
	cfg.Multipath.Scheduler = config.RoundRobin
	p := newFlowPair(t, cfg, mpConfig())
	require.NoError(t, p.cf.Send(pattern(20000)))
	p.w.deliver()
	assert.Equal(t, pattern(20000), p.serverRx.data.Bytes())
	for _, ps := range p.stats.Paths() {
		assert.NotZero(t, ps.BytesSent, "%v carried nothing", ps.Path)
	}
}

func TestCoupledCongestionControlTransfers(t *testing.T) {
	for _, name := range []string{config.LIA, config.OLIA} {
		t.Run(name, func(t *testing.T) {
			cfg := mpConfig()
			cfg.CongestionControl = name
			p := newFlowPair(t, cfg, cfg)
			for _, sf := range p.cf.subflows {
				assert.Equal(t, name, sf.conn.cc.name())
			}
			data := pattern(200000)
			require.NoError(t, p.cf.Send(data))
			p.w.advance(time.Minute)
			assert.Equal(t, data, p.serverRx.data.Bytes())
		})
	}
}
