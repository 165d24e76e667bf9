package mptcp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/mptcp/seqnum"
)

func TestTransitions(t *testing.T) {
	type transition struct {
		from   State
		ev     event
		active bool
		to     State
	}
	valid := []transition{
		{StateInit, evOpenActive, true, StateSynSent},
		{StateInit, evOpenPassive, false, StateListen},
		{StateListen, evRcvSyn, false, StateSynRcvd},
		{StateListen, evSend, false, StateSynSent},
		{StateListen, evClose, false, StateClosed},
		{StateSynSent, evRcvSynAck, true, StateEstablished},
		{StateSynSent, evRcvSyn, true, StateSynRcvd},
		{StateSynSent, evRcvRst, true, StateClosed},
		{StateSynSent, evTimeoutConnEstab, true, StateClosed},
		{StateSynRcvd, evRcvAck, false, StateEstablished},
		{StateSynRcvd, evRcvFin, false, StateCloseWait},
		{StateSynRcvd, evClose, false, StateFinWait1},
		{StateSynRcvd, evRcvRst, false, StateListen},
		{StateSynRcvd, evRcvRst, true, StateClosed},
		{StateSynRcvd, evTimeoutConnEstab, false, StateListen},
		{StateSynRcvd, evTimeoutConnEstab, true, StateClosed},
		{StateEstablished, evClose, true, StateFinWait1},
		{StateEstablished, evRcvFin, true, StateCloseWait},
		{StateEstablished, evRcvUnexpSyn, true, StateClosed},
		{StateCloseWait, evClose, true, StateLastAck},
		{StateLastAck, evRcvAck, true, StateClosed},
		{StateFinWait1, evRcvAck, true, StateFinWait2},
		{StateFinWait1, evRcvFin, true, StateClosing},
		{StateFinWait1, evRcvFinAck, true, StateTimeWait},
		{StateFinWait2, evRcvFin, true, StateTimeWait},
		{StateFinWait2, evTimeoutFinWait2, true, StateClosed},
		{StateClosing, evRcvAck, true, StateTimeWait},
		{StateTimeWait, evTimeout2MSL, true, StateClosed},
	}
	for _, tr := range valid {
		to, ok := nextState(tr.from, tr.ev, tr.active)
		assert.True(t, ok, "%v on %v", tr.from, tr.ev)
		assert.Equal(t, tr.to, to, "%v on %v", tr.from, tr.ev)
	}

	invalid := []transition{
		{from: StateInit, ev: evRcvAck},
		{from: StateListen, ev: evRcvFin},
		{from: StateSynSent, ev: evRcvFin},
		{from: StateEstablished, ev: evRcvAck},
		{from: StateEstablished, ev: evTimeout2MSL},
		{from: StateCloseWait, ev: evRcvFin},
		{from: StateFinWait2, ev: evClose},
		{from: StateTimeWait, ev: evClose},
		{from: StateClosed, ev: evOpenActive},
	}
	for _, tr := range invalid {
		to, ok := nextState(tr.from, tr.ev, tr.active)
		assert.False(t, ok, "%v on %v", tr.from, tr.ev)
		assert.Equal(t, tr.from, to)
	}
}

func TestAbortIsAcceptedEverywhere(t *testing.T) {
	for s := StateListen; s < StateClosed; s++ {
		to, ok := nextState(s, evAbort, true)
		assert.True(t, ok, "%v", s)
		assert.Equal(t, StateClosed, to, "%v", s)
	}
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "FIN_WAIT_1", StateFinWait1.String())
	assert.Equal(t, "TIME_WAIT", StateTimeWait.String())
	assert.Equal(t, "Unknown(42)", State(42).String())
	assert.Equal(t, "RCV_UNEXP_SYN", evRcvUnexpSyn.String())
}

func TestPassiveOpenFallsBackToListen(t *testing.T) {
	w := newWire(t)
	server := w.addHost(testConfig(), 2, serverAddr.String())
	accepted := 0
	require.NoError(t, server.stack.Listen(serverPort, func(Socket) Handler {
		accepted++
		return NullHandler{}
	}))
	from := Path{Local: netip.AddrPortFrom(clientAddr, 40000), Remote: serverPort}

	server.inject(&Segment{Seq: 7000, Flags: FlagSyn, Window: 65535}, from)
	require.Equal(t, 1, server.stack.NumConns())
	synAck := w.sent[len(w.sent)-1].seg
	require.True(t, synAck.Flags.Contains(FlagSyn|FlagAck))
	assert.Equal(t, seqnum.Value(7001), synAck.Ack)

	server.inject(&Segment{Seq: 7001, Flags: FlagRst}, from)
	assert.Zero(t, server.stack.NumConns(), "the forked connection is discarded")
	assert.Zero(t, accepted)

	// the listener still takes new connections
	server.inject(&Segment{Seq: 9000, Flags: FlagSyn, Window: 65535}, from)
	assert.Equal(t, 1, server.stack.NumConns())
	server.inject(&Segment{Seq: 9001, Ack: w.sent[len(w.sent)-1].seg.Seq.Add(1), Flags: FlagAck, Window: 65535}, from)
	assert.Equal(t, 1, accepted)
}

func TestSynRcvdTimesOut(t *testing.T) {
	w := newWire(t)
	server := w.addHost(testConfig(), 2, serverAddr.String())
	require.NoError(t, server.stack.Listen(serverPort, nil))
	from := Path{Local: netip.AddrPortFrom(clientAddr, 40000), Remote: serverPort}
	server.inject(&Segment{Seq: 7000, Flags: FlagSyn, Window: 65535}, from)
	require.Equal(t, 1, server.stack.NumConns())

	w.advance(2 * server.stack.Config().Timers.ConnEstab)
	assert.Zero(t, server.stack.NumConns())
	var synAcks int
	for _, ws := range w.sent {
		if ws.seg.Flags.Contains(FlagSyn | FlagAck) {
			synAcks++
		}
	}
	assert.Greater(t, synAcks, 1, "SYN/ACK should have been retransmitted")
}

func TestSimultaneousOpen(t *testing.T) {
	w := newWire(t)
	a := w.addHost(testConfig(), 1, clientAddr.String())
	b := w.addHost(testConfig(), 2, serverAddr.String())
	aRx, bRx := &recorder{}, &recorder{}
	pa := Path{Local: netip.AddrPortFrom(clientAddr, 5000), Remote: netip.AddrPortFrom(serverAddr, 6000)}
	ca, err := newConn(a.stack, pa, true)
	require.NoError(t, err)
	cb, err := newConn(b.stack, Path{Local: pa.Remote, Remote: pa.Local}, true)
	require.NoError(t, err)
	ca.handler, cb.handler = aRx, bRx
	ca.connect()
	cb.connect()
	w.deliver()

	assert.Equal(t, StateEstablished, ca.State())
	assert.Equal(t, StateEstablished, cb.State())
	assert.Equal(t, 1, aRx.established)
	assert.Equal(t, 1, bRx.established)
}
