package netsim

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/mptcp"
	"github.com/getlantern/mptcp/config"
)

const twoPaths = `
hosts:
  - name: client
    addrs: [10.0.0.1, 10.0.1.1]
    seed: 1
  - name: server
    addrs: [10.1.0.1]
    seed: 2
links:
  - a: 10.0.0.1
    b: 10.1.0.1
    delay: 10ms
  - a: 10.0.1.1
    b: 10.1.0.1
    delay: 30ms
    loss: 0.02
`

type endpoint struct {
	payload     []byte
	received    bytes.Buffer
	established bool
	peerClosed  bool
	closed      bool
	err         error
}

func (e *endpoint) OnEstablished(s mptcp.Socket) {
	e.established = true
	if e.payload != nil {
		if err := s.Send(e.payload); err != nil {
			e.err = err
			return
		}
		e.err = s.Close()
	}
}

func (e *endpoint) OnDataArrived(_ mptcp.Socket, b []byte) {
	e.received.Write(b)
}

func (e *endpoint) OnPeerClosed(s mptcp.Socket) {
	e.peerClosed = true
	if e.payload == nil {
		e.err = s.Close()
	}
}

func (e *endpoint) OnClosed(_ mptcp.Socket, err error) {
	e.closed = true
	if err != nil {
		e.err = err
	}
}

func (e *endpoint) OnTimedOut(mptcp.Socket) {
	e.closed = true
	e.err = mptcp.ErrTimedOut
}

func TestParseTopology(t *testing.T) {
	topo, err := ParseTopology([]byte(twoPaths))
	require.NoError(t, err)
	require.Len(t, topo.Hosts, 2)
	assert.Equal(t, []string{"10.0.0.1", "10.0.1.1"}, topo.Hosts[0].Addrs)
	assert.Equal(t, int64(2), topo.Hosts[1].Seed)
	require.Len(t, topo.Links, 2)
	assert.Equal(t, 30*time.Millisecond, topo.Links[1].Delay)
	assert.Equal(t, 0.02, topo.Links[1].Loss)

	_, err = ParseTopology([]byte("links: []"))
	assert.Error(t, err)
	_, err = ParseTopology([]byte("hosts: ["))
	assert.Error(t, err)
}

func TestBuildRejectsBadTopology(t *testing.T) {
	for _, doc := range []string{
		"hosts: [{name: a, addrs: [not-an-ip]}]",
		"hosts: [{name: a, addrs: []}]",
		"hosts: [{name: a, addrs: [10.0.0.1]}, {name: b, addrs: [10.0.0.1]}]",
		"hosts: [{name: a, addrs: [10.0.0.1]}]\nlinks: [{a: 10.0.0.1, b: 10.0.0.9}]",
		"hosts: [{name: a, addrs: [10.0.0.1]}, {name: b, addrs: [10.0.0.2]}]\nlinks: [{a: 10.0.0.1, b: 10.0.0.2, loss: 2}]",
	} {
		topo, err := ParseTopology([]byte(doc))
		require.NoError(t, err, doc)
		_, err = topo.Build(time.Unix(0, 0), config.DefaultConfig())
		assert.Error(t, err, doc)
	}
}

func TestMultipathTransferOverLossyPath(t *testing.T) {
	topo, err := ParseTopology([]byte(twoPaths))
	require.NoError(t, err)
	stats := mptcp.NewStats()
	n, err := topo.Build(time.Unix(0, 0), config.DefaultConfig(), mptcp.WithTracker(stats))
	require.NoError(t, err)
	syns := &Capture{Event: TraceDelivered}
	n.SetTracer(syns)

	client, server := n.HostNamed("client"), n.HostNamed("server")
	require.NotNil(t, client)
	require.NotNil(t, server)
	assert.Same(t, server, n.Host(netip.MustParseAddr("10.1.0.1")))

	payload := make([]byte, 300000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	sender := &endpoint{payload: payload}
	receiver := &endpoint{}
	require.NoError(t, server.Stack().Listen(netip.AddrPortFrom(netip.Addr{}, 80), func(mptcp.Socket) mptcp.Handler {
		return receiver
	}))
	_, err = client.Stack().DialMultipath(client.Addrs(), []netip.AddrPort{netip.MustParseAddrPort("10.1.0.1:80")}, sender)
	require.NoError(t, err)

	n.Run(5 * time.Minute)

	require.NoError(t, sender.err)
	require.NoError(t, receiver.err)
	assert.True(t, receiver.established)
	assert.True(t, receiver.peerClosed)
	assert.True(t, sender.closed)
	assert.True(t, receiver.closed)
	assert.Equal(t, len(payload), receiver.received.Len())
	assert.True(t, bytes.Equal(payload, receiver.received.Bytes()), "data arrives intact and in order")

	fast := n.Link(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.1.0.1"))
	slow := n.Link(netip.MustParseAddr("10.0.1.1"), netip.MustParseAddr("10.1.0.1"))
	require.NotNil(t, fast)
	require.NotNil(t, slow)
	assert.Greater(t, fast.Delivered, 10)
	assert.Greater(t, slow.Delivered, 10)
	assert.Equal(t, slow.Sent, slow.Delivered+slow.Lost)
	assert.Zero(t, fast.Lost)
	// both stacks share the tracker and see each subflow from their own end
	assert.Len(t, stats.Paths(), 4)

	assert.Zero(t, syns.Errors)
	var mpSyns int
	for _, h := range syns.Headers {
		if !h.SYN {
			continue
		}
		for _, o := range h.Options {
			if o.OptionType == layers.TCPOptionKind(mptcp.OptionMPTCP) {
				mpSyns++
				break
			}
		}
	}
	// a SYN and a SYN/ACK per subflow
	assert.GreaterOrEqual(t, mpSyns, 4)
}

func TestLinkDownLosesEverything(t *testing.T) {
	n := New(time.Unix(0, 0))
	a, b := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")
	cfg := config.DefaultConfig()
	cfg.Multipath.Enabled = false
	cfg.Timers.ConnEstab = 10 * time.Second
	_, err := n.AddHost("a", cfg, []netip.Addr{a}, mptcp.WithSeed(1))
	require.NoError(t, err)
	_, err = n.AddHost("b", cfg, []netip.Addr{b}, mptcp.WithSeed(2))
	require.NoError(t, err)
	_, err = n.AddHost("dup", cfg, []netip.Addr{b})
	assert.Error(t, err)
	ab, _, err := n.Connect(a, b, LinkConfig{Delay: time.Millisecond})
	require.NoError(t, err)
	ab.SetDown(true)

	var records []Record
	n.SetTracer(TracerFunc(func(r Record) {
		records = append(records, Record{At: r.At, Event: r.Event, Src: r.Src, Dst: r.Dst})
	}))
	client := &endpoint{}
	_, err = n.Host(a).Stack().Dial(a, netip.AddrPortFrom(b, 80), client)
	require.NoError(t, err)
	n.Run(time.Minute)

	assert.False(t, client.established)
	assert.True(t, client.closed)
	assert.ErrorIs(t, client.err, mptcp.ErrTimedOut)
	assert.Greater(t, ab.Lost, 1, "the SYN is retransmitted")
	assert.Zero(t, ab.Delivered)
	for _, r := range records {
		assert.Equal(t, TraceLost, r.Event)
	}
	assert.LessOrEqual(t, n.Elapsed(), time.Minute)
}

func TestSummary(t *testing.T) {
	tcp := &layers.TCP{SrcPort: 1, DstPort: 2, Seq: 3, Ack: 4, SYN: true, ACK: true, Window: 5,
		Options: []layers.TCPOption{{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{5, 180}}}}
	s := Summary(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), tcp)
	assert.Equal(t, "10.0.0.1.1 > 10.0.0.2.2 [S.] seq 3 ack 4 win 5 len 0 opts [MSS]", s)
	assert.Equal(t, "lost", TraceLost.String())
}
