// Command mptcpsim runs a bulk transfer between two simulated hosts and
// reports how the subflows shared the work.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/golog"

	"github.com/getlantern/mptcp"
	"github.com/getlantern/mptcp/config"
	"github.com/getlantern/mptcp/netsim"
)

var log = golog.LoggerFor("mptcpsim")

const defaultTopology = `
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
    delay: 20ms
  - a: 10.0.1.1
    b: 10.1.0.1
    delay: 60ms
    loss: 0.005
`

var (
	configFile   = flag.String("config", "", "engine configuration file (yaml or json)")
	topologyFile = flag.String("topology", "", "network topology file, a two path network by default")
	clientName   = flag.String("client", "client", "name of the sending host")
	serverName   = flag.String("server", "server", "name of the receiving host")
	port         = flag.Uint("port", 80, "port the server listens on")
	size         = flag.String("size", "4MB", "bytes to transfer")
	limit        = flag.Duration("limit", 10*time.Minute, "virtual time after which the run is abandoned")
	step         = flag.Duration("step", 100*time.Millisecond, "virtual time between refills of the send buffer")
	trace        = flag.Bool("trace", false, "log every segment at trace level")
)

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configFile != "" {
		if err := config.LoadFromFile(*configFile, cfg); err != nil {
			log.Fatal(err)
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	closer, err := cfg.ApplyLogging()
	if err != nil {
		log.Fatal(err)
	}
	defer closer.Close()

	total, err := humanize.ParseBytes(*size)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *size, err)
	}

	topo, err := loadTopology()
	if err != nil {
		log.Fatal(err)
	}
	stats := mptcp.NewStats()
	n, err := topo.Build(time.Unix(0, 0), cfg, mptcp.WithTracker(stats))
	if err != nil {
		log.Fatal(err)
	}
	if *trace {
		n.SetTracer(netsim.LogTracer{})
	}
	client, server := n.HostNamed(*clientName), n.HostNamed(*serverName)
	if client == nil || server == nil {
		log.Fatalf("topology has no host %v or %v", *clientName, *serverName)
	}

	r := &transfer{total: total, pattern: []byte("0123456789abcdef")}
	if err := server.Stack().Listen(netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(*port)), func(mptcp.Socket) mptcp.Handler {
		return &sink{t: r}
	}); err != nil {
		log.Fatal(err)
	}
	var remotes []netip.AddrPort
	for _, addr := range server.Addrs() {
		remotes = append(remotes, netip.AddrPortFrom(addr, uint16(*port)))
	}
	sock, err := client.Stack().DialMultipath(client.Addrs(), remotes, &source{t: r})
	if err != nil {
		log.Fatal(err)
	}
	r.sock = sock

	for at := *step; at <= *limit && !r.finished(); at += *step {
		r.refill()
		n.Run(at)
	}
	report(os.Stdout, r, n, stats)
	if !r.finished() {
		os.Exit(1)
	}
}

func loadTopology() (*netsim.Topology, error) {
	if *topologyFile == "" {
		return netsim.ParseTopology([]byte(defaultTopology))
	}
	return netsim.LoadTopology(*topologyFile)
}

// transfer tracks both ends of the bulk transfer.
type transfer struct {
	sock    mptcp.Socket
	total   uint64
	pattern []byte

	ready    bool
	queued   uint64
	received uint64
	corrupt  bool
	closed   bool
	err      error
}

func (t *transfer) finished() bool {
	return t.closed
}

// refill queues as much of the remaining data as the send buffer takes.
func (t *transfer) refill() {
	if !t.ready {
		return
	}
	for t.queued < t.total {
		n := t.total - t.queued
		if n > 64<<10 {
			n = 64 << 10
		}
		chunk := make([]byte, n)
		for i := range chunk {
			chunk[i] = t.pattern[(t.queued+uint64(i))%uint64(len(t.pattern))]
		}
		if err := t.sock.Send(chunk); err != nil {
			return
		}
		t.queued += n
	}
	if t.queued == t.total {
		t.queued++
		if err := t.sock.Close(); err != nil {
			log.Errorf("unable to close: %v", err)
		}
	}
}

type source struct {
	mptcp.NullHandler
	t *transfer
}

func (s *source) OnEstablished(mptcp.Socket) {
	s.t.ready = true
	s.t.refill()
}

func (s *source) OnClosed(_ mptcp.Socket, err error) {
	s.t.closed = true
	s.t.err = err
}

func (s *source) OnTimedOut(mptcp.Socket) {
	s.t.closed = true
	s.t.err = mptcp.ErrTimedOut
}

type sink struct {
	mptcp.NullHandler
	t *transfer
}

func (s *sink) OnDataArrived(_ mptcp.Socket, b []byte) {
	t := s.t
	for i, c := range b {
		if c != t.pattern[(t.received+uint64(i))%uint64(len(t.pattern))] {
			t.corrupt = true
			break
		}
	}
	t.received += uint64(len(b))
}

func (s *sink) OnPeerClosed(sock mptcp.Socket) {
	if err := sock.Close(); err != nil {
		log.Errorf("unable to close: %v", err)
	}
}

func report(w *os.File, t *transfer, n *netsim.Network, stats *mptcp.Stats) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "transferred %s of %s in %v virtual time\n",
		humanize.Bytes(t.received), humanize.Bytes(t.total), n.Elapsed().Round(time.Millisecond))
	if secs := n.Elapsed().Seconds(); secs > 0 {
		fmt.Fprintf(&buf, "goodput %s/s\n", humanize.Bytes(uint64(float64(t.received)/secs)))
	}
	switch {
	case t.corrupt:
		fmt.Fprintln(&buf, "DATA CORRUPTED")
	case !t.closed:
		fmt.Fprintln(&buf, "transfer did not complete")
	case t.err != nil:
		fmt.Fprintf(&buf, "closed with error: %v\n", t.err)
	}
	for _, ps := range stats.Paths() {
		fmt.Fprintf(&buf, "  %v\n", &ps)
	}
	fmt.Fprintln(&buf, stats)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Error(err)
	}
}
