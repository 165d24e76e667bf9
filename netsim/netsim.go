// Package netsim is a small discrete-event network for running mptcp stacks
// against each other. Hosts own one or more addresses and a Stack; links
// carry marshalled segments between two addresses with a fixed delay and a
// loss probability. Time is virtual and only advances while Run processes
// events, so a run is reproducible for a given set of seeds.
package netsim

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/getlantern/golog"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"

	"github.com/getlantern/mptcp"
	"github.com/getlantern/mptcp/config"
)

var log = golog.LoggerFor("mptcp.netsim")

// Network is the set of hosts and links of one simulation. Like the stacks it
// drives, it must be used from a single goroutine.
type Network struct {
	events *evtm.EventManager
	start  time.Time
	hosts  map[netip.Addr]*Host
	links  map[addrPair]*Link
	tracer Tracer
}

type addrPair struct {
	src, dst netip.Addr
}

// New creates an empty network whose virtual clock starts at start.
func New(start time.Time) *Network {
	return &Network{
		events: evtm.New(),
		start:  start,
		hosts:  make(map[netip.Addr]*Host),
		links:  make(map[addrPair]*Link),
	}
}

// SetTracer makes t see every segment put on a link.
func (n *Network) SetTracer(t Tracer) {
	n.tracer = t
}

// Now is the current virtual time.
func (n *Network) Now() time.Time {
	return n.start.Add(n.Elapsed())
}

// Elapsed is the virtual time since the network was created.
func (n *Network) Elapsed() time.Duration {
	return time.Duration(n.events.CurrentSeconds() * float64(time.Second))
}

// Run processes events until the virtual clock reaches until, counted from
// the start of the simulation, or no event is left.
func (n *Network) Run(until time.Duration) {
	n.events.Run(until.Seconds())
}

// AddHost creates a host owning addrs and a Stack running on it.
func (n *Network) AddHost(name string, cfg *config.Config, addrs []netip.Addr, opts ...mptcp.StackOption) (*Host, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("host %v has no address", name)
	}
	h := &Host{net: n, name: name, addrs: addrs}
	for _, addr := range addrs {
		if other, ok := n.hosts[addr]; ok {
			return nil, fmt.Errorf("address %v of %v already belongs to %v", addr, name, other.name)
		}
	}
	stack, err := mptcp.NewStack(cfg, h, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create stack for %v: %w", name, err)
	}
	h.stack = stack
	for _, addr := range addrs {
		n.hosts[addr] = h
	}
	log.Debugf("added host %v %v", name, addrs)
	return h, nil
}

// Host returns the host owning addr, if any.
func (n *Network) Host(addr netip.Addr) *Host {
	return n.hosts[addr]
}

// Connect creates a link in each direction between a and b, both using lc.
func (n *Network) Connect(a, b netip.Addr, lc LinkConfig) (*Link, *Link, error) {
	for _, addr := range []netip.Addr{a, b} {
		if n.hosts[addr] == nil {
			return nil, nil, fmt.Errorf("no host has address %v", addr)
		}
	}
	if lc.Loss < 0 || lc.Loss > 1 {
		return nil, nil, fmt.Errorf("invalid loss probability %v", lc.Loss)
	}
	ab := n.newLink(a, b, lc)
	ba := n.newLink(b, a, lc)
	return ab, ba, nil
}

func (n *Network) newLink(src, dst netip.Addr, lc LinkConfig) *Link {
	l := &Link{
		net:    n,
		src:    src,
		dst:    dst,
		config: lc,
		rng:    rngstream.New(fmt.Sprintf("%v>%v", src, dst)),
	}
	n.links[addrPair{src, dst}] = l
	return l
}

// Link returns the link from src to dst, if any.
func (n *Network) Link(src, dst netip.Addr) *Link {
	return n.links[addrPair{src, dst}]
}

func (n *Network) trace(ev TraceEvent, l *Link, b []byte) {
	if n.tracer == nil {
		return
	}
	n.tracer.Trace(Record{
		At:    n.Elapsed(),
		Event: ev,
		Src:   l.src,
		Dst:   l.dst,
		Wire:  b,
	})
}

// Host is one end system. It implements mptcp.Env for its Stack.
type Host struct {
	net   *Network
	name  string
	addrs []netip.Addr
	stack *mptcp.Stack
}

func (h *Host) String() string {
	return h.name
}

// Stack is the transport engine of the host.
func (h *Host) Stack() *mptcp.Stack {
	return h.stack
}

// Addrs are the addresses the host owns, the first one being its primary.
func (h *Host) Addrs() []netip.Addr {
	return h.addrs
}

// Now implements mptcp.Env.
func (h *Host) Now() time.Time {
	return h.net.Now()
}

// ScheduleTimer implements mptcp.Env.
func (h *Host) ScheduleTimer(delay time.Duration, ev mptcp.TimerEvent) {
	h.net.events.Schedule(h, ev, fireTimer, vrtime.SecondsToTime(delay.Seconds()))
}

func fireTimer(_ *evtm.EventManager, context any, data any) any {
	h := context.(*Host)
	h.stack.TimerFired(data.(mptcp.TimerEvent))
	return nil
}

// SendSegment implements mptcp.Env. The segment is marshalled right away and
// handed to the link between the two addresses of path; without a link it
// is dropped.
func (h *Host) SendSegment(seg *mptcp.Segment, path mptcp.Path) {
	l := h.net.Link(path.Local.Addr(), path.Remote.Addr())
	if l == nil {
		log.Tracef("%v: no link for %v, dropping %v", h, path, seg)
		return
	}
	l.transmit(seg)
}

// LinkConfig describes the behaviour of a link.
type LinkConfig struct {
	Delay time.Duration
	// Loss is the probability that a segment is lost.
	Loss float64
}

// Link carries segments in one direction.
type Link struct {
	net    *Network
	src    netip.Addr
	dst    netip.Addr
	config LinkConfig
	rng    *rngstream.RngStream
	down   bool

	// Filter, when set, is consulted for every segment put on the link. A
	// segment it returns true for is dropped.
	Filter func(seg *mptcp.Segment) bool

	Sent      int
	Delivered int
	Lost      int
	Filtered  int
}

type packet struct {
	buf []byte
}

func (l *Link) String() string {
	return fmt.Sprintf("link(%v->%v)", l.src, l.dst)
}

// SetDown cuts the link, or restores it. A cut link loses everything,
// including segments already in flight.
func (l *Link) SetDown(down bool) {
	l.down = down
}

// SetLoss changes the loss probability of the link.
func (l *Link) SetLoss(p float64) {
	l.config.Loss = p
}

func (l *Link) transmit(seg *mptcp.Segment) {
	l.Sent++
	if l.Filter != nil && l.Filter(seg) {
		l.Filtered++
		log.Tracef("%v: filtered %v", l, seg)
		return
	}
	buf, err := seg.Marshal()
	if err != nil {
		log.Errorf("%v: unable to marshal %v: %v", l, seg, err)
		return
	}
	if l.down || (l.config.Loss > 0 && l.rng.RandU01() < l.config.Loss) {
		l.Lost++
		l.net.trace(TraceLost, l, buf)
		mptcp.Release(buf)
		return
	}
	l.net.trace(TraceSent, l, buf)
	l.net.events.Schedule(l, &packet{buf: buf}, deliver, vrtime.SecondsToTime(l.config.Delay.Seconds()))
}

func deliver(_ *evtm.EventManager, context any, data any) any {
	l := context.(*Link)
	p := data.(*packet)
	defer mptcp.Release(p.buf)
	if l.down {
		l.Lost++
		l.net.trace(TraceLost, l, p.buf)
		return nil
	}
	h := l.net.hosts[l.dst]
	if h == nil {
		return nil
	}
	seg, err := mptcp.Unmarshal(p.buf)
	if err != nil {
		log.Errorf("%v: dropping undecodable segment: %v", l, err)
		return nil
	}
	l.Delivered++
	l.net.trace(TraceDelivered, l, p.buf)
	h.stack.SegmentArrived(seg, l.src, l.dst)
	return nil
}
