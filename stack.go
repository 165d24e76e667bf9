package mptcp

import (
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/getlantern/mptcp/config"
	"github.com/getlantern/mptcp/seqnum"
)

// Stack owns every connection, listener and flow of one host. It replaces
// what would otherwise be process wide tables, so several stacks can run side
// by side, for example both ends of a simulated network.
type Stack struct {
	cfg   *config.Config
	env   Env
	epoch time.Time

	conns     connArena
	demux     map[Path]ConnID
	listeners map[netip.AddrPort]*listener
	flows     map[uint32]*Flow
	ports     *portPool

	timerToken uint64
	// ackEpoch advances with every inbound segment. Terms shared between
	// the subflows of a flow are cached per epoch.
	ackEpoch uint64

	tracker StatsTracker
	deriver KeyDeriver
	rng     *rand.Rand
	newISS  func() seqnum.Value
	newKey  func() uint64
}

type listener struct {
	addr   netip.AddrPort
	accept func(Socket) Handler
}

// StackOption customizes a Stack.
type StackOption func(*Stack)

// WithTracker reports traffic of every connection to t.
func WithTracker(t StatsTracker) StackOption {
	return func(s *Stack) {
		s.tracker = t
	}
}

// WithKeyDeriver replaces the SHA-1 based derivation of tokens, initial data
// sequence numbers and join MACs.
func WithKeyDeriver(d KeyDeriver) StackOption {
	return func(s *Stack) {
		s.deriver = d
	}
}

// WithISS replaces the random choice of initial sequence numbers.
func WithISS(fn func() seqnum.Value) StackOption {
	return func(s *Stack) {
		s.newISS = fn
	}
}

// WithSeed makes every random choice of the stack (ports, sequence numbers,
// keys, nonces) reproducible.
func WithSeed(seed int64) StackOption {
	return func(s *Stack) {
		s.rng = rand.New(rand.NewSource(seed))
		s.newKey = func() uint64 { return s.rng.Uint64() }
	}
}

// NewStack creates a stack running in env. A nil cfg means the defaults.
func NewStack(cfg *config.Config, env Env, opts ...StackOption) (*Stack, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stack{
		cfg:       cfg,
		env:       env,
		epoch:     env.Now(),
		demux:     make(map[Path]ConnID),
		listeners: make(map[netip.AddrPort]*listener),
		flows:     make(map[uint32]*Flow),
		tracker:   NullTracker{},
		deriver:   sha1Deriver{},
		newKey:    newKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.newISS == nil {
		s.newISS = func() seqnum.Value { return seqnum.Value(s.rng.Uint32()) }
	}
	s.ports = newPortPool(cfg.Ports.First, cfg.Ports.Last, s.rng)
	return s, nil
}

// Config returns the configuration the stack runs with.
func (s *Stack) Config() *config.Config {
	return s.cfg
}

// Conn returns the connection id names, or nil once it has been released.
func (s *Stack) Conn(id ConnID) *Conn {
	return s.conns.get(id)
}

// NumConns is the number of connections not released yet, TIME_WAIT
// included.
func (s *Stack) NumConns() int {
	return s.conns.len()
}

// NumFlows is the number of multipath flows not closed yet.
func (s *Stack) NumFlows() int {
	return len(s.flows)
}

// Dial opens a single path connection from local to remote. h receives the
// connection's notifications.
func (s *Stack) Dial(local netip.Addr, remote netip.AddrPort, h Handler) (*Conn, error) {
	c, err := s.newActiveConn(local, remote)
	if err != nil {
		return nil, err
	}
	c.handler = h
	c.connect()
	return c, nil
}

// DialMultipath opens a flow over the first local and remote address and,
// once it is established, joins a subflow for every other pair. With
// multipath disabled it is Dial on the first pair.
func (s *Stack) DialMultipath(locals []netip.Addr, remotes []netip.AddrPort, h Handler) (Socket, error) {
	if len(locals) == 0 || len(remotes) == 0 {
		return nil, fmt.Errorf("%w: no addresses to dial", ErrInvalidState)
	}
	if !s.cfg.Multipath.Enabled {
		return s.Dial(locals[0], remotes[0], h)
	}
	f, err := newFlow(s, true)
	if err != nil {
		return nil, err
	}
	f.handler = h
	f.locals = append([]netip.Addr(nil), locals...)
	f.remotes = append([]netip.AddrPort(nil), remotes...)
	f.tried[addrPair{locals[0], remotes[0]}] = true
	if _, err := s.openSubflow(f, locals[0], remotes[0], false); err != nil {
		delete(s.flows, f.localToken)
		return nil, err
	}
	return f, nil
}

// Listen accepts connections on local. An unspecified address accepts on any
// address with that port. accept is called once per connection when it is
// established and returns the Handler for it; the Socket is a *Conn or, for
// multipath capable peers, a *Flow.
func (s *Stack) Listen(local netip.AddrPort, accept func(Socket) Handler) error {
	key := listenKey(local)
	if _, ok := s.listeners[key]; ok {
		return fmt.Errorf("%w: %v", ErrAddressInUse, local)
	}
	s.listeners[key] = &listener{addr: local, accept: accept}
	log.Debugf("listening on %v", local)
	return nil
}

// Unlisten stops accepting on local. Connections already accepted are not
// affected.
func (s *Stack) Unlisten(local netip.AddrPort) {
	delete(s.listeners, listenKey(local))
}

func listenKey(ap netip.AddrPort) netip.AddrPort {
	if !ap.Addr().IsValid() || ap.Addr().IsUnspecified() {
		return netip.AddrPortFrom(netip.Addr{}, ap.Port())
	}
	return ap
}

func (s *Stack) listenerFor(local netip.AddrPort) *listener {
	if l, ok := s.listeners[local]; ok {
		return l
	}
	return s.listeners[netip.AddrPortFrom(netip.Addr{}, local.Port())]
}

func (s *Stack) newActiveConn(local netip.Addr, remote netip.AddrPort) (*Conn, error) {
	port, err := s.ports.allocate(func(p uint16) bool {
		_, ok := s.demux[Path{Local: netip.AddrPortFrom(local, p), Remote: remote}]
		return ok
	})
	if err != nil {
		return nil, err
	}
	path := Path{Local: netip.AddrPortFrom(local, port), Remote: remote}
	c, err := newConn(s, path, true)
	if err != nil {
		if rerr := s.ports.release(port); rerr != nil {
			log.Error(rerr)
		}
		return nil, err
	}
	c.portAllocated = true
	return c, nil
}

// openSubflow starts the handshake of a new subflow of f.
func (s *Stack) openSubflow(f *Flow, local netip.Addr, remote netip.AddrPort, join bool) (*subflow, error) {
	c, err := s.newActiveConn(local, remote)
	if err != nil {
		return nil, err
	}
	sf := &subflow{flow: f, conn: c, join: join}
	if join {
		f.nextAddrID++
		sf.addrID = f.nextAddrID
		sf.localNonce = s.rng.Uint32()
	}
	c.sf = sf
	f.subflows = append(f.subflows, sf)
	c.connect()
	return sf, nil
}

// SegmentArrived is the entry point for every segment the network delivers
// to this stack. src and dst are the IP addresses it travelled between.
func (s *Stack) SegmentArrived(seg *Segment, src, dst netip.Addr) {
	s.ackEpoch++
	path := Path{
		Local:  netip.AddrPortFrom(dst, seg.DstPort),
		Remote: netip.AddrPortFrom(src, seg.SrcPort),
	}
	if id, ok := s.demux[path]; ok {
		if c := s.conns.get(id); c != nil {
			c.segmentArrived(seg)
			return
		}
		delete(s.demux, path)
	}
	l := s.listenerFor(path.Local)
	if l == nil || !seg.Flags.Contains(FlagSyn) || seg.Flags.Intersects(FlagAck|FlagRst) {
		if !seg.Flags.Contains(FlagRst) {
			log.Tracef("no connection for %v, resetting", path)
			s.sendReset(seg, path)
		}
		return
	}
	s.fork(l, seg, path)
}

// sendReset answers a segment nothing is listening for.
func (s *Stack) sendReset(seg *Segment, path Path) {
	rst := &Segment{SrcPort: path.Local.Port(), DstPort: path.Remote.Port()}
	if seg.Flags.Contains(FlagAck) {
		rst.Seq = seg.Ack
		rst.Flags = FlagRst
	} else {
		rst.Ack = seg.Seq.Add(seg.logicalLen())
		rst.Flags = FlagRst | FlagAck
	}
	s.env.SendSegment(rst, path)
}

// fork creates the connection answering a SYN received by l.
func (s *Stack) fork(l *listener, seg *Segment, path Path) {
	var sf *subflow
	var created *Flow
	if s.cfg.Multipath.Enabled {
		opts := parseOptions(seg.Options)
		mpc, join, _ := parseMPOptions(&opts)
		switch {
		case join != nil:
			f := s.flows[join.token]
			if f == nil || f.state != flowEstablished || f.fallback {
				log.Debugf("join for unknown token %#x from %v", join.token, path.Remote)
				s.sendReset(seg, path)
				return
			}
			sf = &subflow{flow: f, join: true}
		case mpc != nil:
			f, err := newFlow(s, false)
			if err != nil {
				log.Errorf("unable to accept flow from %v: %v", path.Remote, err)
				s.sendReset(seg, path)
				return
			}
			f.accept = l.accept
			created = f
			sf = &subflow{flow: f}
		}
	}
	c, err := newConn(s, path, false)
	if err != nil {
		log.Errorf("unable to accept connection from %v: %v", path.Remote, err)
		if created != nil {
			delete(s.flows, created.localToken)
		}
		s.sendReset(seg, path)
		return
	}
	c.forked = true
	c.accept = l.accept
	if sf != nil {
		sf.conn = c
		c.sf = sf
		sf.flow.subflows = append(sf.flow.subflows, sf)
	}
	c.performStateTransition(evOpenPassive)
	c.segmentArrived(seg)
}

// TimerFired is the entry point for timers scheduled through
// Env.ScheduleTimer. Timers of released connections and timers cancelled
// or re-armed since are ignored.
func (s *Stack) TimerFired(ev TimerEvent) {
	c := s.conns.get(ev.Conn)
	if c == nil || ev.Kind >= numTimers || ev.Token == 0 || c.timers[ev.Kind] != ev.Token {
		log.Tracef("ignoring stale %v timer of %v", ev.Kind, ev.Conn)
		return
	}
	c.timerFired(ev.Kind)
}

func (s *Stack) nextTimerToken() uint64 {
	s.timerToken++
	return s.timerToken
}

// release forgets a connection that reached CLOSED.
func (s *Stack) release(c *Conn) {
	s.conns.remove(c.id)
	if id, ok := s.demux[c.path]; ok && id == c.id {
		delete(s.demux, c.path)
	}
	if c.portAllocated {
		c.portAllocated = false
		if err := s.ports.release(c.path.Local.Port()); err != nil {
			log.Error(err)
		}
	}
}

// tsNow is the timestamp clock: microseconds since the stack was created,
// never zero.
func (s *Stack) tsNow() uint32 {
	return uint32(s.env.Now().Sub(s.epoch)/time.Microsecond) + 1
}

// sinceTicks is the time elapsed since the timestamp clock read ts.
func (s *Stack) sinceTicks(ts uint32) time.Duration {
	return time.Duration(s.tsNow()-ts) * time.Microsecond
}
