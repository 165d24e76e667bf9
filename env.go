package mptcp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/getlantern/mptcp/seqnum"
)

// Path identifies a connection by its two endpoints, seen from the local
// side.
type Path struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func (p Path) String() string {
	return fmt.Sprintf("%v->%v", p.Local, p.Remote)
}

// TimerKind names one of the timers a connection runs.
type TimerKind uint8

const (
	TimerConnEstab TimerKind = iota
	TimerSynRexmit
	TimerRexmit
	TimerPersist
	TimerDelayedAck
	Timer2MSL
	TimerFinWait2
	numTimers
)

func (k TimerKind) String() string {
	switch k {
	case TimerConnEstab:
		return "CONN-ESTAB"
	case TimerSynRexmit:
		return "SYN-REXMIT"
	case TimerRexmit:
		return "REXMIT"
	case TimerPersist:
		return "PERSIST"
	case TimerDelayedAck:
		return "DELAYED-ACK"
	case Timer2MSL:
		return "2MSL"
	case TimerFinWait2:
		return "FIN-WAIT-2"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// TimerEvent is what the Env hands back through Stack.TimerFired. Cancelling
// a timer only invalidates its token, so the Env may deliver events that
// have since been cancelled; they are ignored.
type TimerEvent struct {
	Conn  ConnID
	Kind  TimerKind
	Token uint64
}

// Env is the host the engine runs in.
type Env interface {
	// Now returns the current (possibly simulated) time.
	Now() time.Time

	// ScheduleTimer arranges for Stack.TimerFired(ev) to be called after
	// delay.
	ScheduleTimer(delay time.Duration, ev TimerEvent)

	// SendSegment hands a segment to the network. Delivery is not
	// confirmed. The segment must not be retained after the call returns
	// unless it is copied.
	SendSegment(seg *Segment, path Path)
}

// TimerCanceler is implemented by Envs that can drop scheduled timers.
// Implementing it is optional.
type TimerCanceler interface {
	CancelTimer(ev TimerEvent)
}

// Socket is the application's view of a connection or a multipath flow.
type Socket interface {
	// Send queues b for transmission. It returns ErrBufferFull when the send
	// buffer cannot take all of b, in which case nothing is queued.
	Send(b []byte) error

	// Close closes the sending direction once queued data has been sent.
	Close() error

	// Abort resets the connection, discarding all queued data.
	Abort()

	Status() Status
}

// Handler receives the asynchronous notifications of one Socket. Exactly one
// of OnClosed and OnTimedOut is called, after which the socket is gone.
type Handler interface {
	OnEstablished(s Socket)

	// OnDataArrived delivers in-order bytes. b is only valid for the
	// duration of the call.
	OnDataArrived(s Socket, b []byte)

	// OnPeerClosed reports that the peer will send no more data.
	OnPeerClosed(s Socket)

	// OnClosed reports the end of the socket. err is nil after a graceful
	// close, ErrConnectionRefused or ErrConnectionReset otherwise.
	OnClosed(s Socket, err error)

	OnTimedOut(s Socket)
}

// NullHandler ignores all notifications. Embed it to implement only some of
// them.
type NullHandler struct{}

func (NullHandler) OnEstablished(Socket)         {}
func (NullHandler) OnDataArrived(Socket, []byte) {}
func (NullHandler) OnPeerClosed(Socket)          {}
func (NullHandler) OnClosed(Socket, error)       {}
func (NullHandler) OnTimedOut(Socket)            {}

// Status is a snapshot of a socket's state.
type Status struct {
	Label       string
	State       string
	Path        Path
	SndUna      seqnum.Value
	SndNxt      seqnum.Value
	SndMax      seqnum.Value
	RcvNxt      seqnum.Value
	SndWnd      uint32
	RcvWnd      uint32
	Cwnd        uint32
	Ssthresh    uint32
	MSS         uint32
	SRTT        time.Duration
	RTO         time.Duration
	Queued      int
	SACK        bool
	Timestamps  bool
	WindowShift uint8
	Congestion  string
	Subflows    []Status
}
