package netsim

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TraceEvent is what happened to a traced segment.
type TraceEvent uint8

const (
	TraceSent TraceEvent = iota
	TraceLost
	TraceDelivered
)

func (e TraceEvent) String() string {
	switch e {
	case TraceSent:
		return "sent"
	case TraceLost:
		return "lost"
	case TraceDelivered:
		return "delivered"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(e))
	}
}

// Record describes one traced segment. Wire is only valid for the duration
// of Tracer.Trace.
type Record struct {
	At    time.Duration
	Event TraceEvent
	Src   netip.Addr
	Dst   netip.Addr
	Wire  []byte
}

// Decode parses the wire bytes of the record with gopacket, independently
// of the engine's own codec.
func (r *Record) Decode() (*layers.TCP, error) {
	tcp := &layers.TCP{}
	if err := tcp.DecodeFromBytes(r.Wire, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return tcp, nil
}

// Tracer observes the segments crossing the network.
type Tracer interface {
	Trace(r Record)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(r Record)

func (f TracerFunc) Trace(r Record) {
	f(r)
}

// LogTracer logs every record at trace level.
type LogTracer struct{}

func (LogTracer) Trace(r Record) {
	tcp, err := r.Decode()
	if err != nil {
		log.Errorf("%v %v %v->%v: undecodable: %v", r.At, r.Event, r.Src, r.Dst, err)
		return
	}
	log.Tracef("%v %v %v", r.At, r.Event, Summary(r.Src, r.Dst, tcp))
}

// Summary renders a decoded header tcpdump style.
func Summary(src, dst netip.Addr, tcp *layers.TCP) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{tcp.SYN, "S"}, {tcp.FIN, "F"}, {tcp.RST, "R"}, {tcp.PSH, "P"}, {tcp.ACK, "."},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	var opts []string
	for _, o := range tcp.Options {
		if o.OptionType == layers.TCPOptionKindNop || o.OptionType == layers.TCPOptionKindEndList {
			continue
		}
		opts = append(opts, o.OptionType.String())
	}
	return fmt.Sprintf("%v.%d > %v.%d [%s] seq %d ack %d win %d len %d opts [%s]",
		src, tcp.SrcPort, dst, tcp.DstPort, strings.Join(flags, ""),
		tcp.Seq, tcp.Ack, tcp.Window, len(tcp.Payload), strings.Join(opts, ","))
}

// Capture keeps the decoded headers of every record with a given event, for
// inspection after a run.
type Capture struct {
	Event   TraceEvent
	Headers []*layers.TCP
	Errors  int
}

func (c *Capture) Trace(r Record) {
	if r.Event != c.Event {
		return
	}
	tcp, err := r.Decode()
	if err != nil {
		c.Errors++
		return
	}
	// the payload aliases the wire buffer, which is reused after the call
	tcp.Payload = append([]byte(nil), tcp.Payload...)
	for i := range tcp.Options {
		tcp.Options[i].OptionData = append([]byte(nil), tcp.Options[i].OptionData...)
	}
	tcp.Contents = nil
	tcp.Padding = nil
	c.Headers = append(c.Headers, tcp)
}
