package mptcp

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/getlantern/mptcp/seqnum"
	pool "github.com/libp2p/go-buffer-pool"
)

// Flags that may be set in a TCP segment.
type Flags uint8

const (
	FlagFin Flags = 1 << iota
	FlagSyn
	FlagRst
	FlagPsh
	FlagAck
	FlagUrg
)

const (
	// HeaderLen is the length of the fixed TCP header.
	HeaderLen = 20
	// MaxOptionsLen is the most option bytes a header can carry.
	MaxOptionsLen = 40
	// MaxHeaderLen is HeaderLen plus MaxOptionsLen.
	MaxHeaderLen = HeaderLen + MaxOptionsLen
)

// Contains returns true iff all the flags in o are set in f.
func (f Flags) Contains(o Flags) bool {
	return f&o == o
}

// Intersects returns true iff at least one of the flags in o is set in f.
func (f Flags) Intersects(o Flags) bool {
	return f&o != 0
}

// String returns a string representation of the flags.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG"}
	var parts []string
	for i, name := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Segment is a single TCP protocol data unit.
type Segment struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      seqnum.Value
	Ack      seqnum.Value
	Flags    Flags
	Window   uint16
	Checksum uint16
	Urgent   uint16
	Options  []Option
	Payload  []byte
}

// logicalLen is the sequence space the segment occupies: SYN and FIN count
// as one byte each.
func (s *Segment) logicalLen() seqnum.Size {
	l := seqnum.Size(len(s.Payload))
	if s.Flags.Intersects(FlagSyn) {
		l++
	}
	if s.Flags.Intersects(FlagFin) {
		l++
	}
	return l
}

// OptionsLen is the encoded length of the options, padded to a multiple of
// four bytes.
func (s *Segment) OptionsLen() int {
	return optionsLen(s.Options)
}

// HeaderLen is the length of the encoded header including options.
func (s *Segment) HeaderLen() int {
	return HeaderLen + s.OptionsLen()
}

func (s *Segment) String() string {
	return fmt.Sprintf("%d->%d [%v] seq=%d ack=%d win=%d len=%d opts=%v",
		s.SrcPort, s.DstPort, s.Flags, s.Seq, s.Ack, s.Window, len(s.Payload), s.Options)
}

// Marshal encodes the segment into a buffer taken from the shared buffer
// pool. The checksum is computed over the whole segment. Callers hand the
// buffer back with Release once it has been consumed.
func (s *Segment) Marshal() ([]byte, error) {
	optLen := s.OptionsLen()
	if optLen > MaxOptionsLen {
		return nil, fmt.Errorf("%w: %d option bytes", ErrMalformed, optLen)
	}
	hdrLen := HeaderLen + optLen
	buf := pool.Get(hdrLen + len(s.Payload))
	binary.BigEndian.PutUint16(buf[0:], s.SrcPort)
	binary.BigEndian.PutUint16(buf[2:], s.DstPort)
	binary.BigEndian.PutUint32(buf[4:], uint32(s.Seq))
	binary.BigEndian.PutUint32(buf[8:], uint32(s.Ack))
	buf[12] = uint8(hdrLen/4) << 4
	buf[13] = uint8(s.Flags)
	binary.BigEndian.PutUint16(buf[14:], s.Window)
	buf[16], buf[17] = 0, 0
	binary.BigEndian.PutUint16(buf[18:], s.Urgent)
	encodeOptions(buf[HeaderLen:hdrLen], s.Options)
	copy(buf[hdrLen:], s.Payload)
	binary.BigEndian.PutUint16(buf[16:], checksum(buf))
	return buf, nil
}

// Release returns a buffer obtained from Marshal to the pool.
func Release(b []byte) {
	pool.Put(b)
}

// Unmarshal decodes a segment. Options and Payload alias b, so b must stay
// untouched for as long as the segment is in use.
func Unmarshal(b []byte) (*Segment, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a header", ErrMalformed, len(b))
	}
	hdrLen := int(b[12]>>4) * 4
	if hdrLen < HeaderLen || hdrLen > len(b) {
		return nil, fmt.Errorf("%w: header length %d", ErrMalformed, hdrLen)
	}
	if checksum(b) != 0 {
		return nil, fmt.Errorf("%w: bad checksum", ErrMalformed)
	}
	s := &Segment{
		SrcPort:  binary.BigEndian.Uint16(b[0:]),
		DstPort:  binary.BigEndian.Uint16(b[2:]),
		Seq:      seqnum.Value(binary.BigEndian.Uint32(b[4:])),
		Ack:      seqnum.Value(binary.BigEndian.Uint32(b[8:])),
		Flags:    Flags(b[13]) & (FlagFin | FlagSyn | FlagRst | FlagPsh | FlagAck | FlagUrg),
		Window:   binary.BigEndian.Uint16(b[14:]),
		Checksum: binary.BigEndian.Uint16(b[16:]),
		Urgent:   binary.BigEndian.Uint16(b[18:]),
	}
	opts, err := decodeOptions(b[HeaderLen:hdrLen])
	if err != nil {
		return nil, err
	}
	s.Options = opts
	if len(b) > hdrLen {
		s.Payload = b[hdrLen:]
	}
	return s, nil
}

// checksum is the Internet checksum (RFC 1071) of b. Verifying a segment
// that carries its checksum yields zero.
func checksum(b []byte) uint16 {
	var sum uint32
	for len(b) >= 2 {
		sum += uint32(b[0])<<8 | uint32(b[1])
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	return ^uint16(sum)
}
