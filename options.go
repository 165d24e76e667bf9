package mptcp

import (
	"encoding/binary"
	"fmt"

	"github.com/getlantern/mptcp/seqnum"
)

// OptionKind is a TCP option code.
type OptionKind uint8

const (
	OptionEOL           OptionKind = 0
	OptionNOP           OptionKind = 1
	OptionMSS           OptionKind = 2  // len = 4
	OptionWindowScale   OptionKind = 3  // len = 3
	OptionSACKPermitted OptionKind = 4  // len = 2
	OptionSACK          OptionKind = 5  // len = 2 + 8n
	OptionTimestamps    OptionKind = 8  // len = 10
	OptionMPTCP         OptionKind = 30 // len = n
)

const (
	mssOptionLen           = 4
	windowScaleOptionLen   = 3
	sackPermittedOptionLen = 2
	timestampsOptionLen    = 10
	sackBlockLen           = 8

	// maxWindowShift is the largest window scale shift allowed (RFC 7323).
	maxWindowShift = 14
)

func (k OptionKind) String() string {
	switch k {
	case OptionEOL:
		return "EOL"
	case OptionNOP:
		return "NOP"
	case OptionMSS:
		return "MSS"
	case OptionWindowScale:
		return "WS"
	case OptionSACKPermitted:
		return "SACKPermitted"
	case OptionSACK:
		return "SACK"
	case OptionTimestamps:
		return "TS"
	case OptionMPTCP:
		return "MPTCP"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Option is a single header option. Data excludes the kind and length bytes.
type Option struct {
	Kind OptionKind
	Data []byte
}

// Len is the encoded length of the option.
func (o Option) Len() int {
	if o.Kind == OptionEOL || o.Kind == OptionNOP {
		return 1
	}
	return 2 + len(o.Data)
}

func (o Option) String() string {
	if o.Kind == OptionMPTCP && len(o.Data) > 0 {
		return fmt.Sprintf("MPTCP/%v", mpSubtype(o.Data))
	}
	return o.Kind.String()
}

func optionsLen(opts []Option) int {
	n := 0
	for _, o := range opts {
		n += o.Len()
	}
	return (n + 3) &^ 3
}

// encodeOptions writes opts into b, which must be optionsLen(opts) long, and
// pads the remainder with NOPs.
func encodeOptions(b []byte, opts []Option) {
	i := 0
	for _, o := range opts {
		b[i] = uint8(o.Kind)
		if o.Kind == OptionEOL || o.Kind == OptionNOP {
			i++
			continue
		}
		b[i+1] = uint8(2 + len(o.Data))
		copy(b[i+2:], o.Data)
		i += 2 + len(o.Data)
	}
	for ; i < len(b); i++ {
		b[i] = uint8(OptionNOP)
	}
}

func decodeOptions(b []byte) ([]Option, error) {
	var opts []Option
	for len(b) > 0 {
		kind := OptionKind(b[0])
		switch kind {
		case OptionEOL:
			return opts, nil
		case OptionNOP:
			b = b[1:]
			continue
		}
		if len(b) < 2 {
			return nil, fmt.Errorf("%w: truncated %v option", ErrMalformed, kind)
		}
		l := int(b[1])
		if l < 2 || l > len(b) {
			return nil, fmt.Errorf("%w: %v option length %d", ErrMalformed, kind, l)
		}
		opts = append(opts, Option{Kind: kind, Data: b[2:l]})
		b = b[l:]
	}
	return opts, nil
}

func mssOption(mss uint16) Option {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], mss)
	return Option{Kind: OptionMSS, Data: b[:]}
}

func windowScaleOption(shift uint8) Option {
	return Option{Kind: OptionWindowScale, Data: []byte{shift}}
}

func sackPermittedOption() Option {
	return Option{Kind: OptionSACKPermitted}
}

func timestampsOption(val, ecr uint32) Option {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, val)
	binary.BigEndian.PutUint32(b[4:], ecr)
	return Option{Kind: OptionTimestamps, Data: b}
}

// sackBlock is a received range [Start, End) reported to the sender.
type sackBlock struct {
	Start seqnum.Value
	End   seqnum.Value
}

func sackOption(blocks []sackBlock) Option {
	b := make([]byte, sackBlockLen*len(blocks))
	for i, blk := range blocks {
		binary.BigEndian.PutUint32(b[i*sackBlockLen:], uint32(blk.Start))
		binary.BigEndian.PutUint32(b[i*sackBlockLen+4:], uint32(blk.End))
	}
	return Option{Kind: OptionSACK, Data: b}
}

// maxSACKBlocks is the number of SACK blocks that fit in the given number of
// spare option bytes.
func maxSACKBlocks(spare int) int {
	if spare < 2+sackBlockLen {
		return 0
	}
	return (spare - 2) / sackBlockLen
}

// parsedOptions is the typed view of the options of one inbound segment.
// Options with a bad length are skipped and recorded in malformed.
type parsedOptions struct {
	mss           uint16
	hasMSS        bool
	windowShift   uint8
	hasWS         bool
	sackPermitted bool
	hasTS         bool
	tsVal, tsEcr  uint32
	sackBlocks    []sackBlock
	mptcp         [][]byte
	malformed     []OptionKind
}

func parseOptions(opts []Option) parsedOptions {
	var p parsedOptions
	for _, o := range opts {
		switch o.Kind {
		case OptionMSS:
			if len(o.Data) != mssOptionLen-2 {
				p.malformed = append(p.malformed, o.Kind)
				continue
			}
			p.mss, p.hasMSS = binary.BigEndian.Uint16(o.Data), true
		case OptionWindowScale:
			if len(o.Data) != windowScaleOptionLen-2 {
				p.malformed = append(p.malformed, o.Kind)
				continue
			}
			p.windowShift, p.hasWS = o.Data[0], true
			if p.windowShift > maxWindowShift {
				p.windowShift = maxWindowShift
			}
		case OptionSACKPermitted:
			if len(o.Data) != 0 {
				p.malformed = append(p.malformed, o.Kind)
				continue
			}
			p.sackPermitted = true
		case OptionTimestamps:
			if len(o.Data) != timestampsOptionLen-2 {
				p.malformed = append(p.malformed, o.Kind)
				continue
			}
			p.hasTS = true
			p.tsVal = binary.BigEndian.Uint32(o.Data)
			p.tsEcr = binary.BigEndian.Uint32(o.Data[4:])
		case OptionSACK:
			if len(o.Data) == 0 || len(o.Data)%sackBlockLen != 0 {
				p.malformed = append(p.malformed, o.Kind)
				continue
			}
			for b := o.Data; len(b) > 0; b = b[sackBlockLen:] {
				p.sackBlocks = append(p.sackBlocks, sackBlock{
					Start: seqnum.Value(binary.BigEndian.Uint32(b)),
					End:   seqnum.Value(binary.BigEndian.Uint32(b[4:])),
				})
			}
		case OptionMPTCP:
			if len(o.Data) == 0 {
				p.malformed = append(p.malformed, o.Kind)
				continue
			}
			p.mptcp = append(p.mptcp, o.Data)
		}
	}
	return p
}
