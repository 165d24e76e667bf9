package mptcp

import (
	"encoding/binary"
	"fmt"
)

// MPSubtype is the sub-type of an MPTCP option.
type MPSubtype uint8

const (
	MPCapable MPSubtype = 0
	MPJoin    MPSubtype = 1
	MPDSS     MPSubtype = 2
)

func (s MPSubtype) String() string {
	switch s {
	case MPCapable:
		return "MP_CAPABLE"
	case MPJoin:
		return "MP_JOIN"
	case MPDSS:
		return "DSS"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// Option lengths, including kind and length bytes.
const (
	mpCapableSynLen    = 12
	mpCapableAckLen    = 20
	mpJoinSynLen       = 12
	mpJoinSynAckLen    = 16
	mpJoinAckLen       = 24
	mpJoinSynAckMACLen = 8
	mpJoinAckMACLen    = 20
)

const (
	mpCapableFlagSHA1 = 0x01

	mpJoinFlagBackup = 0x01

	dssFlagDataAck  = 0x01
	dssFlagMapping  = 0x04
	dssFlagDataFin  = 0x10
	dssDataAckLen   = 4
	dssMappingLen   = 4 + 4 + 2
	dssBaseLen      = 4
	dssMaxOptionLen = dssBaseLen + dssDataAckLen + dssMappingLen
)

func mpSubtype(data []byte) MPSubtype {
	return MPSubtype(data[0] >> 4)
}

// mpCapableOption is the key exchange of the first subflow. The SYN and
// SYN/ACK carry only the sender's key, the third ACK carries both.
type mpCapableOption struct {
	senderKey      uint64
	receiverKey    uint64
	hasReceiverKey bool
}

func (o mpCapableOption) option() Option {
	l := mpCapableSynLen
	if o.hasReceiverKey {
		l = mpCapableAckLen
	}
	b := make([]byte, l-2)
	b[0] = uint8(MPCapable) << 4
	b[1] = mpCapableFlagSHA1
	binary.BigEndian.PutUint64(b[2:], o.senderKey)
	if o.hasReceiverKey {
		binary.BigEndian.PutUint64(b[10:], o.receiverKey)
	}
	return Option{Kind: OptionMPTCP, Data: b}
}

func parseMPCapable(data []byte) (mpCapableOption, error) {
	var o mpCapableOption
	switch len(data) + 2 {
	case mpCapableSynLen:
	case mpCapableAckLen:
		o.hasReceiverKey = true
		o.receiverKey = binary.BigEndian.Uint64(data[10:])
	default:
		return o, fmt.Errorf("%w: MP_CAPABLE length %d", ErrMalformed, len(data)+2)
	}
	if data[0]&0x0f != 0 {
		return o, fmt.Errorf("%w: MP_CAPABLE version %d", ErrMalformed, data[0]&0x0f)
	}
	o.senderKey = binary.BigEndian.Uint64(data[2:])
	return o, nil
}

type joinPhase uint8

const (
	joinSyn joinPhase = iota
	joinSynAck
	joinAck
)

// mpJoinOption adds a subflow to an existing flow.
type mpJoinOption struct {
	phase  joinPhase
	backup bool
	addrID uint8
	token  uint32 // SYN
	nonce  uint32 // SYN, SYN/ACK
	mac    []byte // SYN/ACK (truncated), ACK (full)
}

func (o mpJoinOption) option() Option {
	var b []byte
	flags := uint8(0)
	if o.backup {
		flags = mpJoinFlagBackup
	}
	switch o.phase {
	case joinSyn:
		b = make([]byte, mpJoinSynLen-2)
		binary.BigEndian.PutUint32(b[2:], o.token)
		binary.BigEndian.PutUint32(b[6:], o.nonce)
	case joinSynAck:
		b = make([]byte, mpJoinSynAckLen-2)
		copy(b[2:2+mpJoinSynAckMACLen], o.mac)
		binary.BigEndian.PutUint32(b[2+mpJoinSynAckMACLen:], o.nonce)
	case joinAck:
		b = make([]byte, mpJoinAckLen-2)
		copy(b[2:], o.mac)
		flags = 0
	}
	b[0] = uint8(MPJoin)<<4 | flags
	b[1] = o.addrID
	return Option{Kind: OptionMPTCP, Data: b}
}

// parseMPJoin decodes an MP_JOIN option. The phase is inferred from the
// option length since each phase uses a distinct one.
func parseMPJoin(data []byte) (mpJoinOption, error) {
	o := mpJoinOption{backup: data[0]&mpJoinFlagBackup != 0, addrID: data[1]}
	switch len(data) + 2 {
	case mpJoinSynLen:
		o.phase = joinSyn
		o.token = binary.BigEndian.Uint32(data[2:])
		o.nonce = binary.BigEndian.Uint32(data[6:])
	case mpJoinSynAckLen:
		o.phase = joinSynAck
		o.mac = data[2 : 2+mpJoinSynAckMACLen]
		o.nonce = binary.BigEndian.Uint32(data[2+mpJoinSynAckMACLen:])
	case mpJoinAckLen:
		o.phase = joinAck
		o.backup = false
		o.mac = data[2:]
	default:
		return o, fmt.Errorf("%w: MP_JOIN length %d", ErrMalformed, len(data)+2)
	}
	return o, nil
}

// dssOption is the Data Sequence Signal. Data sequence numbers and data
// acknowledgements travel as their low 32 bits and are expanded against the
// receiver's own 64-bit cursors.
type dssOption struct {
	hasDataAck bool
	dataAck    uint32
	hasMapping bool
	dsn        uint32
	subflowSeq uint32 // relative to the subflow's initial sequence number
	length     uint16
	dataFin    bool
}

func (o dssOption) len() int {
	l := dssBaseLen
	if o.hasDataAck {
		l += dssDataAckLen
	}
	if o.hasMapping {
		l += dssMappingLen
	}
	return l
}

func (o dssOption) option() Option {
	b := make([]byte, o.len()-2)
	b[0] = uint8(MPDSS) << 4
	i := 2
	if o.hasDataAck {
		b[1] |= dssFlagDataAck
		binary.BigEndian.PutUint32(b[i:], o.dataAck)
		i += dssDataAckLen
	}
	if o.hasMapping {
		b[1] |= dssFlagMapping
		binary.BigEndian.PutUint32(b[i:], o.dsn)
		binary.BigEndian.PutUint32(b[i+4:], o.subflowSeq)
		binary.BigEndian.PutUint16(b[i+8:], o.length)
	}
	if o.dataFin {
		b[1] |= dssFlagDataFin
	}
	return Option{Kind: OptionMPTCP, Data: b}
}

func parseDSS(data []byte) (dssOption, error) {
	var o dssOption
	if len(data) < 2 {
		return o, fmt.Errorf("%w: DSS too short", ErrMalformed)
	}
	flags := data[1]
	o.hasDataAck = flags&dssFlagDataAck != 0
	o.hasMapping = flags&dssFlagMapping != 0
	o.dataFin = flags&dssFlagDataFin != 0
	if len(data)+2 != o.len() {
		return o, fmt.Errorf("%w: DSS length %d for flags %#x", ErrMalformed, len(data)+2, flags)
	}
	i := 2
	if o.hasDataAck {
		o.dataAck = binary.BigEndian.Uint32(data[i:])
		i += dssDataAckLen
	}
	if o.hasMapping {
		o.dsn = binary.BigEndian.Uint32(data[i:])
		o.subflowSeq = binary.BigEndian.Uint32(data[i+4:])
		o.length = binary.BigEndian.Uint16(data[i+8:])
	}
	return o, nil
}

// expandSeq widens the 32-bit wire form of a data-level sequence number to
// the 64-bit value closest to ref.
func expandSeq(ref uint64, low uint32) uint64 {
	v := ref&^0xffffffff | uint64(low)
	d := int64(v - ref)
	switch {
	case d > 1<<31 && v >= 1<<32:
		v -= 1 << 32
	case d < -(1 << 31):
		v += 1 << 32
	}
	return v
}
