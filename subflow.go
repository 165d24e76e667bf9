package mptcp

import (
	"crypto/hmac"
	"fmt"
	"time"

	"github.com/getlantern/mptcp/seqnum"
)

// subflow ties one Conn to the Flow it carries data for. The Conn stays
// registered in the Stack like any other connection; the subflow only adds
// the multipath signalling and hands data and events to the flow.
type subflow struct {
	flow *Flow
	conn *Conn

	// join is set on every subflow but the first, which is keyed by
	// MP_CAPABLE instead.
	join   bool
	addrID uint8

	localNonce  uint32
	remoteNonce uint32

	// handshakeAckPending is set on the active side after the third ACK of
	// the handshake until the peer shows it received it. Until then pure
	// ACKs repeat the MP_CAPABLE or MP_JOIN acknowledgement.
	handshakeAckPending bool

	lastPenalty time.Time
}

func (sf *subflow) String() string {
	return fmt.Sprintf("subflow(%v %v)", sf.flow.label(), sf.conn.path)
}

// rtt is the figure the scheduler orders subflows by.
func (sf *subflow) rtt() time.Duration {
	return sf.conn.rtt.estimate()
}

// usable reports whether new data may be assigned to the subflow.
func (sf *subflow) usable() bool {
	if sf.conn.state != StateEstablished && sf.conn.state != StateCloseWait {
		return false
	}
	return !sf.join || !sf.handshakeAckPending
}

func (sf *subflow) synOption() Option {
	f := sf.flow
	if !sf.join {
		return mpCapableOption{senderKey: f.localKey}.option()
	}
	return mpJoinOption{
		phase:  joinSyn,
		addrID: sf.addrID,
		token:  f.remoteToken,
		nonce:  sf.localNonce,
	}.option()
}

func (sf *subflow) synAckOption() Option {
	f := sf.flow
	if !sf.join {
		return mpCapableOption{senderKey: f.localKey}.option()
	}
	mac := f.deriver.MAC(f.localKey, f.remoteKey, sf.localNonce, sf.remoteNonce)
	return mpJoinOption{
		phase:  joinSynAck,
		addrID: sf.addrID,
		nonce:  sf.localNonce,
		mac:    mac[:mpJoinSynAckMACLen],
	}.option()
}

// outgoingOption is the multipath option of a segment in a synchronized
// state.
func (sf *subflow) outgoingOption(dss *dssOption) (Option, bool) {
	f := sf.flow
	if f.fallback {
		return Option{}, false
	}
	if sf.handshakeAckPending && (dss == nil || !dss.hasMapping) {
		if !sf.join {
			return mpCapableOption{
				senderKey:      f.localKey,
				receiverKey:    f.remoteKey,
				hasReceiverKey: true,
			}.option(), true
		}
		mac := f.deriver.MAC(f.localKey, f.remoteKey, sf.localNonce, sf.remoteNonce)
		return mpJoinOption{phase: joinAck, mac: mac}.option(), true
	}
	if dss == nil {
		return Option{}, false
	}
	return dss.option(), true
}

// dss builds the DSS option of a segment carrying n bytes from seq and,
// if fin is set, the subflow FIN.
func (sf *subflow) dss(seq seqnum.Value, n uint32, fin bool) *dssOption {
	f := sf.flow
	if f.fallback {
		return nil
	}
	o := &dssOption{hasDataAck: true, dataAck: uint32(f.rcvNxt)}
	c := sf.conn
	if n > 0 {
		if m, ok := c.sndq.mappingAt(seq); ok {
			dsn := m.dsn + uint64(m.seq.Size(seq))
			o.hasMapping = true
			o.dsn = uint32(dsn)
			o.subflowSeq = uint32(c.iss.Size(seq))
			o.length = uint16(n)
			if fin && f.finSent && dsn+uint64(n) == f.dataFinSeq {
				o.dataFin = true
			}
		}
		return o
	}
	if fin && f.finSent {
		o.hasMapping = true
		o.dsn = uint32(f.dataFinSeq)
		o.subflowSeq = uint32(c.iss.Size(seq))
		o.dataFin = true
	}
	return o
}

// parseMPOptions splits the multipath options of an inbound segment by
// sub-type. Malformed ones are logged and skipped.
func parseMPOptions(opts *parsedOptions) (mpc *mpCapableOption, join *mpJoinOption, dss *dssOption) {
	for _, data := range opts.mptcp {
		var err error
		switch mpSubtype(data) {
		case MPCapable:
			var o mpCapableOption
			if o, err = parseMPCapable(data); err == nil {
				mpc = &o
			}
		case MPJoin:
			var o mpJoinOption
			if o, err = parseMPJoin(data); err == nil {
				join = &o
			}
		case MPDSS:
			var o dssOption
			if o, err = parseDSS(data); err == nil {
				dss = &o
			}
		default:
			log.Debugf("ignoring %v option", mpSubtype(data))
		}
		if err != nil {
			log.Debugf("ignoring option: %v", err)
		}
	}
	return
}

// processSyn runs on the passive side for the SYN that created the subflow.
// The stack has already matched the flow.
func (sf *subflow) processSyn(opts *parsedOptions) error {
	mpc, join, _ := parseMPOptions(opts)
	f := sf.flow
	if !sf.join {
		if mpc == nil {
			return fmt.Errorf("%w: SYN without MP_CAPABLE", ErrMalformed)
		}
		f.setRemoteKey(mpc.senderKey)
		return nil
	}
	if join == nil || join.phase != joinSyn {
		return fmt.Errorf("%w: SYN without MP_JOIN", ErrMalformed)
	}
	sf.remoteNonce = join.nonce
	sf.addrID = join.addrID
	sf.localNonce = f.stack.rng.Uint32()
	return nil
}

// processSynAck runs on the active side. A first subflow answered without
// MP_CAPABLE falls back to plain TCP; a join must authenticate the peer.
func (sf *subflow) processSynAck(opts *parsedOptions) error {
	mpc, join, _ := parseMPOptions(opts)
	f := sf.flow
	if !sf.join {
		if mpc == nil {
			log.Debugf("%v: peer is not multipath capable, falling back", sf)
			f.fallback = true
			return nil
		}
		f.setRemoteKey(mpc.senderKey)
		f.state = flowPreEstablished
		sf.handshakeAckPending = true
		return nil
	}
	if join == nil || join.phase != joinSynAck {
		return fmt.Errorf("%w: join answered without MP_JOIN", ErrConnectionRefused)
	}
	sf.remoteNonce = join.nonce
	want := f.deriver.MAC(f.remoteKey, f.localKey, sf.remoteNonce, sf.localNonce)
	if !hmac.Equal(join.mac, want[:mpJoinSynAckMACLen]) {
		return fmt.Errorf("%w: bad MP_JOIN HMAC from peer", ErrConnectionRefused)
	}
	sf.handshakeAckPending = true
	return nil
}

// processHandshakeAck runs on the passive side for the ACK completing the
// handshake.
func (sf *subflow) processHandshakeAck(opts *parsedOptions) error {
	mpc, join, dss := parseMPOptions(opts)
	f := sf.flow
	if !sf.join {
		switch {
		case mpc != nil && mpc.hasReceiverKey:
			if mpc.senderKey != f.remoteKey || mpc.receiverKey != f.localKey {
				return fmt.Errorf("%w: MP_CAPABLE keys do not match", ErrConnectionReset)
			}
		case dss != nil:
			// the third ACK got lost, data shows the peer agreed
		default:
			log.Debugf("%v: handshake completed without MP_CAPABLE, falling back", sf)
			f.fallback = true
		}
		return nil
	}
	if join == nil || join.phase != joinAck {
		return fmt.Errorf("%w: join completed without MP_JOIN", ErrConnectionReset)
	}
	want := f.deriver.MAC(f.remoteKey, f.localKey, sf.remoteNonce, sf.localNonce)
	if !hmac.Equal(join.mac, want) {
		return fmt.Errorf("%w: bad MP_JOIN HMAC from peer", ErrConnectionReset)
	}
	return nil
}

// processDSS handles the data level signalling of an acceptable segment and
// returns the data sequence number of its first payload byte.
func (sf *subflow) processDSS(seg *Segment, opts *parsedOptions) (uint64, bool) {
	f := sf.flow
	if sf.handshakeAckPending {
		sf.handshakeAckPending = false
		if sf.join {
			log.Debugf("%v: join acknowledged", sf)
		}
	}
	if f.fallback {
		return 0, false
	}
	_, _, dss := parseMPOptions(opts)
	if dss == nil {
		return 0, false
	}
	if dss.hasDataAck {
		f.dataAcked(expandSeq(f.sndUna, dss.dataAck), sf.conn.sndWnd)
	}
	if !dss.hasMapping {
		return 0, false
	}
	c := sf.conn
	dsn := expandSeq(f.rcvNxt, dss.dsn)
	if dss.dataFin {
		f.peerDataFin(dsn + uint64(dss.length))
	}
	start := c.irs.Add(seqnum.Size(dss.subflowSeq))
	if dss.length == 0 || seg.Seq.LessThan(start) || !seg.Seq.LessThan(start.Add(seqnum.Size(dss.length))) {
		return 0, false
	}
	return dsn + uint64(start.Size(seg.Seq)), true
}

func (sf *subflow) established() {
	sf.flow.subflowEstablished(sf)
}

// peerClosed only matters after a fallback; a multipath peer ends the data
// stream with DATA_FIN.
func (sf *subflow) peerClosed() {
	if sf.flow.fallback {
		sf.flow.peerDataFin(sf.flow.rcvNxt)
	}
}

func (sf *subflow) closed(err error) {
	sf.flow.subflowClosed(sf, err)
}

func (sf *subflow) dataArrived(b []byte, dsn uint64, mapped bool) {
	sf.flow.dataArrived(sf, b, dsn, mapped)
}

func (sf *subflow) acked(n uint32) {
	if sf.flow.fallback && n > 0 {
		sf.flow.dataAcked(sf.flow.sndUna+uint64(n), sf.conn.sndWnd)
	}
}

func (sf *subflow) rexmitTimeout() {
	sf.flow.subflowStalled(sf)
}

// penalize halves the window of a subflow that holds up the flow, at most
// once per its smoothed RTT.
func (sf *subflow) penalize(now time.Time) {
	c := sf.conn
	if !sf.lastPenalty.IsZero() && now.Sub(sf.lastPenalty) < c.rtt.smoothed() {
		return
	}
	sf.lastPenalty = now
	c.cwnd /= 2
	if c.cwnd < c.mss {
		c.cwnd = c.mss
	}
	c.ssthresh /= 2
	if floor := 2 * c.mss; c.ssthresh < floor {
		c.ssthresh = floor
	}
	log.Debugf("%v: penalized, cwnd=%d ssthresh=%d", sf, c.cwnd, c.ssthresh)
}
