package mptcp

import (
	"github.com/getlantern/mptcp/seqnum"
	pool "github.com/libp2p/go-buffer-pool"
)

// rcvSegment is an out of order segment waiting for the gap before it to be
// filled.
type rcvSegment struct {
	seq    seqnum.Value
	buf    []byte // pooled, released by rcvQueue.release
	data   []byte
	dsn    uint64
	mapped bool
	fin    bool
}

func (s *rcvSegment) end() seqnum.Value {
	return s.seq.Add(seqnum.Size(len(s.data)))
}

// rcvQueue keeps out of order segments of one connection sorted by sequence
// number. Segments may overlap; overlaps are trimmed when they are popped.
type rcvQueue struct {
	segs    []rcvSegment
	bytes   int
	lastSeq seqnum.Value
}

// insert copies payload into the queue.
func (q *rcvQueue) insert(seq seqnum.Value, payload []byte, dsn uint64, mapped, fin bool) {
	q.lastSeq = seq
	i := 0
	for i < len(q.segs) && q.segs[i].seq.LessThan(seq) {
		i++
	}
	if i < len(q.segs) && q.segs[i].seq == seq && len(q.segs[i].data) >= len(payload) {
		q.segs[i].fin = q.segs[i].fin || fin && len(q.segs[i].data) == len(payload)
		return
	}
	buf := pool.Get(len(payload))
	copy(buf, payload)
	s := rcvSegment{seq: seq, buf: buf, data: buf, dsn: dsn, mapped: mapped, fin: fin}
	q.segs = append(q.segs, rcvSegment{})
	copy(q.segs[i+1:], q.segs[i:])
	q.segs[i] = s
	q.bytes += len(payload)
}

// pop removes and returns the segment that continues the stream at rcvNxt,
// trimmed to start there. Segments wholly below rcvNxt are dropped.
func (q *rcvQueue) pop(rcvNxt seqnum.Value) (rcvSegment, bool) {
	for len(q.segs) > 0 {
		s := q.segs[0]
		if rcvNxt.LessThan(s.seq) {
			return rcvSegment{}, false
		}
		q.segs = q.segs[1:]
		q.bytes -= len(s.buf)
		off := s.seq.Size(rcvNxt)
		if int(off) > len(s.data) || int(off) == len(s.data) && !s.fin {
			pool.Put(s.buf)
			continue
		}
		s.data = s.data[off:]
		s.seq = rcvNxt
		s.dsn += uint64(off)
		return s, true
	}
	return rcvSegment{}, false
}

func (q *rcvQueue) release(s rcvSegment) {
	if s.buf != nil {
		pool.Put(s.buf)
	}
}

func (q *rcvQueue) empty() bool {
	return len(q.segs) == 0
}

// sackBlocks reports at most max received ranges above rcvNxt. The block
// holding the most recently received segment comes first.
func (q *rcvQueue) sackBlocks(rcvNxt seqnum.Value, max int) []sackBlock {
	if max <= 0 || len(q.segs) == 0 {
		return nil
	}
	var blocks []sackBlock
	for _, s := range q.segs {
		if len(s.data) == 0 || s.end().LessThanEq(rcvNxt) {
			continue
		}
		start := seqnum.Max(s.seq, rcvNxt)
		if n := len(blocks); n > 0 && start.LessThanEq(blocks[n-1].End) {
			blocks[n-1].End = seqnum.Max(blocks[n-1].End, s.end())
			continue
		}
		blocks = append(blocks, sackBlock{Start: start, End: s.end()})
	}
	for i, b := range blocks {
		if i > 0 && q.lastSeq.InRange(b.Start, b.End) {
			copy(blocks[1:i+1], blocks[:i])
			blocks[0] = b
			break
		}
	}
	if len(blocks) > max {
		blocks = blocks[:max]
	}
	return blocks
}

func (q *rcvQueue) clear() {
	for _, s := range q.segs {
		pool.Put(s.buf)
	}
	q.segs = nil
	q.bytes = 0
}
