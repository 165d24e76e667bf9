package mptcp

import (
	"github.com/getlantern/mptcp/seqnum"
)

// mapping ties a range of subflow sequence space to the data sequence space
// of the flow it carries.
type mapping struct {
	seq    seqnum.Value
	dsn    uint64
	length uint32
}

func (m mapping) end() seqnum.Value {
	return m.seq.Add(seqnum.Size(m.length))
}

// sendQueue holds the bytes of a connection from snd_una onwards: sent but
// unacknowledged bytes followed by bytes not sent yet. On a subflow every
// byte belongs to exactly one mapping and mappings cover the queue without
// gaps.
type sendQueue struct {
	begin    seqnum.Value
	buf      []byte
	mappings []mapping
}

func (q *sendQueue) init(start seqnum.Value) {
	q.begin = start
	q.buf = q.buf[:0]
	q.mappings = q.mappings[:0]
}

func (q *sendQueue) end() seqnum.Value {
	return q.begin.Add(seqnum.Size(len(q.buf)))
}

func (q *sendQueue) len() int {
	return len(q.buf)
}

func (q *sendQueue) enqueue(b []byte) {
	q.buf = append(q.buf, b...)
}

// enqueueMapped appends b, which carries data sequence numbers starting at
// dsn. It extends the last mapping when b continues it.
func (q *sendQueue) enqueueMapped(b []byte, dsn uint64) {
	if n := len(q.mappings); n > 0 {
		last := &q.mappings[n-1]
		if last.dsn+uint64(last.length) == dsn {
			last.length += uint32(len(b))
			q.enqueue(b)
			return
		}
	}
	q.mappings = append(q.mappings, mapping{seq: q.end(), dsn: dsn, length: uint32(len(b))})
	q.enqueue(b)
}

// bytesAvailable is the number of queued bytes at or after seq.
func (q *sendQueue) bytesAvailable(seq seqnum.Value) uint32 {
	if !seq.InRange(q.begin, q.end()) {
		return 0
	}
	return uint32(seq.Size(q.end()))
}

// data returns up to n bytes starting at seq, aliasing the queue.
func (q *sendQueue) data(seq seqnum.Value, n uint32) []byte {
	avail := q.bytesAvailable(seq)
	if n > avail {
		n = avail
	}
	off := q.begin.Size(seq)
	return q.buf[off : uint32(off)+n]
}

// discardUpTo drops everything below seq. Sequence numbers beyond the end,
// such as the one a FIN occupies, are clamped.
func (q *sendQueue) discardUpTo(seq seqnum.Value) {
	if seq.LessThanEq(q.begin) {
		return
	}
	if q.end().LessThan(seq) {
		seq = q.end()
	}
	n := q.begin.Size(seq)
	q.buf = append(q.buf[:0], q.buf[n:]...)
	q.begin = seq

	i := 0
	for i < len(q.mappings) && q.mappings[i].end().LessThanEq(seq) {
		i++
	}
	q.mappings = append(q.mappings[:0], q.mappings[i:]...)
	if len(q.mappings) > 0 && q.mappings[0].seq.LessThan(seq) {
		m := &q.mappings[0]
		skip := m.seq.Size(seq)
		m.seq = seq
		m.dsn += uint64(skip)
		m.length -= uint32(skip)
	}
}

// mappingAt returns the mapping covering seq.
func (q *sendQueue) mappingAt(seq seqnum.Value) (mapping, bool) {
	for _, m := range q.mappings {
		if seq.InRange(m.seq, m.end()) {
			return m, true
		}
	}
	return mapping{}, false
}

// mappingForDSN returns the mapping carrying the data sequence number dsn.
func (q *sendQueue) mappingForDSN(dsn uint64) (mapping, bool) {
	for _, m := range q.mappings {
		if dsn >= m.dsn && dsn < m.dsn+uint64(m.length) {
			return m, true
		}
	}
	return mapping{}, false
}
