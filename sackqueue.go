package mptcp

import (
	"fmt"
	"strings"

	"github.com/getlantern/mptcp/seqnum"
)

// region is a range [begin, end) of sent bytes.
type region struct {
	begin     seqnum.Value
	end       seqnum.Value
	sacked    bool
	rexmitted bool
}

func (r region) size() seqnum.Size {
	return r.begin.Size(r.end)
}

// sackQueue tracks, per connection, which byte ranges handed to the network
// have been selectively acknowledged or retransmitted. Regions are sorted,
// disjoint and contiguous: regions[i].end == regions[i+1].begin, and together
// they cover exactly [begin, end).
type sackQueue struct {
	begin   seqnum.Value
	end     seqnum.Value
	regions []region
}

func (q *sackQueue) init(start seqnum.Value) {
	q.begin = start
	q.end = start
	q.regions = q.regions[:0]
}

func (q *sackQueue) empty() bool {
	return len(q.regions) == 0
}

// enqueueSentData records that [from, to) has been handed to the network. A
// range at the current end is appended. A range already covered is marked
// retransmitted, splitting regions where the range boundaries fall inside
// one. A range straddling the end is split into both cases.
func (q *sackQueue) enqueueSentData(from, to seqnum.Value) error {
	if from.LessThan(q.begin) || to.LessThanEq(from) {
		return invariantViolated("enqueueSentData [%d,%d) outside queue [%d,%d)", from, to, q.begin, q.end)
	}
	if q.end.LessThan(from) {
		return invariantViolated("enqueueSentData [%d,%d) leaves a hole after %d", from, to, q.end)
	}
	if from.LessThan(q.end) {
		rexmitEnd := seqnum.Min(to, q.end)
		q.split(from)
		q.split(rexmitEnd)
		for i := range q.regions {
			r := &q.regions[i]
			if r.begin.GreaterThanEq(from) && r.end.LessThanEq(rexmitEnd) {
				r.rexmitted = true
			}
		}
		from = rexmitEnd
	}
	if from.LessThan(to) {
		q.regions = append(q.regions, region{begin: from, end: to})
		q.end = to
	}
	return nil
}

// split makes seq a region boundary if it falls strictly inside a region.
func (q *sackQueue) split(seq seqnum.Value) {
	for i, r := range q.regions {
		if seq.GreaterThan(r.begin) && seq.LessThan(r.end) {
			tail := r
			tail.begin = seq
			q.regions[i].end = seq
			q.regions = append(q.regions, region{})
			copy(q.regions[i+2:], q.regions[i+1:])
			q.regions[i+1] = tail
			return
		}
	}
}

// discardUpTo forgets everything below seq, which must lie in [begin, end].
func (q *sackQueue) discardUpTo(seq seqnum.Value) error {
	if !seq.InRange(q.begin, q.end.Add(1)) {
		return invariantViolated("discardUpTo %d outside queue [%d,%d]", seq, q.begin, q.end)
	}
	q.split(seq)
	n := 0
	for n < len(q.regions) && q.regions[n].end.LessThanEq(seq) {
		n++
	}
	q.regions = append(q.regions[:0], q.regions[n:]...)
	q.begin = seq
	return nil
}

// setSackedBit marks [from, to) as sacked, clamped to the queue. It reports
// whether anything was marked.
func (q *sackQueue) setSackedBit(from, to seqnum.Value) bool {
	if q.empty() || !from.LessThan(to) {
		return false
	}
	if from.LessThan(q.begin) {
		from = q.begin
	}
	if q.end.LessThan(to) {
		to = q.end
	}
	if !from.LessThan(to) {
		log.Debugf("SACK block [%d,%d) not found in %v", from, to, q)
		return false
	}
	q.split(from)
	q.split(to)
	marked := false
	for i := range q.regions {
		r := &q.regions[i]
		if r.begin.GreaterThanEq(from) && r.end.LessThanEq(to) {
			r.sacked = true
			marked = true
		}
	}
	return marked
}

// isSacked reports whether every byte of [from, to) has been sacked.
func (q *sackQueue) isSacked(from, to seqnum.Value) bool {
	covered := seqnum.Size(0)
	for _, r := range q.regions {
		if r.sacked && seqnum.Overlap(r.begin, r.size(), from, from.Size(to)) {
			covered += seqnum.Max(r.begin, from).Size(seqnum.Min(r.end, to))
		}
	}
	return covered > 0 && covered == from.Size(to)
}

func (q *sackQueue) highestSackedSeq() seqnum.Value {
	for i := len(q.regions) - 1; i >= 0; i-- {
		if q.regions[i].sacked {
			return q.regions[i].end
		}
	}
	return 0
}

func (q *sackQueue) highestRexmittedSeq() seqnum.Value {
	for i := len(q.regions) - 1; i >= 0; i-- {
		if q.regions[i].rexmitted {
			return q.regions[i].end
		}
	}
	return 0
}

func (q *sackQueue) totalSackedBytes() uint32 {
	var n uint32
	for _, r := range q.regions {
		if r.sacked {
			n += uint32(r.size())
		}
	}
	return n
}

// sackedBytesFrom counts sacked bytes in regions starting at or after seq.
func (q *sackQueue) sackedBytesFrom(seq seqnum.Value) uint32 {
	var n uint32
	for _, r := range q.regions {
		if r.sacked && r.begin.GreaterThanEq(seq) {
			n += uint32(r.size())
		}
	}
	return n
}

// discontiguousSacks counts separate runs of sacked regions at or after seq.
func (q *sackQueue) discontiguousSacks(seq seqnum.Value) int {
	n := 0
	inRun := false
	for _, r := range q.regions {
		if r.begin.LessThan(seq) {
			continue
		}
		if r.sacked && !inRun {
			n++
		}
		inRun = r.sacked
	}
	return n
}

// firstSackedAfter returns the beginning of the first sacked region that
// starts after seq, bounding how far a retransmission may extend.
func (q *sackQueue) firstSackedAfter(seq seqnum.Value) (seqnum.Value, bool) {
	for _, r := range q.regions {
		if r.sacked && r.begin.GreaterThan(seq) {
			return r.begin, true
		}
	}
	return 0, false
}

// checkSackedOrRexmitted returns the number of bytes, starting at from, of
// the longest run of regions that are sacked or retransmitted. It lets
// snd_nxt skip ranges that need no further transmission.
func (q *sackQueue) checkSackedOrRexmitted(from seqnum.Value) uint32 {
	if from == 0 || q.empty() || !from.InRange(q.begin, q.end.Add(1)) {
		return 0
	}
	var n uint32
	for _, r := range q.regions {
		if r.end.LessThanEq(from) {
			continue
		}
		if !r.sacked && !r.rexmitted {
			break
		}
		n += uint32(seqnum.Max(r.begin, from).Size(r.end))
	}
	return n
}

func (q *sackQueue) resetSackedBit() {
	for i := range q.regions {
		q.regions[i].sacked = false
	}
}

func (q *sackQueue) resetRexmittedBit() {
	for i := range q.regions {
		q.regions[i].rexmitted = false
	}
}

// check verifies the contiguity invariant.
func (q *sackQueue) check() error {
	prev := q.begin
	for _, r := range q.regions {
		if r.begin != prev || !r.begin.LessThan(r.end) {
			return fmt.Errorf("%w: region [%d,%d) after %d", ErrInvariant, r.begin, r.end, prev)
		}
		prev = r.end
	}
	if prev != q.end {
		return fmt.Errorf("%w: regions end at %d, queue at %d", ErrInvariant, prev, q.end)
	}
	return nil
}

func (q *sackQueue) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d,%d)", q.begin, q.end)
	for _, r := range q.regions {
		fmt.Fprintf(&b, " [%d,%d)", r.begin, r.end)
		if r.sacked {
			b.WriteString("s")
		}
		if r.rexmitted {
			b.WriteString("r")
		}
	}
	return b.String()
}
