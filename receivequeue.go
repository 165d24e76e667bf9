package mptcp

import (
	"sort"

	pool "github.com/libp2p/go-buffer-pool"
)

// frame is a run of bytes of the data stream, addressed by the data sequence
// number of its first byte.
type frame struct {
	dsn   uint64
	bytes []byte // pooled
	data  []byte // the part of bytes not consumed yet
}

func (f *frame) end() uint64 {
	return f.dsn + uint64(len(f.data))
}

// receiveQueue keeps bytes of a flow that arrived ahead of the data level
// rcv_nxt, whichever subflow carried them. Frames are kept sorted by data
// sequence number and never overlap: a retransmission over another subflow
// only adds the bytes nothing queued holds yet, so the first copy of a byte
// is the one handed out, exactly once.
type receiveQueue struct {
	buf   []frame
	bytes int
}

func newReceiveQueue() *receiveQueue {
	return &receiveQueue{}
}

// add copies b, carrying data sequence numbers from dsn, into the queue. Bytes
// below rcvNxt or already queued are discarded.
func (rq *receiveQueue) add(dsn uint64, b []byte, rcvNxt uint64) {
	if end := dsn + uint64(len(b)); end <= rcvNxt || len(b) == 0 {
		return
	}
	if dsn < rcvNxt {
		b = b[rcvNxt-dsn:]
		dsn = rcvNxt
	}
	end := dsn + uint64(len(b))
	var gaps []frame
	cur := dsn
	for i := range rq.buf {
		f := &rq.buf[i]
		if cur >= end {
			break
		}
		if f.end() <= cur {
			continue
		}
		if f.dsn > cur {
			gapEnd := f.dsn
			if end < gapEnd {
				gapEnd = end
			}
			gaps = append(gaps, frame{dsn: cur, data: b[cur-dsn : gapEnd-dsn]})
		}
		cur = f.end()
	}
	if cur < end {
		gaps = append(gaps, frame{dsn: cur, data: b[cur-dsn:]})
	}
	for _, g := range gaps {
		rq.insert(g.dsn, g.data)
	}
}

func (rq *receiveQueue) insert(dsn uint64, b []byte) {
	idx := sort.Search(len(rq.buf), func(i int) bool { return rq.buf[i].dsn >= dsn })
	buf := pool.Get(len(b))
	copy(buf, b)
	rq.buf = append(rq.buf, frame{})
	copy(rq.buf[idx+1:], rq.buf[idx:])
	rq.buf[idx] = frame{dsn: dsn, bytes: buf, data: buf}
	rq.bytes += len(buf)
}

// read passes the bytes that continue the stream at rcvNxt to fn, in order,
// and returns the new rcv_nxt.
func (rq *receiveQueue) read(rcvNxt uint64, fn func([]byte)) uint64 {
	for len(rq.buf) > 0 {
		f := rq.buf[0]
		if f.dsn > rcvNxt {
			break
		}
		rq.buf = rq.buf[1:]
		rq.bytes -= len(f.bytes)
		if f.end() > rcvNxt {
			cur := f.data[rcvNxt-f.dsn:]
			rcvNxt += uint64(len(cur))
			fn(cur)
		}
		pool.Put(f.bytes)
	}
	return rcvNxt
}

func (rq *receiveQueue) empty() bool {
	return len(rq.buf) == 0
}

func (rq *receiveQueue) close() {
	for _, f := range rq.buf {
		pool.Put(f.bytes)
	}
	rq.buf = nil
	rq.bytes = 0
}
