package mptcp

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRead(t *testing.T) {
	q := newReceiveQueue()
	defer q.close()
	rcvNxt := uint64(100)
	var got []byte
	shouldRead := func(s string) {
		got = got[:0]
		rcvNxt = q.read(rcvNxt, func(b []byte) { got = append(got, b...) })
		assert.Equal(t, s, string(got))
	}

	q.add(104, []byte("efgh"), rcvNxt)
	shouldRead("")
	q.add(100, []byte("abcd"), rcvNxt)
	shouldRead("abcdefgh")
	assert.Equal(t, uint64(108), rcvNxt)
	assert.True(t, q.empty())
	assert.Zero(t, q.bytes)

	// adding bytes already read should have no effect
	q.add(100, []byte("1234"), rcvNxt)
	assert.True(t, q.empty())

	// adding the same frame again should have no effect
	q.add(110, []byte("kl"), rcvNxt)
	q.add(110, []byte("KL"), rcvNxt)
	assert.Equal(t, 2, q.bytes)

	// only the bytes nothing queued holds yet are added
	q.add(109, []byte("jKLm"), rcvNxt)
	assert.Equal(t, 4, q.bytes)
	q.add(108, []byte("ij"), rcvNxt)
	assert.Equal(t, 5, q.bytes)
	shouldRead("ijklm")
	assert.Equal(t, uint64(113), rcvNxt)

	// a frame straddling rcv_nxt keeps only the new part
	q.add(111, []byte("lmnop"), rcvNxt)
	shouldRead("nop")
}

func TestReadDeliversExactlyOnce(t *testing.T) {
	data := make([]byte, 4096)
	rand.Read(data)
	q := newReceiveQueue()
	defer q.close()

	rcvNxt := uint64(1)
	var got []byte
	// every range is sent twice, as if retransmitted on another subflow, in
	// random order and with random boundaries
	type piece struct{ off, n int }
	var pieces []piece
	for round := 0; round < 2; round++ {
		for off := 0; off < len(data); {
			n := 1 + rand.Intn(300)
			if off+n > len(data) {
				n = len(data) - off
			}
			pieces = append(pieces, piece{off, n})
			off += n
		}
	}
	rand.Shuffle(len(pieces), func(i, j int) { pieces[i], pieces[j] = pieces[j], pieces[i] })
	for _, p := range pieces {
		q.add(1+uint64(p.off), data[p.off:p.off+p.n], rcvNxt)
		rcvNxt = q.read(rcvNxt, func(b []byte) { got = append(got, b...) })
	}
	assert.Equal(t, data, got)
	assert.True(t, q.empty())
}
