package mptcp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"

	"github.com/google/uuid"
)

// KeyDeriver turns the 64-bit keys exchanged by MP_CAPABLE into the values
// the rest of the protocol uses. It is a simulation aid, not authentication.
type KeyDeriver interface {
	// Token identifies a flow to MP_JOIN requests.
	Token(key uint64) uint32

	// IDSN is the initial data sequence number of the side owning key.
	IDSN(key uint64) uint64

	// MAC authenticates a join. The SYN/ACK carries the first 8 bytes of
	// it, the third ACK carries all of it.
	MAC(key1, key2 uint64, nonce1, nonce2 uint32) []byte
}

// sha1Deriver derives tokens and IDSNs the way RFC 6824 does: the most and
// least significant bits of SHA-1 of the key. Joins are authenticated with
// HMAC-SHA1.
type sha1Deriver struct{}

func (sha1Deriver) hash(key uint64) [sha1.Size]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], key)
	return sha1.Sum(b[:])
}

func (d sha1Deriver) Token(key uint64) uint32 {
	h := d.hash(key)
	return binary.BigEndian.Uint32(h[:4])
}

func (d sha1Deriver) IDSN(key uint64) uint64 {
	h := d.hash(key)
	return binary.BigEndian.Uint64(h[sha1.Size-8:])
}

func (sha1Deriver) MAC(key1, key2 uint64, nonce1, nonce2 uint32) []byte {
	var k [16]byte
	binary.BigEndian.PutUint64(k[:], key1)
	binary.BigEndian.PutUint64(k[8:], key2)
	var msg [8]byte
	binary.BigEndian.PutUint32(msg[:], nonce1)
	binary.BigEndian.PutUint32(msg[4:], nonce2)
	mac := hmac.New(sha1.New, k[:])
	mac.Write(msg[:])
	return mac.Sum(nil)
}

// newKey draws a random 64-bit key from a version 4 UUID.
func newKey() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}
