// Package mptcp is an event-driven engine for a reliable, ordered byte-stream
// transport that can aggregate several paths between a pair of hosts into a
// single connection from the upper layer perspective, for throughput and
// resilience.
//
// The term connection, path and subflow used here is the same as mentioned in
// MP-TCP https://www.rfc-editor.org/rfc/rfc6824.html#section-1.3
//
// The engine never blocks and never starts goroutines. A Stack is driven by
// its owner through three entry points: application commands (Dial, Listen,
// Send, Close, Abort), SegmentArrived for every inbound segment, and
// TimerFired for every timer previously requested through Env.ScheduleTimer.
// All of them must be called from one goroutine.
//
// Each subflow is a plain TCP connection. Multipath signalling rides in TCP
// option kind 30, using three sub-types. MP_CAPABLE exchanges the 64-bit keys
// of both ends on the first subflow:
//
//	 -----------------------------------------------------------------
//	| kind(30) | len(12/20) | subtype(0) ver(0) | flags | sender key(8) |
//	 -----------------------------------------------------------------
//	|  receiver key(8), third ACK only                                 |
//	 -----------------------------------------------------------------
//
// MP_JOIN adds a subflow to an established flow, identified by the token
// derived from the peer's key:
//
//	SYN      | kind | len(12) | subtype(1) B | addr id | token(4) | nonce(4) |
//	SYN/ACK  | kind | len(16) | subtype(1) B | addr id | hmac(8)  | nonce(4) |
//	ACK      | kind | len(24) | subtype(1)   | reserved | hmac(20)           |
//
// DSS carries the data-level acknowledgement and the mapping from the subflow
// sequence space to the data sequence space:
//
//	 -----------------------------------------------------------------
//	| kind | len | subtype(2) | flags(F m M a A) | data ack(8)          |
//	 -----------------------------------------------------------------
//	| data sequence number(8) | subflow sequence number(4) | length(2) |
//	 -----------------------------------------------------------------
//
// Bytes sent on any subflow are delivered to the application through a
// single reorder buffer keyed by data sequence number, so data is delivered
// in order and exactly once no matter which subflow carried it.
package mptcp

import (
	"errors"
	"fmt"

	"github.com/getlantern/golog"
)

var (
	ErrClosed            = errors.New("closed connection")
	ErrConnectionRefused = errors.New("connection refused")
	ErrConnectionReset   = errors.New("connection reset by peer")
	ErrTimedOut          = errors.New("connection timed out")
	ErrBufferFull        = errors.New("send buffer full")
	ErrPortsExhausted    = errors.New("ephemeral ports exhausted")
	ErrAddressInUse      = errors.New("address already in use")
	ErrInvalidState      = errors.New("operation not valid in current state")
	ErrMalformed         = errors.New("malformed segment")
	ErrInvariant         = errors.New("invariant violated")
	log                  = golog.LoggerFor("mptcp")
)

// invariantViolated reports a programming error. Debug builds (tag
// mptcpdebug) panic, release builds log and hand the error back so that the
// caller can leave its state untouched.
func invariantViolated(format string, args ...interface{}) error {
	err := fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
	if failFast {
		panic(err)
	}
	return log.Error(err)
}
