package mptcp

import "fmt"

// State is the state of a connection.
type State uint8

const (
	StateInit State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateCloseWait
	StateLastAck
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// synchronized reports whether both ends have exchanged initial sequence
// numbers.
func (s State) synchronized() bool {
	return s >= StateEstablished && s <= StateTimeWait
}

// canReceiveData reports whether payload is still accepted from the peer.
func (s State) canReceiveData() bool {
	return s == StateEstablished || s == StateFinWait1 || s == StateFinWait2
}

// canSendData reports whether queued payload may still be transmitted.
func (s State) canSendData() bool {
	return s == StateEstablished || s == StateCloseWait ||
		s == StateFinWait1 || s == StateLastAck
}

type event uint8

const (
	evOpenActive event = iota
	evOpenPassive
	evSend
	evClose
	evAbort
	evStatus
	evRcvSyn
	evRcvSynAck
	evRcvAck
	evRcvFin
	evRcvFinAck
	evRcvRst
	evRcvUnexpSyn
	evRcvData
	evTimeoutConnEstab
	evTimeout2MSL
	evTimeoutFinWait2
)

func (e event) String() string {
	names := [...]string{
		"OPEN_ACTIVE", "OPEN_PASSIVE", "SEND", "CLOSE", "ABORT", "STATUS",
		"RCV_SYN", "RCV_SYN_ACK", "RCV_ACK", "RCV_FIN", "RCV_FIN_ACK", "RCV_RST",
		"RCV_UNEXP_SYN", "RCV_DATA", "TIMEOUT_CONN_ESTAB", "TIMEOUT_2MSL",
		"TIMEOUT_FIN_WAIT_2",
	}
	if int(e) < len(names) {
		return names[int(e)]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(e))
}

// nextState returns the state that ev leads to from s. active tells whether
// the connection was opened actively, which decides where SYN_RCVD falls
// back to. Events that cause no transition return s and false.
func nextState(s State, ev event, active bool) (State, bool) {
	switch s {
	case StateInit:
		switch ev {
		case evOpenPassive:
			return StateListen, true
		case evOpenActive:
			return StateSynSent, true
		}

	case StateListen:
		switch ev {
		case evOpenActive, evSend:
			return StateSynSent, true
		case evClose, evAbort:
			return StateClosed, true
		case evRcvSyn:
			return StateSynRcvd, true
		}

	case StateSynRcvd:
		switch ev {
		case evClose:
			return StateFinWait1, true
		case evAbort, evRcvUnexpSyn:
			return StateClosed, true
		case evTimeoutConnEstab, evRcvRst:
			if active {
				return StateClosed, true
			}
			return StateListen, true
		case evRcvAck:
			return StateEstablished, true
		case evRcvFin:
			return StateCloseWait, true
		}

	case StateSynSent:
		switch ev {
		case evClose, evAbort, evTimeoutConnEstab, evRcvRst:
			return StateClosed, true
		case evRcvSynAck:
			return StateEstablished, true
		case evRcvSyn:
			return StateSynRcvd, true
		}

	case StateEstablished:
		switch ev {
		case evClose:
			return StateFinWait1, true
		case evAbort, evRcvRst, evRcvUnexpSyn:
			return StateClosed, true
		case evRcvFin:
			return StateCloseWait, true
		}

	case StateCloseWait:
		switch ev {
		case evClose:
			return StateLastAck, true
		case evAbort, evRcvRst, evRcvUnexpSyn:
			return StateClosed, true
		}

	case StateLastAck:
		switch ev {
		case evRcvAck, evAbort, evRcvRst, evRcvUnexpSyn:
			return StateClosed, true
		}

	case StateFinWait1:
		switch ev {
		case evRcvFin:
			return StateClosing, true
		case evRcvAck:
			return StateFinWait2, true
		case evRcvFinAck:
			return StateTimeWait, true
		case evAbort, evRcvRst, evRcvUnexpSyn:
			return StateClosed, true
		}

	case StateFinWait2:
		switch ev {
		case evRcvFin:
			return StateTimeWait, true
		case evTimeoutFinWait2, evAbort, evRcvRst, evRcvUnexpSyn:
			return StateClosed, true
		}

	case StateClosing:
		switch ev {
		case evRcvAck:
			return StateTimeWait, true
		case evAbort, evRcvRst, evRcvUnexpSyn:
			return StateClosed, true
		}

	case StateTimeWait:
		switch ev {
		case evTimeout2MSL, evAbort, evRcvRst, evRcvUnexpSyn:
			return StateClosed, true
		}
	}
	return s, false
}
