// Package pgmerr defines the error taxonomy surfaced at API boundaries.
//
// Packet-level errors are absorbed inside the engine and visible only
// via counters (see internal/metrics); only APDU-level and configuration
// errors are returned to callers through this taxonomy.
package pgmerr

import (
	"errors"
	"fmt"
)

// Code identifies the class of failure, per the taxonomy in the spec.
type Code int

const (
	_ Code = iota
	CONFIG
	NetDown
	NoRoute
	WouldBlock
	ParseBadChecksum
	ParseBadOpt
	ParseBadLength
	ParseBadType
	WindowGone
	WindowNxio
	WindowFull
	Reset
	FECInsufficient
	Closed
	OutOfMemory
	Capacity
	Insufficient
	InvalidParams
	Arith
)

func (c Code) String() string {
	switch c {
	case CONFIG:
		return "CONFIG"
	case NetDown:
		return "NET_DOWN"
	case NoRoute:
		return "NO_ROUTE"
	case WouldBlock:
		return "WOULDBLOCK"
	case ParseBadChecksum:
		return "PARSE_BAD_CHECKSUM"
	case ParseBadOpt:
		return "PARSE_BAD_OPT"
	case ParseBadLength:
		return "PARSE_BAD_LENGTH"
	case ParseBadType:
		return "PARSE_BAD_TYPE"
	case WindowGone:
		return "WINDOW_GONE"
	case WindowNxio:
		return "WINDOW_NXIO"
	case WindowFull:
		return "WINDOW_FULL"
	case Reset:
		return "RESET"
	case FECInsufficient:
		return "FEC_INSUFFICIENT"
	case Closed:
		return "CLOSED"
	case OutOfMemory:
		return "OUT_OF_MEMORY"
	case Capacity:
		return "CAPACITY"
	case Insufficient:
		return "INSUFFICIENT"
	case InvalidParams:
		return "INVALID_PARAMS"
	case Arith:
		return "ARITH"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned across package boundaries.
// It carries a Code so callers can classify with errors.Is against the
// sentinels below, plus an optional human-readable detail.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is makes errors.Is(err, pgmerr.Sentinel(CODE)) work, and also lets two
// *Error values with the same Code compare equal regardless of Detail.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New builds an *Error with the given code and formatted detail.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Sentinel returns a bare *Error for the given code, suitable as the
// target of errors.Is.
func Sentinel(code Code) error {
	return &Error{Code: code}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
