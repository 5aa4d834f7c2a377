package smp

import (
	"errors"
	"fmt"
)

// ProtocolError is a device-side failure reported through a response rc.
type ProtocolError struct {
	// Group is the management group of the failed command
	Group Group

	// ID is the command id within the group
	ID uint8

	// RC is the management return code
	RC int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s command %d failed: %s (rc=%d)", e.Group, e.ID, RCName(e.RC), e.RC)
}

// IsProtocolError returns true if err wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// RCName returns a human-readable name for a management return code.
func RCName(rc int) string {
	switch rc {
	case RCOk:
		return "ok"
	case RCUnknown:
		return "unknown error"
	case RCNoMemory:
		return "out of memory"
	case RCInvalid:
		return "invalid argument"
	case RCTimeout:
		return "timeout"
	case RCNoEntry:
		return "no such entry"
	case RCBadState:
		return "bad state"
	case RCMsgSize:
		return "message too large"
	case RCNotSupported:
		return "not supported"
	case RCCorrupt:
		return "corrupt"
	case RCBusy:
		return "busy"
	case RCAccessDenied:
		return "access denied"
	case RCUnsupportedOld:
		return "protocol version too old"
	case RCUnsupportedNew:
		return "protocol version too new"
	default:
		return fmt.Sprintf("rc %d", rc)
	}
}
