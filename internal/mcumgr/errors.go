package mcumgr

import (
	"errors"
	"fmt"
	"time"

	"zswflasher/internal/smp"
)

// ErrTooManyPending is returned when all 256 sequence ids are in flight.
var ErrTooManyPending = errors.New("too many pending requests")

// TimeoutError reports a request that got no matching response in time.
type TimeoutError struct {
	Group   smp.Group
	ID      uint8
	Seq     uint8
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s command %d (seq %d) timed out after %s", e.Group, e.ID, e.Seq, e.Timeout)
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// SequencingError describes an inbound packet that matched no pending
// request. It is logged, never returned to callers.
type SequencingError struct {
	Seq    uint8
	Group  smp.Group
	ID     uint8
	Reason string
}

func (e *SequencingError) Error() string {
	return fmt.Sprintf("unexpected %s response %d seq %d: %s", e.Group, e.ID, e.Seq, e.Reason)
}
