package bus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDestroyed is returned by every operation after Destroy.
	ErrDestroyed = errors.New("bus is destroyed")
	// ErrNotReady is returned when an operation needs a finished Init.
	ErrNotReady = errors.New("bus is not initialized")
)

// TimeoutError reports that no correlated reply arrived within budget. It
// is a distinct kind so callers can tell "nobody answered in time" apart
// from "a handler answered with an error".
type TimeoutError struct {
	Event     string
	RequestID string
	Budget    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no reply for %q (request %s) within %s", e.Event, e.RequestID, e.Budget)
}

// IsTimeout reports whether err is a bus timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
