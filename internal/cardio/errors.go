package cardio

import (
	"errors"
	"fmt"
)

// Sentinel errors for session and transaction failures.
var (
	// ErrNotReady is returned for requests issued before the session has
	// completed login and initialization.
	ErrNotReady = errors.New("cardio: session not ready")

	// ErrBusy is returned when the transaction lock could not be acquired
	// within the caller's deadline.
	ErrBusy = errors.New("cardio: transaction lock busy")

	// ErrTimeout is returned when a transaction got no reply in time.
	// The session escalates it to a reconnect.
	ErrTimeout = errors.New("cardio: transaction timeout")

	// ErrConnectionLost is delivered to transactions pending at the moment
	// the link faulted.
	ErrConnectionLost = errors.New("cardio: connection lost")

	// ErrAuthFailed is fatal: the panel rejected the login password.
	// The session does not retry.
	ErrAuthFailed = errors.New("cardio: authentication failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cardio: session closed")
)

// Nack reason codes as the panel reports them.
const (
	NackUnknownObject   = 1
	NackOutOfRange      = 2
	NackInvalidParams   = 3
	NackBadSecurityCode = 4
	NackSetUnsupported  = 5
	NackGetUnsupported  = 6
	NackRefusedArmed    = 7
	NackZoneIgnorable   = 8
	NackZonesOpen       = 16
	NackPowerProblem    = 17
	NackArmFailed       = 18
)

var nackText = map[int]string{
	NackUnknownObject:   "unknown object type",
	NackOutOfRange:      "object number out of range",
	NackInvalidParams:   "invalid parameters",
	NackBadSecurityCode: "bad security code",
	NackSetUnsupported:  "set not supported for object",
	NackGetUnsupported:  "get not supported for object",
	NackRefusedArmed:    "refused while system armed",
	NackZoneIgnorable:   "zone can be ignored",
	NackZonesOpen:       "open zones prevent arming",
	NackPowerProblem:    "power problem",
	NackArmFailed:       "arming failed",
}

// NackText returns a human description of a device reason code.
func NackText(code int) string {
	if s, ok := nackText[code]; ok {
		return s
	}
	return fmt.Sprintf("reason code %d", code)
}

// NackError is a device rejection surfaced as an error. Callers that need
// the reason unwrap with errors.As.
type NackError struct {
	Object Object
	ID     int
	Code   int
}

func (e *NackError) Error() string {
	return fmt.Sprintf("cardio: nack %c %d: %s", e.Object, e.ID, NackText(e.Code))
}
