package wire

import (
	"errors"
	"fmt"
)

// Status is the transport-level result code carried on reply frames.
// Zero is success, negative values belong to the transport, positive values
// pass through opaquely from application handlers.
type Status int32

const (
	StatusOK                 Status = 0
	StatusUnknownTransaction Status = -1
	StatusBadType            Status = -2
	StatusInvalidOperation   Status = -3
	StatusDeadObject         Status = -4
	StatusWouldBlock         Status = -5
	StatusFailed             Status = -6
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusUnknownTransaction:
		return "UNKNOWN_TRANSACTION"
	case StatusBadType:
		return "BAD_TYPE"
	case StatusInvalidOperation:
		return "INVALID_OPERATION"
	case StatusDeadObject:
		return "DEAD_OBJECT"
	case StatusWouldBlock:
		return "WOULD_BLOCK"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATUS(%d)", int32(s))
	}
}

// Error carries a non-OK status as a Go error. Two Errors compare equal
// under errors.Is when their statuses match, so the package-level sentinels
// below work through wrapping.
type Error struct {
	Status Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("wire: transaction failed: %s", e.Status)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Status == e.Status
}

var (
	ErrUnknownTransaction = &Error{Status: StatusUnknownTransaction}
	ErrBadType            = &Error{Status: StatusBadType}
	ErrInvalidOperation   = &Error{Status: StatusInvalidOperation}
	ErrDeadObject         = &Error{Status: StatusDeadObject}
	ErrWouldBlock         = &Error{Status: StatusWouldBlock}
	ErrFailed             = &Error{Status: StatusFailed}
)

// StatusErr maps a status to an error, nil for OK.
func StatusErr(s Status) error {
	if s == StatusOK {
		return nil
	}
	return &Error{Status: s}
}

// StatusOf maps a handler error back to a wire status. Errors that already
// carry a status keep it; anything else is reported as FAILED.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusFailed
}
