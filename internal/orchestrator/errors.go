package orchestrator

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"

	"billsync/backend/internal/conflict"
	"billsync/backend/internal/service"
	"billsync/backend/internal/store"
)

type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindNotFound   Kind = "not-found"
	KindConflict   Kind = "conflict"
	KindRateLimit  Kind = "rate-limit"
	KindUnknown    Kind = "unknown"
)

var (
	ErrPermission  = errors.New("permission denied")
	ErrRateLimited = errors.New("rate limited")
)

// Retryable reports whether an error of this kind may succeed when tried
// again unchanged.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit:
		return true
	}
	return false
}

// Error is an error placed in the taxonomy. It unwraps to the original.
type Error struct {
	Kind      Kind   `json:"kind"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }
func (e *Error) Unwrap() error { return e.Err }

// Classify maps err onto the taxonomy. It returns nil for a nil error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	kind := kindOf(err)
	return &Error{Kind: kind, Retryable: kind.Retryable(), Message: err.Error(), Err: err}
}

func kindOf(err error) Kind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.Is(err, service.ErrValidation), errors.Is(err, store.ErrInvalidQuery):
		return KindValidation
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, store.ErrNotFound), errors.Is(err, conflict.ErrIndexOutOfRange):
		return KindNotFound
	case errors.Is(err, service.ErrDuplicateBillNumber), errors.Is(err, store.ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.As(err, &netErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, store.ErrClosed):
		return KindNetwork
	}
	return KindUnknown
}
