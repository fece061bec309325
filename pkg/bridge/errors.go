package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Kind classifies a failed bridge call.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindConnectionRefused Kind = "connection_refused"
	KindNonSuccessStatus  Kind = "non_success_status"
	KindTransportOther    Kind = "transport_other"
)

// Error is the single shape every transport-level bridge failure takes.
// Application-level upstream errors (4xx/5xx answers) are not Errors; they
// come back as a Result and are relayed.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int
	Err            error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsKind reports whether err is a bridge Error of kind k.
func IsKind(err error, k Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == k
}

func classify(err error, timeout time.Duration) *Error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &Error{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("bridge timed out after %s", timeout),
			Err:     err,
		}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Error{
			Kind:    KindConnectionRefused,
			Message: "bridge unreachable: " + err.Error(),
			Err:     err,
		}
	default:
		return &Error{
			Kind:    KindTransportOther,
			Message: "bridge request failed: " + err.Error(),
			Err:     err,
		}
	}
}
