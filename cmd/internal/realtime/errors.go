package realtime

import (
	"errors"
	"fmt"
)

// Stable sentinel errors for callers and tests.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrBackpressure     = errors.New("outbound queue full")
	ErrInvalidSubject   = errors.New("invalid subject")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrUnauthenticated  = errors.New("unauthenticated")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Kind is one of the sentinels above when applicable; Msg never carries secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
