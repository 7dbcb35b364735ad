package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind int

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

var kindByCode = map[codes.Code]errorKind{
	codes.NotFound:           kindNotFound,
	codes.AlreadyExists:      kindConflict,
	codes.FailedPrecondition: kindConflict,
	codes.Aborted:            kindConflict,
	codes.Unavailable:        kindUnavailable,
	codes.ResourceExhausted:  kindUnavailable,
	codes.Internal:           kindUnavailable,
}

// Error is a classified Firestore failure. It satisfies repositories.RepositoryError.
type Error struct {
	op   string
	code codes.Code
	err  error
}

func (e *Error) Error() string { return fmt.Sprintf("firestore %s: %v", e.op, e.err) }
func (e *Error) Unwrap() error { return e.err }

func (e *Error) IsNotFound() bool    { return e != nil && kindByCode[e.code] == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && kindByCode[e.code] == kindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && kindByCode[e.code] == kindUnavailable }

// WrapError classifies err by its gRPC status. Cancellation and deadline statuses become the matching
// context errors so callers can test them with errors.Is.
func WrapError(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	switch code := status.Code(err); code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	default:
		return &Error{op: op, code: code, err: err}
	}
}
