// Package edgeerr classifies every failure surfaced to callers into one of a
// small set of kinds.
package edgeerr

// ============================================================================
// Error Definitions
// Purpose: Define the error taxonomy shared by all edge-session packages
// ============================================================================

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind identifies the class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration: missing/invalid request, missing credential, bad timeout.
	KindConfiguration
	// KindResolution: DNS or lookup failure for a target host.
	KindResolution
	// KindDeadlineExceeded: the overall operation budget ran out mid-flow.
	KindDeadlineExceeded
	// KindNoCandidate: a ranking pass produced no successful probe.
	KindNoCandidate
	// KindTransport: RPC or stream level failure.
	KindTransport
	// KindPolicyDenied: operation disallowed by the current configuration.
	KindPolicyDenied
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindResolution:
		return "resolution error"
	case KindDeadlineExceeded:
		return "deadline exceeded"
	case KindNoCandidate:
		return "no candidate found"
	case KindTransport:
		return "transport error"
	case KindPolicyDenied:
		return "policy denied"
	default:
		return "unknown error"
	}
}

// Predefined errors, one per kind. Match with errors.Is.
var (
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrResolution       = &Error{Kind: KindResolution}
	ErrDeadlineExceeded = &Error{Kind: KindDeadlineExceeded}
	ErrNoCandidate      = &Error{Kind: KindNoCandidate}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrPolicyDenied     = &Error{Kind: KindPolicyDenied}
)

// Error is a classified failure.
type Error struct {
	Kind Kind   // Failure class
	Op   string // Operation that failed, e.g. "selector.FindCloudlet"
	Err  error  // Underlying error (may be nil)
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels above work with
// errors.Is regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies err. A nil err yields a bare error of the given kind.
func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configuration is shorthand for a KindConfiguration error.
func Configuration(op, format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// PolicyDenied is shorthand for a KindPolicyDenied error.
func PolicyDenied(op, format string, args ...any) error {
	return &Error{Kind: KindPolicyDenied, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// FromRPC classifies an error returned by a gRPC call or by context expiry.
// Errors that are already classified pass through unchanged.
func FromRPC(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindDeadlineExceeded, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	st, ok := status.FromError(err)
	if !ok {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return &Error{Kind: KindDeadlineExceeded, Op: op, Err: err}
	case codes.InvalidArgument, codes.Unauthenticated, codes.FailedPrecondition:
		return &Error{Kind: KindConfiguration, Op: op, Err: err}
	case codes.PermissionDenied:
		return &Error{Kind: KindPolicyDenied, Op: op, Err: err}
	case codes.NotFound:
		return &Error{Kind: KindNoCandidate, Op: op, Err: err}
	default:
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
}
