// Package sdkerrors defines the closed error taxonomy of the transfer
// engine. Every failure that crosses a component boundary is one of the
// kinds below, so retry and resume decisions are made by matching the
// kind instead of inspecting concrete error types.
package sdkerrors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry/resume decisions.
type Kind int

const (
	// Unknown covers errors that did not originate in this engine.
	Unknown Kind = iota
	// ContentRead indicates the caller's source stream failed. The
	// content may be in an indeterminate state, so it is not resumable.
	ContentRead
	// Integrity indicates a local corruption probe failed or a
	// post-upload size/count/digest check mismatched.
	Integrity
	// Conflict indicates a name or draft already exists. Detail
	// identifies the conflicting entity.
	Conflict
	// Transport indicates a network or HTTP failure. Retriable
	// distinguishes 5xx/timeout/429-class from terminal 4xx.
	Transport
	// Cancelled indicates a user- or system-initiated stop, always
	// reported distinctly from genuine failure.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case ContentRead:
		return "content read"
	case Integrity:
		return "integrity"
	case Conflict:
		return "conflict"
	case Transport:
		return "transport"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ConflictDetail carries enough structure for the caller to act on a
// name or draft conflict, e.g. offer "replace existing file".
type ConflictDetail struct {
	// ConflictingNodeUID is the node occupying the requested name.
	ConflictingNodeUID string
	// DraftRevisionUID is set when the conflicting entity is an
	// uncommitted draft rather than a committed file.
	DraftRevisionUID string
	// DraftClientUID identifies the client that created the
	// conflicting draft, if the server reported one.
	DraftClientUID string
}

// Error is the single error type produced by the engine.
type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "upload block".
	Op  string
	Err error

	// Transport detail.
	StatusCode int
	Retriable  bool
	Timeout    bool
	RetryAfter time.Duration

	// Conflict detail, set only for Kind == Conflict.
	Conflict *ConflictDetail
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewContentRead wraps a source stream failure.
func NewContentRead(op string, err error) *Error {
	return &Error{Kind: ContentRead, Op: op, Err: err}
}

// NewIntegrity reports a corruption or post-upload verification failure.
func NewIntegrity(op string, err error) *Error {
	return &Error{Kind: Integrity, Op: op, Err: err}
}

// Integrityf reports an integrity failure with a formatted cause.
func Integrityf(op, format string, args ...any) *Error {
	return &Error{Kind: Integrity, Op: op, Err: fmt.Errorf(format, args...)}
}

// NewConflict reports a name or draft conflict with structured detail.
func NewConflict(op string, detail *ConflictDetail, err error) *Error {
	return &Error{Kind: Conflict, Op: op, Err: err, Conflict: detail}
}

// NewTransport reports an HTTP failure. Status codes 408, 429 and 5xx
// are retriable; everything else in 4xx is terminal.
func NewTransport(op string, statusCode int, err error) *Error {
	return &Error{
		Kind:       Transport,
		Op:         op,
		Err:        err,
		StatusCode: statusCode,
		Retriable:  statusCode == 408 || statusCode == 429 || statusCode >= 500,
		Timeout:    statusCode == 408,
	}
}

// NewNetwork reports a network-level failure with no HTTP status.
// Network failures are always retriable.
func NewNetwork(op string, err error, timeout bool) *Error {
	return &Error{Kind: Transport, Op: op, Err: err, Retriable: true, Timeout: timeout}
}

// NewCancelled reports cancellation. The cause is usually ctx.Err().
func NewCancelled(op string, err error) *Error {
	return &Error{Kind: Cancelled, Op: op, Err: err}
}

// KindOf walks the error chain and returns the engine kind. Bare
// context cancellation is reported as Cancelled; anything else the
// engine did not produce is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return Unknown
}

// IsCancelled reports whether err is a cancellation, either classified
// or a bare context.Canceled.
func IsCancelled(err error) bool {
	return KindOf(err) == Cancelled
}

// IsRetriable reports whether err is a transport failure worth retrying
// in place with the same payload.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == Transport && e.Retriable
	}
	return false
}

// IsTimeout reports whether err is a request timeout. The pipeline
// reacts by serializing remaining uploads.
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == Transport && e.Timeout
	}
	return false
}

// StatusCode extracts the HTTP status from a transport error, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// ConflictOf extracts structured conflict detail, or nil.
func ConflictOf(err error) *ConflictDetail {
	var e *Error
	if errors.As(err, &e) && e.Kind == Conflict {
		return e.Conflict
	}
	return nil
}

// IsResumable reports whether a transfer that failed with err may be
// safely continued later without re-uploading confirmed blocks.
// Network/5xx/timeout-class failures are resumable; content reads,
// conflicts, integrity failures and terminal 4xx are not.
func IsResumable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == Transport && e.Retriable
}
