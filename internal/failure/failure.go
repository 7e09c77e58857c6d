// Package failure defines the error kinds every bridge operation reports
// across the call boundary.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure.
type Kind string

const (
	ValidationError    Kind = "ValidationError"
	NotFound           Kind = "NotFound"
	InsufficientFunds  Kind = "InsufficientFunds"
	InvalidFeePolicy   Kind = "InvalidFeePolicy"
	NoRecipients       Kind = "NoRecipients"
	BroadcastRejected  Kind = "BroadcastRejected"
	NetworkUnavailable Kind = "NetworkUnavailable"
	SigningFailure     Kind = "SigningFailure"
	Internal           Kind = "Internal"
)

// Code returns the JSON-RPC error code assigned to the kind.
func (k Kind) Code() int {
	switch k {
	case ValidationError:
		return -32001
	case NotFound:
		return -32002
	case InsufficientFunds:
		return -32003
	case InvalidFeePolicy:
		return -32004
	case NoRecipients:
		return -32005
	case BroadcastRejected:
		return -32006
	case NetworkUnavailable:
		return -32007
	case SigningFailure:
		return -32008
	default:
		return -32000
	}
}

// Error is a classified failure. Message is what the caller sees; Cause is
// the underlying error, if any.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, failure.New(NotFound, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. A nil cause yields nil.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Data is the structured payload attached to JSON-RPC errors.
type Data struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// DataOf builds the boundary payload for err.
func DataOf(err error) Data {
	var e *Error
	if !errors.As(err, &e) {
		return Data{Kind: Internal, Message: err.Error()}
	}
	d := Data{Kind: e.Kind, Message: e.Message}
	if e.Cause != nil {
		d.Cause = e.Cause.Error()
	}
	return d
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound          = &Error{Kind: NotFound}
	ErrValidation        = &Error{Kind: ValidationError}
	ErrInsufficientFunds = &Error{Kind: InsufficientFunds}
)
