// Package apperr defines the failure kinds reported by the subscription
// registry and message router, and how they map onto HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure.
type Kind string

const (
	// InvalidInput indicates a missing id, an empty or malformed type set, or a malformed message.
	InvalidInput Kind = "INVALID_INPUT"

	// UnknownMessageType indicates a publish for a type no subscription is bound to.
	UnknownMessageType Kind = "UNKNOWN_MESSAGE_TYPE"

	// NotFound indicates the subscription does not exist.
	NotFound Kind = "NOT_FOUND"

	// BrokerUnavailable indicates a transport-level failure talking to the broker.
	BrokerUnavailable Kind = "BROKER_UNAVAILABLE"

	// QueueDeclareFailed indicates the subscription queue could not be declared.
	QueueDeclareFailed Kind = "QUEUE_DECLARE_FAILED"

	// BindingFailed indicates one or more bindings failed during a Put.
	BindingFailed Kind = "BINDING_FAILED"

	// PublishFailed indicates the broker refused the publish.
	PublishFailed Kind = "PUBLISH_FAILED"

	// Internal indicates anything else.
	Internal Kind = "INTERNAL"
)

// Error is a failure of a registry or router operation.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, &Error{Kind: BindingFailed}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, Internal when
// there is none and "" for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsClientError reports whether kind is caused by the caller.
func IsClientError(kind Kind) bool {
	switch kind {
	case InvalidInput, UnknownMessageType, NotFound:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status the transport layer responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case "":
		return http.StatusOK
	case InvalidInput, UnknownMessageType:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case BrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
