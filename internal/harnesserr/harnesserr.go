// Package harnesserr defines the wire-stable error kinds returned by the
// core and the HTTP status codes they map to. Only the HTTP layer consults
// the mapping. The core returns a *harnesserr.Error for the failures it
// classifies; other errors, such as those from rehydration, are plain
// wrapped errors.
package harnesserr

import "fmt"

// Kind is a wire-stable error classification name.
type Kind string

const (
	ProjectNotFound        Kind = "PROJECT_NOT_FOUND"
	ProjectExists           Kind = "PROJECT_EXISTS"
	AgentNotFound           Kind = "AGENT_NOT_FOUND"
	AgentNameInvalid        Kind = "AGENT_NAME_INVALID"
	NameConflict            Kind = "NAME_CONFLICT"
	UnknownProvider         Kind = "UNKNOWN_PROVIDER"
	ProviderDisabled        Kind = "PROVIDER_DISABLED"
	SubscriptionNotFound    Kind = "SUBSCRIPTION_NOT_FOUND"
	SubscriptionMismatch    Kind = "SUBSCRIPTION_PROVIDER_MISMATCH"
	SubscriptionInvalid     Kind = "SUBSCRIPTION_INVALID"
	TmuxError               Kind = "TMUX_ERROR"
	TmuxUnavailable         Kind = "TMUX_UNAVAILABLE"
	Unauthorized            Kind = "UNAUTHORIZED"
	InvalidRequest          Kind = "INVALID_REQUEST"
)

// httpStatus maps each Kind to its HTTP response code, per spec.md §7.
var httpStatus = map[Kind]int{
	ProjectNotFound:      404,
	ProjectExists:        409,
	AgentNotFound:        404,
	AgentNameInvalid:     400,
	NameConflict:         409,
	UnknownProvider:      400,
	ProviderDisabled:     400,
	SubscriptionNotFound: 400,
	SubscriptionMismatch: 400,
	SubscriptionInvalid:  400,
	TmuxError:            500,
	TmuxUnavailable:      503,
	Unauthorized:         401,
	InvalidRequest:       400,
}

// Error is the error type every exported core operation returns on failure.
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

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error that wraps cause, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatus returns the status code for kind, defaulting to 500 for any
// kind not in the table (there should be none).
func HTTPStatus(kind Kind) int {
	if code, ok := httpStatus[kind]; ok {
		return code
	}
	return 500
}

// As extracts a *Error from err, if any is in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	for err != nil {
		if he, ok := err.(*Error); ok {
			e = he
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}
