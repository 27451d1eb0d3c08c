// Package option provides a typed optional value that records why a value is absent.
// Lookups return an Option instead of an error so callers can decide between
// retrying and failing based on the absence reason alone.
package option

import (
	"errors"
	"fmt"
)

// Reason classifies why an Option carries no value
type Reason string

const (
	ServiceUnavailable       Reason = "ServiceUnavailable"
	ServiceNotYetInitialized Reason = "ServiceNotYetInitialized"
	ItemDoesNotExist         Reason = "ItemDoesNotExist"
	FailedToDeserialize      Reason = "FailedToDeserialize"
)

// Reasons lists the closed set of absence reasons
func Reasons() []Reason {
	return []Reason{ServiceUnavailable, ServiceNotYetInitialized, ItemDoesNotExist, FailedToDeserialize}
}

// Valid reports whether r is one of the known reasons
func (r Reason) Valid() bool {
	switch r {
	case ServiceUnavailable, ServiceNotYetInitialized, ItemDoesNotExist, FailedToDeserialize:
		return true
	}
	return false
}

// Transient reports whether the absence is expected to resolve with time
func (r Reason) Transient() bool {
	return r == ServiceUnavailable || r == ServiceNotYetInitialized
}

// Sentinel errors, one per reason, for errors.Is checks
var (
	ErrServiceUnavailable       = errors.New("service unavailable")
	ErrServiceNotYetInitialized = errors.New("service not yet initialized")
	ErrItemDoesNotExist         = errors.New("item does not exist")
	ErrFailedToDeserialize      = errors.New("failed to deserialize")
)

// Sentinel returns the sentinel error for a reason
func (r Reason) Sentinel() error {
	switch r {
	case ServiceUnavailable:
		return ErrServiceUnavailable
	case ServiceNotYetInitialized:
		return ErrServiceNotYetInitialized
	case ItemDoesNotExist:
		return ErrItemDoesNotExist
	case FailedToDeserialize:
		return ErrFailedToDeserialize
	}
	return fmt.Errorf("unknown absence reason %q", string(r))
}

// AbsentError is returned when unwrapping an empty Option
type AbsentError struct {
	Reason Reason
	// Detail is free text; it never changes the category.
	Detail string
}

// Error implements the error interface
func (e *AbsentError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("value absent [%s]: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("value absent [%s]", e.Reason)
}

// Unwrap exposes the reason sentinel
func (e *AbsentError) Unwrap() error {
	return e.Reason.Sentinel()
}

// ReasonOf extracts the absence reason from an error chain
func ReasonOf(err error) (Reason, bool) {
	var ae *AbsentError
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return "", false
}

// Option holds either a present value or an absence reason
type Option[T any] struct {
	value   T
	present bool
	reason  Reason
	detail  string
}

// Some wraps a present value
func Some[T any](v T) Option[T] {
	return Option[T]{value: v, present: true}
}

// None builds an absent Option with the given reason
func None[T any](reason Reason) Option[T] {
	return Option[T]{reason: reason}
}

// NoneWithDetail is None with a diagnostic message attached
func NoneWithDetail[T any](reason Reason, format string, args ...interface{}) Option[T] {
	return Option[T]{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// IsSome reports whether a value is present
func (o Option[T]) IsSome() bool { return o.present }

// IsNone reports whether the value is absent
func (o Option[T]) IsNone() bool { return !o.present }

// Reason returns the absence reason; empty when a value is present
func (o Option[T]) Reason() Reason {
	if o.present {
		return ""
	}
	return o.reason
}

// Unwrap returns the value, or an *AbsentError carrying the reason
func (o Option[T]) Unwrap() (T, error) {
	if o.present {
		return o.value, nil
	}
	var zero T
	return zero, &AbsentError{Reason: o.reason, Detail: o.detail}
}

// MustUnwrap returns the value and panics with an *AbsentError when absent.
// Only the orchestration boundary should call it.
func (o Option[T]) MustUnwrap() T {
	v, err := o.Unwrap()
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the option for logs
func (o Option[T]) String() string {
	if o.present {
		return fmt.Sprintf("Some(%v)", o.value)
	}
	return fmt.Sprintf("None(%s)", o.reason)
}
