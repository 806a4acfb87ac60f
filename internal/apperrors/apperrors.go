// Package apperrors defines the domain error taxonomy shared by the
// matching engine, the assignment coordinator and the registries. Every
// recoverable failure is one of these kinds so the HTTP boundary can tell a
// caller whether to fix the request, pick a different driver/ride, or give
// up.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindInternal covers infrastructure failures (registry unavailable,
	// corrupt record). Not part of the domain taxonomy.
	KindInternal Kind = iota
	// KindNotFound: the entity does not exist.
	KindNotFound
	// KindForbidden: the entity exists but is not eligible (wrong status or
	// availability).
	KindForbidden
	// KindInvalidInput: malformed request data.
	KindInvalidInput
	// KindConflict: the requested state transition is not legal from the
	// current state, e.g. assigning an already-assigned ride.
	KindConflict
	// KindInvalidState: the entity is missing a field required for the
	// requested operation.
	KindInvalidState
	// KindInconsistentState: the request carries fields that contradict the
	// requested transition.
	KindInconsistentState
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	case KindInvalidState:
		return "invalid_state"
	case KindInconsistentState:
		return "inconsistent_state"
	default:
		return "internal"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindConflict}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

func NotFound(msg string) *Error          { return &Error{Kind: KindNotFound, Msg: msg} }
func Forbidden(msg string) *Error         { return &Error{Kind: KindForbidden, Msg: msg} }
func InvalidInput(msg string) *Error      { return &Error{Kind: KindInvalidInput, Msg: msg} }
func Conflict(msg string) *Error          { return &Error{Kind: KindConflict, Msg: msg} }
func InvalidState(msg string) *Error      { return &Error{Kind: KindInvalidState, Msg: msg} }
func InconsistentState(msg string) *Error { return &Error{Kind: KindInconsistentState, Msg: msg} }

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// KindOf extracts the kind of err, or KindInternal for anything outside the
// taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a domain error to the response code used at the transport
// boundary.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindInvalidState, KindInconsistentState:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
