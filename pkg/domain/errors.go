package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies ledger failures.
type ErrorKind string

// Error kinds surfaced by stores, anchors and the ledger core.
const (
	KindNotFound       ErrorKind = "NotFound"
	KindDuplicateKey   ErrorKind = "DuplicateKey"
	KindConflict       ErrorKind = "ConflictError"
	KindAnchor         ErrorKind = "AnchorError"
	KindEmptyHistory   ErrorKind = "EmptyHistory"
	KindInvalidRequest ErrorKind = "InvalidRequest"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateKey   = errors.New("duplicate key")
	ErrConflict       = errors.New("sequence conflict")
	ErrAnchor         = errors.New("anchor failure")
	ErrEmptyHistory   = errors.New("empty history")
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrAnchorRejected marks an AnchorError where the anchor program refused the
// instruction, as opposed to a transport failure or timeout. Replaying an
// instruction that was already applied fails this way.
var ErrAnchorRejected = errors.New("anchor rejected instruction")

var sentinels = map[ErrorKind]error{
	KindNotFound:       ErrNotFound,
	KindDuplicateKey:   ErrDuplicateKey,
	KindConflict:       ErrConflict,
	KindAnchor:         ErrAnchor,
	KindEmptyHistory:   ErrEmptyHistory,
	KindInvalidRequest: ErrInvalidRequest,
}

// Error is the structured failure returned across the ledger. It names the
// kind and the offending identifier.
type Error struct {
	Kind   ErrorKind
	Entity EntityType
	ID     string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Entity != "" {
		msg += " " + string(e.Entity)
	}
	if e.ID != "" {
		msg += fmt.Sprintf(" %q", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// NewError builds a structured ledger error.
func NewError(kind ErrorKind, entity EntityType, id string, cause error) *Error {
	return &Error{Kind: kind, Entity: entity, ID: id, Err: cause}
}

// NotFound reports a missing entity.
func NotFound(entity EntityType, id string) *Error {
	return NewError(KindNotFound, entity, id, nil)
}

// DuplicateKey reports a uniqueness violation.
func DuplicateKey(entity EntityType, id string) *Error {
	return NewError(KindDuplicateKey, entity, id, nil)
}

// InvalidRequest reports a request schema violation.
func InvalidRequest(entity EntityType, id, format string, args ...any) *Error {
	return NewError(KindInvalidRequest, entity, id, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return "", false
}
