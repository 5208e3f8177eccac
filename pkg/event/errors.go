package event

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures, wrapped with field context by
// ValidationError below.
var (
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidUUID    = errors.New("not a valid UUID")
	ErrInvalidSchema  = errors.New("schema must be \"" + Schema + "\"")
	ErrInvalidTime    = errors.New("not RFC3339 with offset")
	ErrInvalidActor   = errors.New("actor.type must be one of user, agent, ci")
	ErrInvalidHash    = errors.New("hashMeta.algo must be \"" + HashAlgo + "\"")
	ErrUnknownField   = errors.New("unknown top-level field")
	ErrInvalidCtxType = errors.New("ctx values must be string, number, bool, or null")
)

// ValidationError wraps a sentinel with the offending field path.
type ValidationError struct {
	Path    string
	Message string
	Code    string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Path, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError with a stable code.
func NewValidationError(path string, wrapped error) *ValidationError {
	return &ValidationError{
		Path:    path,
		Message: wrapped.Error(),
		Code:    codeFor(wrapped),
		Wrapped: wrapped,
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrInvalidUUID):
		return "invalid_uuid"
	case errors.Is(err, ErrInvalidSchema):
		return "invalid_schema"
	case errors.Is(err, ErrInvalidTime):
		return "invalid_time"
	case errors.Is(err, ErrInvalidActor):
		return "invalid_actor"
	case errors.Is(err, ErrInvalidHash):
		return "invalid_hash_meta"
	case errors.Is(err, ErrUnknownField):
		return "unknown_field"
	case errors.Is(err, ErrInvalidCtxType):
		return "invalid_ctx_type"
	default:
		return "invalid"
	}
}
