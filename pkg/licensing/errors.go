package licensing

import (
	"errors"
	"fmt"
)

// Token errors. Everything a caller can trigger with a bad token wraps either
// ErrDecode or ErrSchema, and both collapse to the same public message.
var (
	ErrDecode             = errors.New("license token could not be decoded")
	ErrMalformedToken     = fmt.Errorf("%w: malformed token", ErrDecode)
	ErrAuthFailed         = fmt.Errorf("%w: authentication failed", ErrDecode)
	ErrSchema             = errors.New("license payload schema invalid")
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported payload version", ErrSchema)
	ErrEmptyToken         = errors.New("license key is required")
	ErrInvalidSecret      = errors.New("invalid license encryption key")
)

// Policy errors.
var (
	ErrPolicyDeny    = errors.New("license denied")
	ErrExpired       = errors.New(string(ReasonExpired))
	ErrUsesExhausted = errors.New(string(ReasonUsesExhausted))
)

// Messages shown to callers.
const (
	MessageValid            = "license valid"
	MessageConsumed         = "license use recorded"
	MessageValidationFailed = "validation failed"
	MessageKeyRequired      = "license key is required"
)

// PolicyDenyError reports a well-formed token that is expired or used up.
// The reason is not security sensitive and is shown to callers verbatim.
type PolicyDenyError struct {
	Reason DenyReason
}

func (e *PolicyDenyError) Error() string {
	return string(e.Reason)
}

// Is lets callers match the generic ErrPolicyDeny or the reason-specific sentinel.
func (e *PolicyDenyError) Is(target error) bool {
	switch target {
	case ErrPolicyDeny:
		return true
	case ErrExpired:
		return e.Reason == ReasonExpired
	case ErrUsesExhausted:
		return e.Reason == ReasonUsesExhausted
	}
	return false
}

// PublicMessage converts a core error into the message a caller may see.
// Decode and schema failures share one message so a caller cannot tell a
// corrupted token from one sealed under a different key.
func PublicMessage(err error) string {
	if err == nil {
		return MessageValid
	}
	if errors.Is(err, ErrEmptyToken) {
		return MessageKeyRequired
	}
	var deny *PolicyDenyError
	if errors.As(err, &deny) {
		return deny.Error()
	}
	return MessageValidationFailed
}

// FailureKind buckets an error for logs and metrics. It is never returned to callers.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyToken):
		return "empty"
	case errors.Is(err, ErrAuthFailed):
		return "auth"
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrUnsupportedVersion):
		return "version"
	case errors.Is(err, ErrSchema):
		return "schema"
	case errors.Is(err, ErrPolicyDeny):
		return "policy"
	default:
		return "internal"
	}
}
