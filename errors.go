package portal

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidCredentials = "portal_invalid_credentials"
	TextCodeAlreadyRegistered  = "portal_already_registered"
	TextCodeWeakPassword       = "portal_weak_password"
	TextCodeProfileNotFound    = "portal_profile_not_found"
	TextCodeNetworkError       = "portal_network_error"
	TextCodeUnknown            = "portal_unknown_error"
	TextCodeTokenExpired       = "portal_token_expired"
	TextCodeTokenMalformed     = "portal_token_malformed"
)

// ErrInvalidCredentials is returned when the provider rejects a password.
var ErrInvalidCredentials = errors.New("invalid login credentials", errors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(errors.CodeUnauthorized)

// ErrAlreadyRegistered is returned when an account already exists for the email.
var ErrAlreadyRegistered = errors.New("account already registered", errors.CategoryConflict).
	WithTextCode(TextCodeAlreadyRegistered).
	WithCode(errors.CodeConflict)

// ErrWeakPassword is returned when the provider rejects the password strength.
var ErrWeakPassword = errors.New("password does not meet requirements", errors.CategoryValidation).
	WithTextCode(TextCodeWeakPassword).
	WithCode(errors.CodeBadRequest)

// ErrProfileNotFound is returned when no Profile record exists for an identity.
var ErrProfileNotFound = errors.New("profile not found", errors.CategoryNotFound).
	WithTextCode(TextCodeProfileNotFound).
	WithCode(errors.CodeNotFound)

// ErrNetwork is returned when a remote call fails at the transport level.
var ErrNetwork = errors.New("backend unreachable", errors.CategoryOperation).
	WithTextCode(TextCodeNetworkError).
	WithCode(errors.CodeInternal)

// ErrUnknown wraps provider failures we cannot classify.
var ErrUnknown = errors.New("unexpected authentication error", errors.CategoryInternal).
	WithTextCode(TextCodeUnknown).
	WithCode(errors.CodeInternal)

// ErrTokenExpired is returned when an access token is past its expiry.
var ErrTokenExpired = errors.New("token expired", errors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(errors.CodeUnauthorized)

// ErrTokenMalformed is returned when an access token cannot be parsed or verified.
var ErrTokenMalformed = errors.New("token malformed", errors.CategoryAuth).
	WithTextCode(TextCodeTokenMalformed).
	WithCode(errors.CodeUnauthorized)

// IsTokenExpiredError reports whether err represents an expired token.
func IsTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrTokenExpired) {
		return true
	}
	return hasTextCode(err, TextCodeTokenExpired)
}

// IsMalformedError reports whether err represents an unparseable token.
func IsMalformedError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrTokenMalformed) {
		return true
	}
	return hasTextCode(err, TextCodeTokenMalformed)
}

func hasTextCode(err error, code string) bool {
	var richErr *errors.Error
	if errors.As(err, &richErr) {
		return richErr.TextCode == code
	}
	return false
}

// IsProfileNotFound reports whether err represents a missing Profile record.
func IsProfileNotFound(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrProfileNotFound) {
		return true
	}
	return errors.IsNotFound(err)
}

// IsNetworkError reports whether err was classified as a transport failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrNetwork) {
		return true
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return hasTextCode(err, TextCodeNetworkError)
}

// NormalizeAuthError maps an arbitrary provider failure into the portal's
// error taxonomy. Already-classified errors pass through untouched.
func NormalizeAuthError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case stderrors.Is(err, ErrInvalidCredentials),
		stderrors.Is(err, ErrAlreadyRegistered),
		stderrors.Is(err, ErrWeakPassword),
		stderrors.Is(err, ErrProfileNotFound),
		stderrors.Is(err, ErrNetwork):
		return err
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return networkError(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid login credentials"),
		strings.Contains(msg, "invalid_grant"):
		return invalidCredentialsError(err)
	case strings.Contains(msg, "already registered"),
		strings.Contains(msg, "already exists"):
		clone := ErrAlreadyRegistered.Clone()
		clone.Source = err
		return clone
	case strings.Contains(msg, "weak password"),
		strings.Contains(msg, "password should be"):
		clone := ErrWeakPassword.Clone()
		clone.Source = err
		return clone
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "network"):
		return networkError(err)
	}

	clone := ErrUnknown.Clone()
	clone.Source = err
	return clone.WithMetadata(map[string]any{"cause": err.Error()})
}

func errInvalidRole(role Role) error {
	return errors.New("unknown or invalid role", errors.CategoryValidation).
		WithTextCode("PORTAL_INVALID_ROLE").
		WithCode(errors.CodeBadRequest).
		WithMetadata(map[string]any{"role": role})
}

func invalidCredentialsError(cause error) error {
	clone := ErrInvalidCredentials.Clone()
	clone.Source = cause
	return clone
}

func networkError(cause error) error {
	clone := ErrNetwork.Clone()
	clone.Source = cause
	return clone.WithMetadata(map[string]any{"cause": cause.Error()})
}
