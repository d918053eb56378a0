package auth

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind classifies an authentication failure.
type Kind string

const (
	KindOriginRejected    Kind = "origin_rejected"
	KindCredentialInvalid Kind = "credential_invalid"
	KindCSRFMismatch      Kind = "csrf_mismatch"
	KindTokenInvalid      Kind = "token_invalid"
	KindRateLimited       Kind = "rate_limited"
)

// HTTPStatus returns the status code an AuthError of this kind is written with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindOriginRejected, KindCSRFMismatch:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

// AuthError is returned by gates and login. It is written directly at the
// request boundary.
type AuthError struct {
	Kind    Kind
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is matches any AuthError of the same kind.
func (e *AuthError) Is(target error) bool {
	var t *AuthError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrOriginRejected    = &AuthError{Kind: KindOriginRejected}
	ErrCredentialInvalid = &AuthError{Kind: KindCredentialInvalid}
	ErrCSRFMismatch      = &AuthError{Kind: KindCSRFMismatch}
	ErrTokenInvalid      = &AuthError{Kind: KindTokenInvalid}
	ErrRateLimited       = &AuthError{Kind: KindRateLimited}
)

func newError(kind Kind, message string) *AuthError {
	return &AuthError{Kind: kind, Message: message}
}

// WriteError writes err as JSON. AuthErrors use their kind's status; any
// other error is a 500.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]string{"error": err.Error()}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		status = authErr.Kind.HTTPStatus()
		body["kind"] = string(authErr.Kind)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
