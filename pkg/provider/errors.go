package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"google.golang.org/genai"
)

// ErrorKind classifies provider failures
type ErrorKind string

const (
	KindCredentialsExhausted ErrorKind = "credentials_exhausted"
	KindRateLimited          ErrorKind = "rate_limited"
	KindMalformedResponse    ErrorKind = "malformed_response"
	KindUpstream             ErrorKind = "upstream"
)

// Sentinel errors for errors.Is against a ProviderError kind
var (
	ErrCredentialsExhausted = &ProviderError{Kind: KindCredentialsExhausted}
	ErrRateLimited          = &ProviderError{Kind: KindRateLimited}
	ErrMalformedResponse    = &ProviderError{Kind: KindMalformedResponse}
	ErrUpstream             = &ProviderError{Kind: KindUpstream}
)

// ProviderError is returned by the Dispatcher for every failed call
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	// Status is the upstream HTTP status when known
	Status  int
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("provider")
	if e.Provider != "" {
		b.WriteString(" ")
		b.WriteString(e.Provider)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is matches another ProviderError of the same kind
func (e *ProviderError) Is(target error) bool {
	var pe *ProviderError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Kind == e.Kind
}

func upstreamError(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{Kind: KindUpstream, Provider: provider, Status: StatusCode(err), Err: err}
}

func malformed(provider, msg string) *ProviderError {
	return &ProviderError{Kind: KindMalformedResponse, Provider: provider, Message: msg}
}

var statusCodeRegex = regexp.MustCompile(`\b([45]\d{2})\b`)

// StatusCode extracts the upstream HTTP status from an SDK error, or 0
func StatusCode(err error) int {
	if err == nil {
		return 0
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.Status > 0 {
		return pe.Status
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}

	var geminiErr *genai.APIError
	if errors.As(err, &geminiErr) {
		return geminiErr.Code
	}

	// OpenAI SDK error format: `POST "/v1/...": 429 Too Many Requests {...}`
	matches := statusCodeRegex.FindStringSubmatch(err.Error())
	if len(matches) >= 2 {
		if code, convErr := strconv.Atoi(matches[1]); convErr == nil {
			return code
		}
	}
	return 0
}

// IsCredentialError reports whether err means the key itself was refused
func IsCredentialError(err error) bool {
	switch StatusCode(err) {
	case 401, 403:
		return true
	}
	return false
}

// IsRetryableError reports whether err is transient: 408, 429 or 5xx
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := StatusCode(err)
	if code == 408 || code == 429 || code >= 500 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "econnreset") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "etimedout")
}
