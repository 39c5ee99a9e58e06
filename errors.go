package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrExpiredCertificate means the client identity must be renewed; retrying won't help.
	ErrExpiredCertificate = errors.New("client certificate expired")

	// ErrInvalidIdentityBundle covers unreadable PKCS#12 files and wrong passphrases.
	ErrInvalidIdentityBundle = errors.New("invalid PKCS#12 identity bundle")

	ErrUnknownCaptchaProvider   = errors.New("unknown captcha provider")
	ErrUnsupportedChallengeKind = errors.New("unsupported challenge kind")

	// ErrCaptchaTimedOut is recoverable: the whole retrieval may be retried.
	ErrCaptchaTimedOut = errors.New("captcha not ready after all poll attempts")
	ErrCaptchaFailed   = errors.New("captcha task failed")

	ErrInvalidReceiptKey = errors.New("invalid receipt key")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// =============================================================================
// Transport Errors
// =============================================================================

// TransportError is a network or TLS failure talking to the portal or a provider.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CaptchaProviderError is an error reported by the provider API itself (errorId != 0).
type CaptchaProviderError struct {
	Provider    string
	Code        string
	Description string
}

func (e *CaptchaProviderError) Error() string {
	return fmt.Sprintf("%s error: %s - %s", e.Provider, e.Code, e.Description)
}

func (e *CaptchaProviderError) Is(target error) bool {
	return target == ErrCaptchaFailed
}

// =============================================================================
// Fatal Errors
// =============================================================================

// FatalError represents an error that should stop every pending retrieval.
// These are identity, configuration and billing issues where retrying won't help.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsFatalError reports whether err should stop the run.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	return errors.Is(err, ErrExpiredCertificate) ||
		errors.Is(err, ErrInvalidIdentityBundle) ||
		errors.Is(err, ErrUnknownCaptchaProvider) ||
		errors.Is(err, ErrUnsupportedChallengeKind) ||
		errors.Is(err, ErrInvalidConfig)
}

// =============================================================================
// Retryable Errors
// =============================================================================

// retryableErrorPatterns contains error message substrings that indicate retryable errors.
var retryableErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"TLS handshake timeout",
	"EOF",
	"malformed HTTP response",
	"use of closed network connection",
}

// IsRetryableError checks if the whole retrieval is worth running again.
func IsRetryableError(err error) bool {
	if err == nil || IsFatalError(err) {
		return false
	}

	if errors.Is(err, ErrCaptchaTimedOut) {
		return true
	}

	var te *TransportError
	if errors.As(err, &te) {
		return true
	}

	if isNetworkTimeout(err) {
		return true
	}

	return containsRetryablePattern(err.Error())
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
