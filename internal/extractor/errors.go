// Package extractor classifies detector failures as recoverable or fatal.
// A recoverable failure degrades one signal to zero; a fatal failure aborts
// the job.
package extractor

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// RecoverableError wraps a detector error that should degrade the signal
// instead of failing the job (e.g., 429, 5xx, network timeout).
type RecoverableError struct {
	Err        error
	StatusCode int
}

func (e *RecoverableError) Error() string {
	return e.Err.Error()
}

func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// NewRecoverableError wraps an error as recoverable with an optional HTTP
// status code.
func NewRecoverableError(err error, statusCode int) *RecoverableError {
	return &RecoverableError{Err: err, StatusCode: statusCode}
}

// IsRecoverable returns true if the error (or any error in its chain) is a
// RecoverableError, or if it matches common transient error patterns
// (network timeouts, connection resets, DNS failures).
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	// Check for explicit RecoverableError in chain.
	var re *RecoverableError
	if errors.As(err, &re) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsRecoverableHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that should degrade rather than abort.
func IsRecoverableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
