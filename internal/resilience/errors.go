package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError marks a provider failure that is safe to retry (429, 5xx,
// network timeouts).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// WrapStatus marks err transient when statusCode is a retryable HTTP status
// and returns it unchanged otherwise.
func WrapStatus(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	if IsTransientHTTPStatus(statusCode) {
		return NewTransientError(err, statusCode)
	}
	return err
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
}

// IsTransient reports whether err (or anything in its chain) is a
// TransientError, a network timeout, or a connection-level failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a provider status code is retryable.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Error classes recorded on dead-letter entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// ClassifyError categorizes err as ErrorTransient or ErrorPermanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
