package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// TransientError marks a provider failure worth retrying: connection
// refusal, timeout, reset, 5xx, 429, and provider-indicated transient
// failures.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a provider failure that must not be retried: auth,
// hard quota, malformed request or response.
type FatalError struct {
	StatusCode int
	Err        error
}

func (e *FatalError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider fatal error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider fatal error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried. Cancellation is never
// transient. Unknown errors are treated as fatal so a misclassified failure
// surfaces instead of burning retry attempts.
func IsTransient(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	return isNetworkTransient(err)
}

// IsCancelled reports whether err stems from context cancellation or a
// deadline. Cancellation surfaces as turn_aborted, never as an error event.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ClassifyStatus wraps err as transient or fatal based on an HTTP status.
func ClassifyStatus(statusCode int, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &TransientError{StatusCode: statusCode, Err: err}
	case statusCode >= 500:
		return &TransientError{StatusCode: statusCode, Err: err}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &FatalError{StatusCode: statusCode, Err: err}
	case statusCode >= 400:
		return &FatalError{StatusCode: statusCode, Err: err}
	default:
		return classifyWire(err)
	}
}

// classifyWire classifies a transport-level error with no HTTP status.
func classifyWire(err error) error {
	if IsCancelled(err) {
		return err
	}
	if isNetworkTransient(err) {
		return &TransientError{Err: err}
	}
	return &FatalError{Err: err}
}

func isNetworkTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	// Some SDKs flatten transport failures into plain error strings.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "timeout", "temporarily unavailable", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
