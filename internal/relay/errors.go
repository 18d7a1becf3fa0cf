package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// Error codes carried across the queue boundary.
const (
	CodeQueueWaitTimeout = "QUEUE_WAIT_TIMEOUT"
	CodeDailyLimit       = "ZLIB_DAILY_LIMIT"
	CodeLoginFailed      = "ZLIB_LOGIN_FAILED"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeSessionReset     = "BROWSER_SESSION_RESET"
	CodeTimedOut         = "ETIMEDOUT"
	CodeConnRefused      = "ECONNREFUSED"
	CodeConnReset        = "ECONNRESET"
	CodeHostNotFound     = "ENOTFOUND"
)

// Error is the structured failure returned to job submitters.
type Error struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code != "" && other.Code == e.Code
}

// Coder is implemented by errors that know their structured form.
type Coder interface {
	RelayError() *Error
}

// InvalidInput builds a malformed-input error.
func InvalidInput(message string) *Error {
	return &Error{Message: message, Code: CodeInvalidInput}
}

// QueueWaitTimeout builds the error returned when a caller stops waiting on a job.
func QueueWaitTimeout(jobID string, waited time.Duration) *Error {
	return &Error{
		Message: fmt.Sprintf("timed out after %s waiting for job %s", waited, jobID),
		Code:    CodeQueueWaitTimeout,
		Details: map[string]any{"jobId": jobID},
	}
}

// ToError converts any error into its structured form. Unknown errors keep
// their message and carry no code.
func ToError(err error) *Error {
	if err == nil {
		return nil
	}
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}
	var coder Coder
	if errors.As(err, &coder) {
		return coder.RelayError()
	}
	if code := networkCode(err); code != "" {
		return &Error{Message: err.Error(), Code: code}
	}
	return &Error{Message: err.Error()}
}

func networkCode(err error) string {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return CodeHostNotFound
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused
	case errors.Is(err, syscall.ECONNRESET):
		return CodeConnReset
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimedOut
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimedOut
	}
	return ""
}
