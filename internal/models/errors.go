package models

import (
	"fmt"
	"strings"
)

// ErrorClass buckets a raw SDK error so callers downstream of HandleError
// (the Worker's synthetic LogEvent/OutputEvent path in internal/runner/eino)
// can decide whether a failed turn is worth retrying without re-parsing the
// error string a second time.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassAuth
	ClassRateLimit
	ClassContextLength
	ClassNotFound
	ClassConnection
)

// Retryable reports whether a turn that failed with this class of error is
// worth resubmitting unchanged. Rate limits and transport hiccups usually
// clear on their own; bad credentials, an oversized prompt, or an unknown
// model name will fail identically on every retry.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassConnection:
		return true
	default:
		return false
	}
}

// Classify buckets a raw SDK error by message content. It does not wrap err;
// use HandleError for that.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case containsAny(errStr, "401", "403", "unauthorized", "invalid api key", "api key", "forbidden"):
		return ClassAuth
	case containsAny(errStr, "429", "rate limit", "quota", "too many requests"):
		return ClassRateLimit
	case containsAny(errStr, "context length", "too many tokens", "max tokens", "token limit"):
		return ClassContextLength
	case containsAny(errStr, "model not found", "404", "not found"):
		return ClassNotFound
	case containsAny(errStr, "connection", "eof", "timeout", "dial", "refused"):
		return ClassConnection
	default:
		return ClassUnknown
	}
}

// HandleError converts common SDK errors to user-friendly, wrapped errors.
func HandleError(err error) error {
	if err == nil {
		return nil
	}

	switch Classify(err) {
	case ClassAuth:
		return fmt.Errorf("authentication failed: %w", err)
	case ClassRateLimit:
		return fmt.Errorf("rate limited: %w", err)
	case ClassContextLength:
		return fmt.Errorf("context too long: %w", err)
	case ClassNotFound:
		return fmt.Errorf("model not found: %w", err)
	case ClassConnection:
		return fmt.Errorf("connection error: %w", err)
	default:
		return err
	}
}

// ErrModelUnavailable indicates the model backend returned a non-JSON or error response.
type ErrModelUnavailable struct {
	Provider string
	Body     string // raw response body (truncated)
	Cause    error  // original error if any
}

func (e *ErrModelUnavailable) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("model %s unavailable: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("model %s unavailable: %v", e.Provider, e.Cause)
}

func (e *ErrModelUnavailable) Unwrap() error { return e.Cause }

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
