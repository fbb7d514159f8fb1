package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error taxonomy for the DeepReadX insight pipeline
 *
 * Every failure inside the pipeline terminates as a retry, a silent drop,
 * or a per-region error delivery. The kind decides which.
 */

// ErrorKind enum for structured error handling
type ErrorKind string

const (
	// OCR errors (dropped silently)
	KindOcrLowConfidence ErrorKind = "OCR_LOW_CONFIDENCE"

	// LLM errors (retried by the scheduler)
	KindRateLimited ErrorKind = "RATE_LIMITED"
	KindTransient   ErrorKind = "TRANSIENT"

	// LLM errors (surfaced on the region)
	KindFatal ErrorKind = "FATAL"

	// Region liveness lost before dispatch (dropped silently)
	KindCanceled ErrorKind = "CANCELED"
)

// PipelineError represents a structured pipeline error
type PipelineError struct {
	Kind        ErrorKind
	Message     string
	Fingerprint string
	StatusCode  int
	RetryAfter  time.Duration
	Timestamp   time.Time
	Details     map[string]interface{}
	Cause       error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the scheduler may requeue after this error
func (e *PipelineError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

// WithFingerprint tags the error with the query fingerprint and returns it
func (e *PipelineError) WithFingerprint(fp string) *PipelineError {
	e.Fingerprint = fp
	return e
}

// Factory functions for common errors

func NewRateLimitedError(statusCode int, retryAfter time.Duration, message string) *PipelineError {
	return &PipelineError{
		Kind:       KindRateLimited,
		Message:    message,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"retry_after": retryAfter.String(),
		},
	}
}

func NewTransientError(statusCode int, message string, cause error) *PipelineError {
	return &PipelineError{
		Kind:       KindTransient,
		Message:    message,
		StatusCode: statusCode,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

func NewTimeoutError(timeout time.Duration, cause error) *PipelineError {
	return &PipelineError{
		Kind:      KindTransient,
		Message:   fmt.Sprintf("request timed out after %v", timeout),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": timeout.String(),
		},
		Cause: cause,
	}
}

func NewFatalError(statusCode int, message string, cause error) *PipelineError {
	return &PipelineError{
		Kind:       KindFatal,
		Message:    message,
		StatusCode: statusCode,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

func NewCanceledError(fingerprint string) *PipelineError {
	return &PipelineError{
		Kind:        KindCanceled,
		Message:     "no live region references the query",
		Fingerprint: fingerprint,
		Timestamp:   time.Now(),
	}
}

func NewLowConfidenceError(confidence, threshold float64) *PipelineError {
	return &PipelineError{
		Kind:      KindOcrLowConfidence,
		Message:   fmt.Sprintf("OCR confidence %.2f below threshold %.2f", confidence, threshold),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"confidence": confidence,
			"threshold":  threshold,
		},
	}
}

// KindOf extracts the error kind; errors from outside the pipeline count as Fatal
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Kind
	}
	return KindFatal
}

// IsRetryable reports whether err is a RateLimited or Transient pipeline error
func IsRetryable(err error) bool {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// ToMap converts error to map for structured logs and history rows
func (e *PipelineError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_kind": string(e.Kind),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.Fingerprint != "" {
		result["fingerprint"] = e.Fingerprint
	}
	if e.StatusCode != 0 {
		result["status_code"] = e.StatusCode
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
