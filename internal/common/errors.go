// Package common provides shared errors, logging setup, and retry helpers.
package common

import (
	"context"
	"errors"
)

// Store errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateEntry    = errors.New("duplicate entry")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("changed concurrently")
)

// Engine errors.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRunInProgress = errors.New("run already in progress")
)

// Configuration errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// RetryableError wraps an error with an explicit retry decision.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, Retryable: false}
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateEntry) ||
		errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidTransition) {
		return false
	}
	return true
}
