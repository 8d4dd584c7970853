package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors shared across packages.
var (
	// ErrRunActive is returned when another run holds the lease.
	ErrRunActive = errors.New("crawl run already active")
	// ErrRunFinalized is returned when finishing a run that is not running.
	ErrRunFinalized = errors.New("crawl run already finalized")
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrMalformedRecord marks a single upstream entry that could not be mapped.
	ErrMalformedRecord = errors.New("malformed upstream record")
	// ErrUnmappedFuelType marks a descriptor that normalized to FuelUnrecognized.
	ErrUnmappedFuelType = errors.New("unmapped fuel type")
	// ErrQueueClosed is returned by Dequeue once a closed queue is drained.
	ErrQueueClosed = errors.New("queue closed")
)

// UpstreamKind classifies upstream failures for the retry policy.
type UpstreamKind string

// Upstream failure kinds.
const (
	UpstreamTransient   UpstreamKind = "transient"
	UpstreamRateLimited UpstreamKind = "rate_limited"
	UpstreamPermanent   UpstreamKind = "permanent"
)

// UpstreamError describes a failed upstream call.
type UpstreamError struct {
	Kind       UpstreamKind
	Op         string
	StatusCode int
	// RetryAfter is the server hint on 429 responses, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ErrorKind maps the upstream kind onto the run error taxonomy.
func (e *UpstreamError) ErrorKind() ErrorKind {
	switch e.Kind {
	case UpstreamRateLimited:
		return KindRateLimited
	case UpstreamPermanent:
		return KindPermanent
	default:
		return KindTransient
	}
}

// StatusError classifies an HTTP status code. It returns nil for 2xx.
func StatusError(op string, code int, retryAfter time.Duration) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return &UpstreamError{Kind: UpstreamRateLimited, Op: op, StatusCode: code, RetryAfter: retryAfter}
	case code == http.StatusRequestTimeout || code >= 500:
		return &UpstreamError{Kind: UpstreamTransient, Op: op, StatusCode: code}
	default:
		return &UpstreamError{Kind: UpstreamPermanent, Op: op, StatusCode: code}
	}
}

// RunFatalError terminates a run as failed.
type RunFatalError struct {
	Reason string
	Err    error
}

func (e *RunFatalError) Error() string {
	if e.Err == nil {
		return "run fatal: " + e.Reason
	}
	return fmt.Sprintf("run fatal: %s: %v", e.Reason, e.Err)
}

func (e *RunFatalError) Unwrap() error {
	return e.Err
}

// StoreError marks a persistence failure inside a unit of work.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// KindOf derives the run error kind for any error returned by a unit of work.
func KindOf(err error) ErrorKind {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.ErrorKind()
	}
	var fatal *RunFatalError
	if errors.As(err, &fatal) {
		return KindFatal
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return KindStore
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindAborted
	}
	return KindTransient
}
