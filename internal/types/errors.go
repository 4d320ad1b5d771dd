package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the failure taxonomy. Kinds classify recovery behaviour, not
// call sites: transient kinds recover locally via retries, terminal kinds
// propagate to the run, fail-open kinds degrade to a warning.
type ErrorKind string

const (
	// KindValidation marks bad input; terminal for the run, never retried.
	KindValidation ErrorKind = "validation_error"
	// KindSchema marks model output that failed structural validation;
	// retried once with a stricter prompt, then escalated.
	KindSchema ErrorKind = "schema_error"
	// KindTransientRemote marks rate limits, timeouts, and 5xx responses
	// from external services; retried via the retry envelope.
	KindTransientRemote ErrorKind = "transient_remote_error"
	// KindBudgetWarning is a soft signal; execution continues.
	KindBudgetWarning ErrorKind = "budget_warning"
	// KindCancellation marks cooperative cancellation; unwinds cleanly.
	KindCancellation ErrorKind = "cancellation"
	// KindCacheUnavailable marks a cache backing-store failure; fail-open.
	KindCacheUnavailable ErrorKind = "cache_unavailable"
	// KindRateLimitUnavailable marks a limiter backing-store failure; fail-open.
	KindRateLimitUnavailable ErrorKind = "rate_limit_unavailable"
	// KindCoordinatorCrash marks a run interrupted by a coordinator restart.
	KindCoordinatorCrash ErrorKind = "coordinator_crash"
	// KindDeadlineExceeded marks a run-level deadline expiry.
	KindDeadlineExceeded ErrorKind = "deadline_exceeded"
	// KindNotFound marks lookups of unknown runs or artifacts.
	KindNotFound ErrorKind = "not_found"
	// KindConflict marks operations invalid for the run's current state,
	// e.g. a review signal for a run that is not paused.
	KindConflict ErrorKind = "conflict"
	// KindInternal marks unexpected internal failures.
	KindInternal ErrorKind = "internal_error"
)

// Error is the concrete error type carrying a kind through wrap chains.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a new kinded error.
func E(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef builds a new kinded error with a formatted message.
func Ef(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kind and message to an underlying error.
func WrapErr(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf classifies an error. Unwrapped context errors map to cancellation
// and transient kinds so retry policies treat them correctly; unknown errors
// classify as internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancellation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientRemote
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Terminal reports whether the kind must not be retried.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindValidation, KindCancellation, KindDeadlineExceeded,
		KindNotFound, KindConflict:
		return true
	}
	return false
}
