package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type FailureKind string

const (
	KindTransient   FailureKind = "transient"
	KindTimeout     FailureKind = "timeout"
	KindBlocked     FailureKind = "blocked"
	KindRateLimited FailureKind = "rate_limited"
	KindRejected    FailureKind = "rejected"
	KindParseError  FailureKind = "parse_error"
	KindNotFound    FailureKind = "not_found"
	KindInternal    FailureKind = "internal"
	KindInvariant   FailureKind = "invariant"
	KindCanceled    FailureKind = "canceled"
)

// Retryable kinds are retried in-process with backoff.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindTransient, KindTimeout, KindBlocked:
		return true
	}
	return false
}

// Failure is a typed stage error. It is persisted on the listing as LastError.
type Failure struct {
	Kind       FailureKind
	Message    string
	Attempt    int
	At         time.Time
	RetryAfter time.Duration // hint from the remote side, zero if none
	Err        error
}

func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapFailure attaches kind to err, keeping it reachable through errors.Is.
func WrapFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Message: err.Error(), Err: err}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// AsFailure classifies any error. Untyped errors are treated as transient.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		out := *f
		return &out
	}
	switch {
	case errors.Is(err, context.Canceled):
		return WrapFailure(KindCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return WrapFailure(KindTimeout, err)
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDuplicateSourceRef):
		return WrapFailure(KindInvariant, err)
	}
	return WrapFailure(KindTransient, err)
}

func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	return AsFailure(err).Kind
}
