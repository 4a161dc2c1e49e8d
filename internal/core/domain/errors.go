package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error so the queue and callers always know how to
// react. Errors never cross a handler boundary unclassified.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindForbidden
	KindInvalidState
	KindRetryable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidState:
		return "invalid_state"
	case KindRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// E wraps err with an explicit kind.
func E(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: err}
}

// Ef wraps a formatted error with an explicit kind.
func Ef(kind Kind, format string, args ...any) error {
	return &classified{kind: kind, err: fmt.Errorf(format, args...)}
}

// Retryable marks err as transient so the queue schedules a delayed retry.
func Retryable(err error) error { return E(KindRetryable, err) }

// Fatal marks err as non-recoverable so the job is dead-lettered.
func Fatal(err error) error { return E(KindFatal, err) }

var (
	ErrForbidden    = errors.New("caller does not own this resource")
	ErrInvalidState = errors.New("operation not valid in current state")
)

// Classify returns the kind of err. Unwrapped sentinel errors map to
// their obvious kinds; network and deadline errors are retryable;
// anything unrecognised is fatal.
func Classify(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	switch {
	case errors.Is(err, ErrRequestNotFound),
		errors.Is(err, ErrImageNotFound),
		errors.Is(err, ErrModelNotFound),
		errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrOrphanNotFound):
		return KindNotFound
	case errors.Is(err, ErrEmptyPrompt), errors.Is(err, ErrPromptTooLong):
		return KindValidation
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, context.DeadlineExceeded):
		return KindRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindRetryable
	}
	return KindFatal
}

// IsNotFound reports whether err means a missing entity, which workers
// treat as a successful no-op (the parent request was deleted).
func IsNotFound(err error) bool { return err != nil && Classify(err) == KindNotFound }
