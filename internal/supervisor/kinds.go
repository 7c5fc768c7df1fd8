// Package supervisor is the cross-cutting error-handling facility:
// error kind classification, per-kind retry policy, circuit breakers
// per logical resource, and a durable dead-letter queue. It owns no
// application state beyond its own policy tables and the DLQ handle —
// every other component holds a reference to a shared Supervisor
// rather than re-implementing retry/breaker logic.
package supervisor

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry-policy lookup and propagation
// decisions. Kinds are the single source of truth for error
// categorization across the pipeline (spec'd cross-cutting taxonomy).
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindRateLimit  Kind = "rate_limit"
	KindAuth       Kind = "auth"
	KindPermission Kind = "permission"
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation"
	KindParsing    Kind = "parsing"
	KindExtraction Kind = "extraction"
	KindInternal   Kind = "internal"
)

// Retryable reports whether errors of this kind are eligible for
// automatic retry. auth, permission, not_found, validation, and
// internal are never retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindAuth, KindPermission, KindNotFound, KindValidation, KindInternal:
		return false
	default:
		return true
	}
}

// Fatal reports whether an error of this kind should abort the
// enclosing collector run rather than merely fail the current item.
func (k Kind) Fatal() bool {
	switch k {
	case KindAuth, KindPermission, KindInternal:
		return true
	default:
		return false
	}
}

// Error is a Kind-carrying error wrapper, generalizing a plain
// multi-error aggregate into one that callers can switch on via
// errors.As without inspecting message text.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap builds a kind-carrying Error. If err already carries a Kind via
// errors.As, its kind is preserved and op/message augment the chain
// rather than overriding the original classification.
func Wrap(kind Kind, op, message string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		kind = existing.Kind
	}
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal if err
// does not carry one.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
