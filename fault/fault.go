// Package fault is the error taxonomy shared by the resolver, the ledger
// gateway, the catalog cache and the reconciliation engine.
//
// Callers should branch on Kind and Reason rather than matching error strings.
// Use errors.As to extract *Error for structured handling.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a stable failure category.
type Kind string

const (
	// KindValidation is bad input shape: caller's fault, never retried.
	KindValidation Kind = "Validation"
	// KindPrecondition is permanent given current ledger state.
	KindPrecondition Kind = "PreconditionFailed"
	// KindTransient is an environmental failure that the engine retries.
	KindTransient Kind = "Transient"
	// KindFinality is a reverted or orphaned transition.
	KindFinality Kind = "Finality"
	// KindIntegrity is a post-confirmation invariant violation.
	KindIntegrity Kind = "IntegrityFault"
	// KindDecode is a boundary payload that failed its schema.
	KindDecode Kind = "Decode"
)

// Reason names the specific failure within a Kind.
type Reason string

const (
	ContentTooLarge       Reason = "ContentTooLarge"
	UnsupportedMediaClass Reason = "UnsupportedMediaClass"
	InvalidMetadata       Reason = "InvalidMetadata"
	IdempotencyConflict   Reason = "IdempotencyConflict"

	StoreUnavailable  Reason = "StoreUnavailable"
	LedgerUnavailable Reason = "LedgerUnavailable"
	TimedOut          Reason = "TimedOut"
	Cancelled         Reason = "Cancelled"

	StalePrice          Reason = "StalePrice"
	NotForSale          Reason = "NotForSale"
	InsufficientBalance Reason = "InsufficientBalance"
	NotOwner            Reason = "NotOwner"
	SelfPurchase        Reason = "SelfPurchase"
	ListingNotFound     Reason = "ListingNotFound"

	Reverted Reason = "Reverted"
	Orphaned Reason = "Orphaned"

	OwnerMismatch Reason = "OwnerMismatch"
	DigestChanged Reason = "DigestChanged"

	DecodeError Reason = "DecodeError"
)

// Error is the structured error type.
//
// Abandoned is set when a retryable failure was surfaced only after the
// retry budget ran out.
type Error struct {
	Kind      Kind
	Reason    Reason
	Message   string
	Cause     error
	Abandoned bool
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Reason)
	}
	if e.Abandoned {
		msg = "abandoned: " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New returns a *Error without a cause.
func New(kind Kind, reason Reason, format string, args ...any) error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a *Error carrying cause.
func Wrap(kind Kind, reason Reason, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(reason Reason, format string, args ...any) error {
	return New(KindValidation, reason, format, args...)
}

func Precondition(reason Reason, format string, args ...any) error {
	return New(KindPrecondition, reason, format, args...)
}

func Transient(reason Reason, cause error, format string, args ...any) error {
	return Wrap(KindTransient, reason, cause, format, args...)
}

func Integrity(reason Reason, format string, args ...any) error {
	return New(KindIntegrity, reason, format, args...)
}

func Decode(cause error, format string, args ...any) error {
	return Wrap(KindDecode, DecodeError, cause, format, args...)
}

// Abandon marks err as surfaced after the retry budget was exhausted.
// Non-taxonomy errors become Transient.
func Abandon(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Abandoned = true
		return &cp
	}
	return &Error{Kind: KindTransient, Reason: TimedOut, Message: "retry budget exhausted", Cause: err, Abandoned: true}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Is reports whether err is (or wraps) a *Error with the given Reason.
func Is(err error, reason Reason) bool {
	return ReasonOf(err) == reason
}

// ReasonOf returns the Reason for a structured error, or "" if unknown.
func ReasonOf(err error) Reason {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Reason
}

// KindOf returns the Kind for a structured error, or "" if unknown.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// IsAbandoned reports whether err was surfaced after exhausting retries.
func IsAbandoned(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Abandoned
}

// Retryable reports whether the engine may retry err internally.
func Retryable(err error) bool {
	return IsKind(err, KindTransient) && !IsAbandoned(err) && !Is(err, Cancelled)
}
