// Package deskerr defines the error taxonomy shared across the desk: every
// failure surfaced by negotiation, the quote ledger, or settlement carries one
// of five kinds so callers can distinguish retry-later, user-must-act, and
// abort outcomes without string matching.
package deskerr

import (
	"errors"
	"fmt"
)

// Kind classifies a desk error.
type Kind string

const (
	// KindValidation flags malformed or out-of-bounds input. No partial state.
	KindValidation Kind = "validation"
	// KindNotFound flags a missing consignment, quote, or offer.
	KindNotFound Kind = "not_found"
	// KindIntegrity flags a quote signature mismatch. Fatal to the flow.
	KindIntegrity Kind = "integrity"
	// KindChain flags an external ledger failure with a specific sub-reason.
	KindChain Kind = "chain"
	// KindState flags an operation attempted out of order.
	KindState Kind = "state"
)

// Chain sub-reasons. Only the transient ones are ever retried.
const (
	ChainInsufficientBalance = "insufficient_balance"
	ChainStalePrice          = "stale_price"
	ChainZeroPrice           = "zero_price"
	ChainExpiredBlockhash    = "expired_blockhash"
	ChainRejectedSignature   = "rejected_signature"
	ChainSimulationFailed    = "simulation_failed"
	ChainRateLimited         = "rate_limited"
	ChainInsufficientInv     = "insufficient_inventory"
	ChainMinUsdNotMet        = "min_usd_not_met"
	ChainPaused              = "paused"
	// ChainUnreachable covers transport failures reaching the sidecar. Not
	// transient: the step surfaces for the caller to re-run.
	ChainUnreachable = "unreachable"
)

// Error is the structured desk error. Reason is stable text suitable for the
// audit trail; SubReason is set for chain errors only.
type Error struct {
	Kind      Kind
	Reason    string
	SubReason string
	Transient bool
	wrapped   error
}

func (e *Error) Error() string {
	if e.SubReason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.SubReason, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is reports kind equality so sentinel comparisons like
// errors.Is(err, deskerr.Validationf("")) are never needed; use KindOf.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && (other.Reason == "" || other.Reason == e.Reason)
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf(format, args...)}
}

// Integrityf builds an integrity error.
func Integrityf(format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Reason: fmt.Sprintf(format, args...)}
}

// Statef builds a state-ordering error naming the unmet precondition.
func Statef(format string, args ...any) *Error {
	return &Error{Kind: KindState, Reason: fmt.Sprintf(format, args...)}
}

// Chainf builds a chain error carrying the given sub-reason.
func Chainf(subReason, format string, args ...any) *Error {
	return &Error{
		Kind:      KindChain,
		Reason:    fmt.Sprintf(format, args...),
		SubReason: subReason,
		Transient: transientSubReason(subReason),
	}
}

// Wrap attaches an underlying cause while keeping the kind and reason.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

func transientSubReason(sub string) bool {
	switch sub {
	case ChainExpiredBlockhash, ChainRateLimited:
		return true
	}
	return false
}

// KindOf extracts the kind from an error chain, or "" when the error is not a
// desk error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsTransient reports whether the error is a chain error worth retrying.
func IsTransient(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == KindChain && de.Transient
	}
	return false
}

// SubReasonOf extracts the chain sub-reason, or "".
func SubReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.SubReason
	}
	return ""
}
