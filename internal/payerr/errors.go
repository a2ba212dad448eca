package payerr

import (
	"errors"
	"fmt"
)

// Kind buckets every error the core can surface. The orchestrator and
// the dispatcher pick the next state from the kind, never from string
// matching.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindRouting    Kind = "ROUTING"
	KindConfig     Kind = "CONFIG"
	KindTransient  Kind = "TRANSIENT"
	KindTerminal   Kind = "TERMINAL"
	KindPartial    Kind = "PARTIAL_FAILURE"
	KindFraud      Kind = "FRAUD"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on code so sentinel comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New builds a typed error with an optional cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a copy of the sentinel.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: sentinel.Message, Cause: cause}
}

// Wrapf attaches a cause and a formatted message.
func Wrapf(sentinel *Error, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation errors.
var (
	ErrMissingField           = New(KindValidation, "MISSING_FIELD", "required field is missing")
	ErrInvalidCurrency        = New(KindValidation, "INVALID_CURRENCY", "currency is not a valid ISO-4217 code")
	ErrUnsupportedMessageType = New(KindValidation, "UNSUPPORTED_MESSAGE_TYPE", "clearing system publishes no endpoint for message type")
	ErrExpressionEval         = New(KindValidation, "EXPRESSION_EVAL_ERROR", "expression evaluation failed")
	ErrMissingRequiredField   = New(KindValidation, "MISSING_REQUIRED_FIELD", "mapping source field is missing")
	ErrTypeCoercion           = New(KindValidation, "TYPE_COERCION_ERROR", "value cannot be coerced to declared type")
)

// Routing and configuration errors.
var (
	ErrNoRouteFound    = New(KindRouting, "NO_ROUTE_FOUND", "no clearing mapping matches and accounts are not same-bank")
	ErrNoConfigFound   = New(KindConfig, "NO_CONFIG_FOUND", "no active configuration at any level")
	ErrAmbiguousConfig = New(KindConfig, "AMBIGUOUS_CONFIG", "two active configurations tie on level, key and priority")
)

// Transient downstream errors (retryable).
var (
	ErrTimeout      = New(KindTransient, "TIMEOUT", "downstream call exceeded its deadline")
	ErrCircuitOpen  = New(KindTransient, "CIRCUIT_OPEN", "circuit breaker is open")
	ErrBulkheadFull = New(KindTransient, "BULKHEAD_FULL", "no bulkhead slot became available")
	ErrNetwork      = New(KindTransient, "NETWORK_ERROR", "network failure reaching downstream")
)

// Terminal downstream errors (not retryable).
var (
	ErrRejected          = New(KindTerminal, "REJECTED", "downstream rejected the request")
	ErrInsufficientFunds = New(KindTerminal, "INSUFFICIENT_FUNDS", "account balance below requested amount")
	ErrAccountClosed     = New(KindTerminal, "ACCOUNT_CLOSED", "account is closed")
)

// Business partial-failure errors. These always materialize a repair.
var (
	ErrDebitOkCreditFailed   = New(KindPartial, "DEBIT_OK_CREDIT_FAILED", "debit leg succeeded, credit leg failed")
	ErrDebitOkDispatchFailed = New(KindPartial, "DEBIT_OK_DISPATCH_FAILED", "debit leg succeeded, clearing dispatch failed")
	ErrAckTimeout            = New(KindPartial, "ACK_TIMEOUT", "clearing acknowledgement not received in window")
	ErrDebitCreditMismatch   = New(KindPartial, "DEBIT_CREDIT_MISMATCH", "compensating leg failed, books inconsistent")
)

// Fraud errors.
var (
	ErrFraudRejected     = New(KindFraud, "FRAUD_REJECTED", "fraud capability rejected the payment")
	ErrFraudManualReview = New(KindFraud, "FRAUD_MANUAL_REVIEW", "fraud capability requires manual review")
	ErrFraudUnavailable  = New(KindFraud, "FRAUD_UNAVAILABLE", "fraud capability unavailable, failing closed")
)

// Rejected builds a terminal rejection carrying the downstream reason code.
func Rejected(reasonCode string) *Error {
	return &Error{Kind: KindTerminal, Code: "REJECTED", Message: reasonCode}
}

// KindOf extracts the kind from any error chain; unknown errors are
// treated as transient so they stay inside the dispatcher's retry loop
// rather than silently becoming terminal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// CodeOf extracts the error code, or "UNKNOWN" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "UNKNOWN"
}

// IsRetryable reports whether the dispatcher may attempt the call again.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsTerminal reports whether the error is a definitive downstream verdict.
func IsTerminal(err error) bool {
	return KindOf(err) == KindTerminal
}
