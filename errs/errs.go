// Package errs provides structured error types shared across the trading stack.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an exchange-facing error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded venue rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or signing errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeTimeout indicates a request or read timeout.
	CodeTimeout Code = "timeout"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the venue is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures venue-agnostic failure categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalInsufficientBalance indicates the account lacks funds for the operation.
	CanonicalInsufficientBalance CanonicalCode = "insufficient_balance"
	// CanonicalOrderNotFound indicates that the referenced order does not exist on the venue.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalOrderClosed indicates the order is already in a terminal state.
	CanonicalOrderClosed CanonicalCode = "order_closed"
	// CanonicalInvalidPair indicates an unsupported or malformed trading pair.
	CanonicalInvalidPair CanonicalCode = "invalid_pair"
	// CanonicalMinimumSize indicates the order is below the venue minimum notional.
	CanonicalMinimumSize CanonicalCode = "minimum_order_size"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
)

// E is the structured error envelope produced across the stack.
type E struct {
	Exchange  string
	Code      Code
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given exchange and code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange:  strings.TrimSpace(exchange),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

// WithRaw captures the raw venue error code and message.
func WithRaw(code, msg string) Option {
	return func(e *E) {
		e.RawCode = strings.TrimSpace(code)
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithCanonical sets the canonical failure category.
func WithCanonical(code CanonicalCode) Option {
	return func(e *E) {
		if strings.TrimSpace(string(code)) == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = code
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 6)

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the Code from err when it wraps an *E; empty otherwise.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// CanonicalOf extracts the canonical category from err when it wraps an *E.
func CanonicalOf(err error) CanonicalCode {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Canonical
	}
	return CanonicalUnknown
}

// Retryable reports whether the error belongs to one of the transient
// families that the transport retry wrapper is allowed to replay.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeUnavailable, CodeNetwork, CodeTimeout:
		return true
	default:
		return false
	}
}

// InsufficientBalance reports whether err represents an insufficient-funds rejection.
func InsufficientBalance(err error) bool {
	return CanonicalOf(err) == CanonicalInsufficientBalance
}

// OrderClosed reports whether err indicates the order already reached a terminal state.
func OrderClosed(err error) bool {
	return CanonicalOf(err) == CanonicalOrderClosed
}
