package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure that can cross a component boundary.
type ErrorKind int

const (
	KindConfiguration ErrorKind = iota
	KindTiming
	KindTransient
	KindPermanent
	KindCaptchaExhausted
	KindPaymentAmbiguity
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindTiming:
		return "TimingError"
	case KindTransient:
		return "TransientInteractionError"
	case KindPermanent:
		return "PermanentBookingFailure"
	case KindCaptchaExhausted:
		return "CaptchaExhaustedError"
	case KindPaymentAmbiguity:
		return "PaymentHandoffAmbiguity"
	case KindCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// BookingError is the only error type the state machine reports. Reason is a
// short machine-friendly tag such as "not-confirmed" or "bad-credentials".
type BookingError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *BookingError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString("(" + e.Reason + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *BookingError) Unwrap() error {
	return e.Err
}

// Is matches another *BookingError by kind and, when the target names one, by reason.
func (e *BookingError) Is(target error) bool {
	t, ok := target.(*BookingError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func newError(kind ErrorKind, reason string, err error) *BookingError {
	return &BookingError{Kind: kind, Reason: reason, Err: err}
}

func configError(reason string, format string, args ...interface{}) *BookingError {
	return newError(KindConfiguration, reason, fmt.Errorf(format, args...))
}

func timingError(reason string, format string, args ...interface{}) *BookingError {
	return newError(KindTiming, reason, fmt.Errorf(format, args...))
}

func transientError(reason string, err error) *BookingError {
	return newError(KindTransient, reason, err)
}

func permanentError(reason string, err error) *BookingError {
	return newError(KindPermanent, reason, err)
}

// ErrCaptchaExhausted is returned by the solver chain when no strategy produced an answer.
var ErrCaptchaExhausted = &BookingError{Kind: KindCaptchaExhausted, Reason: "exhausted"}

// KindOf reports the classification of err. Context errors count as
// cancellation; anything unclassified is treated as transient.
func KindOf(err error) ErrorKind {
	var be *BookingError
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransient
}

// classify wraps a raw driver or network error into a BookingError.
func classify(err error, reason string) error {
	if err == nil {
		return nil
	}
	var be *BookingError
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindCancelled, reason, err)
	}
	return transientError(reason, err)
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return newError(KindCancelled, "context", err)
	}
	return nil
}

// isNetworkError checks if an error looks like a network/timeout hiccup or
// a page that was replaced while a script ran on it.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return containsAny(err.Error(),
		"context deadline exceeded",
		"client.timeout",
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"eof",
		"broken pipe",
		"network is unreachable",
		"no route to host",
		"err_internet_disconnected",
		"net::err_",
		"execution context was destroyed",
		"cannot find context with specified id",
	)
}

// containsAny reports whether s contains any of substrs, ignoring case.
func containsAny(s string, substrs ...string) bool {
	s = strings.ToLower(s)
	for _, substr := range substrs {
		if strings.Contains(s, strings.ToLower(substr)) {
			return true
		}
	}
	return false
}
