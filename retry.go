package main

import (
	"context"
	"time"
)

// Outcome is how a single action attempt is judged.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNotOpenYet
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomeNotOpenYet:
		return "RetryableNotOpenYet"
	case OutcomeTransient:
		return "RetryableTransientError"
	case OutcomePermanent:
		return "PermanentFailure"
	}
	return "Unknown"
}

type RetryResult int

const (
	RetrySucceeded RetryResult = iota
	RetryPermanentlyFailed
	RetryDeadlineExceeded
)

func (r RetryResult) String() string {
	switch r {
	case RetrySucceeded:
		return "Succeeded"
	case RetryPermanentlyFailed:
		return "PermanentlyFailed"
	}
	return "DeadlineExceeded"
}

type RetryPolicy struct {
	// NotBefore gates the first and every later attempt. Zero means no gate.
	NotBefore time.Time
	// Interval is the pause between attempts.
	Interval time.Duration
	// MaxDuration is the budget counted from the first attempt.
	MaxDuration time.Duration
	// PollInterval is the gate polling step; defaults to Interval.
	PollInterval time.Duration
}

type RetryReport[R any] struct {
	Result       RetryResult
	Attempts     int
	LastOutcome  Outcome
	Last         R
	AttemptTimes []time.Time
}

// attemptHook, attached to the context with withAttemptHook, sees every
// judged attempt.
type attemptHook func(n int, at time.Time, outcome Outcome)

type attemptHookKey struct{}

func withAttemptHook(ctx context.Context, hook attemptHook) context.Context {
	return context.WithValue(ctx, attemptHookKey{}, hook)
}

// Retry invokes action until judge reports success or a permanent
// failure, or the budget runs out. It never calls action while the clock
// reads earlier than p.NotBefore. The returned error is set only for an
// invalid policy or cancellation.
func Retry[R any](ctx context.Context, clk Clock, p RetryPolicy, action func(context.Context) R, judge func(R) Outcome) (RetryReport[R], error) {
	var report RetryReport[R]

	if p.Interval <= 0 {
		return report, timingError("retry-interval", "retry interval must be positive, got %v", p.Interval)
	}
	if p.MaxDuration <= 0 {
		return report, timingError("retry-budget", "retry budget must be positive, got %v", p.MaxDuration)
	}
	poll := p.PollInterval
	if poll <= 0 {
		poll = p.Interval
	}

	hook, _ := ctx.Value(attemptHookKey{}).(attemptHook)
	gate := TimeGate{Clock: clk}
	var deadline time.Time

	for {
		if _, err := gate.WaitUntil(ctx, p.NotBefore, poll); err != nil {
			return report, err
		}

		now := clk.Now()
		if !p.NotBefore.IsZero() && now.Before(p.NotBefore) {
			// Clock stepped back after the gate opened.
			continue
		}
		if deadline.IsZero() {
			deadline = now.Add(p.MaxDuration)
		} else if !now.Before(deadline) {
			report.Result = RetryDeadlineExceeded
			return report, nil
		}

		result := action(ctx)
		outcome := judge(result)

		report.Attempts++
		report.Last = result
		report.LastOutcome = outcome
		report.AttemptTimes = append(report.AttemptTimes, now)
		if hook != nil {
			hook(report.Attempts, now, outcome)
		}

		switch outcome {
		case OutcomeSuccess:
			report.Result = RetrySucceeded
			return report, nil
		case OutcomePermanent:
			report.Result = RetryPermanentlyFailed
			return report, nil
		}

		if err := cancelled(ctx); err != nil {
			return report, err
		}
		if !clk.Now().Add(p.Interval).Before(deadline) {
			report.Result = RetryDeadlineExceeded
			return report, nil
		}
		if err := clk.Sleep(ctx, p.Interval); err != nil {
			if cerr := cancelled(ctx); cerr != nil {
				return report, cerr
			}
			return report, classify(err, "retry-wait")
		}
	}
}
