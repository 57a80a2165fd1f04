package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
)

// Recognition is a solver's answer. Confidence is nil when the back-end does
// not report one.
type Recognition struct {
	Text       string
	Confidence *float64
}

func confidence(v float64) *float64 {
	return &v
}

// CaptchaSolver is one strategy of the chain.
type CaptchaSolver interface {
	Name() string
	Solve(ctx context.Context, image []byte) (Recognition, error)
}

type AttemptOutcome int

const (
	AttemptSuccess AttemptOutcome = iota
	AttemptLowConfidence
	AttemptFailed
	AttemptTimedOut
)

func (o AttemptOutcome) String() string {
	switch o {
	case AttemptSuccess:
		return "success"
	case AttemptLowConfidence:
		return "low_confidence"
	case AttemptTimedOut:
		return "timed_out"
	}
	return "failed"
}

type CaptchaAttempt struct {
	Strategy   string
	Text       string
	Confidence *float64
	Elapsed    time.Duration
	Outcome    AttemptOutcome
	Err        error
}

type CaptchaResult struct {
	Text     string
	Strategy string
	Attempts []CaptchaAttempt
}

// Captcha answers on the booking site are short and alphanumeric.
const (
	minCaptchaLen = 3
	maxCaptchaLen = 8
)

var strategyNames = map[string]struct{}{
	"ocr":    {},
	"api":    {},
	"vision": {},
}

// CaptchaChain tries its solvers in order and returns the first acceptable
// answer. Manual, when set, is always the last resort and is never
// time-boxed.
type CaptchaChain struct {
	Solvers            []CaptchaSolver
	Manual             CaptchaSolver
	ForceManual        bool
	Threshold          float64
	PerStrategyTimeout time.Duration
	OverallTimeout     time.Duration

	Clock   Clock
	Memory  *AnswerMemory
	Logger  *zap.Logger
	Metrics *Metrics
}

// NewCaptchaChain builds the chain described by cfg. Strategies whose
// endpoint or credentials are missing are left out.
func NewCaptchaChain(ctx context.Context, cfg CaptchaConfig, screenshotDir string, clk Clock, logger *zap.Logger, metrics *Metrics) (*CaptchaChain, error) {
	chain := &CaptchaChain{
		ForceManual:        cfg.Manual,
		Threshold:          cfg.ConfidenceThreshold,
		PerStrategyTimeout: seconds(cfg.PerStrategyTimeoutSeconds),
		OverallTimeout:     seconds(cfg.OverallTimeoutSeconds),
		Clock:              clk,
		Memory:             NewAnswerMemory(64),
		Logger:             logger,
		Metrics:            metrics,
	}

	for _, name := range cfg.Strategies {
		switch name {
		case "ocr":
			chain.Solvers = append(chain.Solvers, NewOCRSolver(cfg.TesseractPath))
		case "api":
			if cfg.APIURL == "" {
				continue
			}
			chain.Solvers = append(chain.Solvers, NewAPISolver(cfg.APIURL, nil))
		case "vision":
			if cfg.GeminiAPIKey == "" && cfg.GCloudCredentials == "" {
				continue
			}
			solver, err := NewVisionSolver(ctx, cfg.GeminiModel, cfg.GeminiAPIKey, cfg.GCloudCredentials)
			if err != nil {
				return nil, configError("vision-credentials", "vision solver: %w", err)
			}
			chain.Solvers = append(chain.Solvers, solver)
		default:
			return nil, configError("invalid-field", "unknown captcha strategy %q", name)
		}
	}

	if cfg.Manual || cfg.ManualFallback {
		chain.Manual = NewManualSolver(screenshotDir)
	}
	return chain, nil
}

func (c *CaptchaChain) clock() Clock {
	if c.Clock == nil {
		return NewTimeSync(nil, nil)
	}
	return c.Clock
}

func (c *CaptchaChain) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Resolve runs the chain over one captcha image. When every strategy fails
// the error matches ErrCaptchaExhausted.
func (c *CaptchaChain) Resolve(ctx context.Context, image []byte) (CaptchaResult, error) {
	var result CaptchaResult
	clk := c.clock()
	start := clk.Now()

	if !c.ForceManual {
		for _, solver := range c.Solvers {
			if err := cancelled(ctx); err != nil {
				return result, err
			}

			timeout := c.PerStrategyTimeout
			if c.OverallTimeout > 0 {
				remaining := c.OverallTimeout - clk.Now().Sub(start)
				if remaining <= 0 {
					c.logger().Warn("captcha budget spent", zap.Duration("budget", c.OverallTimeout))
					break
				}
				if timeout <= 0 || remaining < timeout {
					timeout = remaining
				}
			}

			attempt := c.try(ctx, solver, image, timeout, false)
			result.Attempts = append(result.Attempts, attempt)
			if attempt.Outcome == AttemptSuccess {
				result.Text = attempt.Text
				result.Strategy = attempt.Strategy
				return result, nil
			}
		}
	}

	if c.Manual != nil {
		if err := cancelled(ctx); err != nil {
			return result, err
		}
		attempt := c.try(ctx, c.Manual, image, 0, true)
		result.Attempts = append(result.Attempts, attempt)
		if attempt.Outcome == AttemptSuccess {
			result.Text = attempt.Text
			result.Strategy = attempt.Strategy
			return result, nil
		}
	}

	if err := cancelled(ctx); err != nil {
		return result, err
	}
	return result, newError(KindCaptchaExhausted, "exhausted",
		fmt.Errorf("%d captcha attempts failed", len(result.Attempts)))
}

type solveAnswer struct {
	rec Recognition
	err error
}

func (c *CaptchaChain) try(ctx context.Context, solver CaptchaSolver, image []byte, timeout time.Duration, manual bool) CaptchaAttempt {
	clk := c.clock()
	started := clk.Now()

	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan solveAnswer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- solveAnswer{err: fmt.Errorf("solver panicked: %v", r)}
			}
		}()
		rec, err := solver.Solve(attemptCtx, image)
		done <- solveAnswer{rec: rec, err: err}
	}()

	var answer solveAnswer
	timedOut := false
	select {
	case answer = <-done:
	case <-attemptCtx.Done():
		timedOut = ctx.Err() == nil
		answer.err = attemptCtx.Err()
	}

	attempt := CaptchaAttempt{
		Strategy:   solver.Name(),
		Confidence: answer.rec.Confidence,
		Elapsed:    clk.Now().Sub(started),
	}

	switch {
	case timedOut:
		attempt.Outcome = AttemptTimedOut
		attempt.Err = transientError("captcha-timeout", fmt.Errorf("%s exceeded %v", solver.Name(), timeout))
	case answer.err != nil:
		attempt.Outcome = AttemptFailed
		attempt.Err = classify(answer.err, "captcha-solver")
	default:
		attempt.Text = normalizeCaptcha(answer.rec.Text, manual)
		switch {
		case !manual && !plausibleCaptcha(attempt.Text):
			attempt.Outcome = AttemptFailed
			attempt.Err = fmt.Errorf("implausible answer %q", answer.rec.Text)
		case manual && attempt.Text == "":
			attempt.Outcome = AttemptFailed
			attempt.Err = fmt.Errorf("empty answer")
		case !manual && attempt.Confidence != nil && *attempt.Confidence < c.Threshold:
			attempt.Outcome = AttemptLowConfidence
		case c.Memory.WasRejected(image, attempt.Text):
			attempt.Outcome = AttemptFailed
			attempt.Err = fmt.Errorf("answer %q was already rejected", attempt.Text)
		default:
			attempt.Outcome = AttemptSuccess
		}
	}

	fields := []zap.Field{
		zap.String("strategy", attempt.Strategy),
		zap.String("outcome", attempt.Outcome.String()),
		zap.Duration("elapsed", attempt.Elapsed),
		zap.String("text", attempt.Text),
	}
	if attempt.Confidence != nil {
		fields = append(fields, zap.Float64("confidence", *attempt.Confidence))
	}
	if attempt.Err != nil {
		fields = append(fields, zap.Error(attempt.Err))
	}
	c.logger().Info("captcha attempt", fields...)
	c.Metrics.ObserveCaptcha(attempt.Strategy, attempt.Outcome.String(), attempt.Elapsed)

	return attempt
}

// normalizeCaptcha keeps letters and digits. Manual answers are only trimmed.
func normalizeCaptcha(text string, manual bool) string {
	if manual {
		return strings.TrimSpace(text)
	}
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, text)
}

func plausibleCaptcha(text string) bool {
	return len(text) >= minCaptchaLen && len(text) <= maxCaptchaLen
}

// Rejected records that the site refused text for image.
func (c *CaptchaChain) Rejected(image []byte, text string) {
	c.Memory.Reject(image, text)
}

// Close releases solvers that hold connections.
func (c *CaptchaChain) Close() {
	for _, solver := range c.Solvers {
		if closer, ok := solver.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.logger().Debug("close solver", zap.String("strategy", solver.Name()), zap.Error(err))
			}
		}
	}
}
