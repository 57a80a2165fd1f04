package main

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

type stubSolver struct {
	name  string
	rec   Recognition
	err   error
	block bool
	panic bool
	calls *[]string
	// advance moves a fake clock while the solver "works".
	advance func()
}

func (s stubSolver) Name() string { return s.name }

func (s stubSolver) Solve(ctx context.Context, image []byte) (Recognition, error) {
	if s.calls != nil {
		*s.calls = append(*s.calls, s.name)
	}
	if s.advance != nil {
		s.advance()
	}
	if s.panic {
		panic("engine crashed")
	}
	if s.block {
		<-ctx.Done()
		return Recognition{}, ctx.Err()
	}
	return s.rec, s.err
}

func newTestChain(clk Clock, solvers ...CaptchaSolver) *CaptchaChain {
	return &CaptchaChain{
		Solvers:            solvers,
		Threshold:          0.6,
		PerStrategyTimeout: time.Second,
		OverallTimeout:     10 * time.Second,
		Clock:              clk,
		Memory:             NewAnswerMemory(8),
	}
}

func TestCaptchaChainAdvancesOnLowConfidence(t *testing.T) {
	var calls []string
	clk := newFakeClock(at(10, 0, 0))
	chain := newTestChain(clk,
		stubSolver{name: "ocr", rec: Recognition{Text: "XY99", Confidence: confidence(0.4)}, calls: &calls},
		stubSolver{name: "api", rec: Recognition{Text: "AB12", Confidence: confidence(0.9)}, calls: &calls},
	)
	chain.Manual = stubSolver{name: "manual", rec: Recognition{Text: "ZZZ"}, calls: &calls}

	res, err := chain.Resolve(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "AB12" || res.Strategy != "api" {
		t.Errorf("resolved %q via %s, want AB12 via api", res.Text, res.Strategy)
	}
	if len(calls) != 2 || calls[0] != "ocr" || calls[1] != "api" {
		t.Errorf("calls = %v, manual must not run", calls)
	}
	if len(res.Attempts) != 2 || res.Attempts[0].Outcome != AttemptLowConfidence {
		t.Errorf("attempts = %+v", res.Attempts)
	}
	if res.Attempts[0].Text != "XY99" || *res.Attempts[0].Confidence != 0.4 {
		t.Errorf("low confidence attempt lost its reading: %+v", res.Attempts[0])
	}
}

func TestCaptchaChainExhausted(t *testing.T) {
	clk := newFakeClock(at(10, 0, 0))
	chain := newTestChain(clk,
		stubSolver{name: "ocr", err: errors.New("tesseract not found")},
		stubSolver{name: "api", rec: Recognition{Text: "?"}},
	)

	res, err := chain.Resolve(context.Background(), []byte("img"))
	if !errors.Is(err, ErrCaptchaExhausted) {
		t.Fatalf("error = %v, want exhausted", err)
	}
	if KindOf(err) != KindCaptchaExhausted {
		t.Errorf("kind = %v", KindOf(err))
	}
	if len(res.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(res.Attempts))
	}
	for _, a := range res.Attempts {
		if a.Outcome != AttemptFailed {
			t.Errorf("%s outcome = %v, want failed", a.Strategy, a.Outcome)
		}
	}
}

func TestCaptchaChainManualFallback(t *testing.T) {
	clk := newFakeClock(at(10, 0, 0))
	chain := newTestChain(clk, stubSolver{name: "ocr", err: errors.New("boom")})
	chain.Manual = stubSolver{name: "manual", rec: Recognition{Text: " k7Pq2 "}}

	res, err := chain.Resolve(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "k7Pq2" || res.Strategy != "manual" {
		t.Errorf("resolved %q via %s", res.Text, res.Strategy)
	}
}

func TestCaptchaChainForceManual(t *testing.T) {
	var calls []string
	clk := newFakeClock(at(10, 0, 0))
	chain := newTestChain(clk, stubSolver{name: "ocr", rec: Recognition{Text: "AB12"}, calls: &calls})
	chain.Manual = stubSolver{name: "manual", rec: Recognition{Text: "QW12"}, calls: &calls}
	chain.ForceManual = true

	res, err := chain.Resolve(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "QW12" || len(calls) != 1 || calls[0] != "manual" {
		t.Errorf("res = %+v, calls = %v", res, calls)
	}
}

func TestCaptchaChainTimeout(t *testing.T) {
	clk := newFakeClock(at(10, 0, 0))
	chain := newTestChain(clk,
		stubSolver{name: "slow", block: true},
		stubSolver{name: "api", rec: Recognition{Text: "AB12"}},
	)
	chain.PerStrategyTimeout = 20 * time.Millisecond

	res, err := chain.Resolve(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts[0].Outcome != AttemptTimedOut {
		t.Errorf("first outcome = %v, want timed out", res.Attempts[0].Outcome)
	}
	if res.Text != "AB12" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestCaptchaChainSolverPanic(t *testing.T) {
	clk := newFakeClock(at(10, 0, 0))
	chain := newTestChain(clk,
		stubSolver{name: "ocr", panic: true},
		stubSolver{name: "api", rec: Recognition{Text: "AB12"}},
	)

	res, err := chain.Resolve(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts[0].Outcome != AttemptFailed || res.Text != "AB12" {
		t.Errorf("res = %+v", res)
	}
}

func TestCaptchaChainOverallBudgetJumpsToManual(t *testing.T) {
	var calls []string
	clk := newFakeClock(at(10, 0, 0))
	chain := newTestChain(clk,
		stubSolver{name: "ocr", err: errors.New("unreadable"), calls: &calls, advance: func() { clk.Advance(11 * time.Second) }},
		stubSolver{name: "api", rec: Recognition{Text: "AB12"}, calls: &calls},
	)
	chain.Manual = stubSolver{name: "manual", rec: Recognition{Text: "MAN1"}, calls: &calls}

	res, err := chain.Resolve(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "MAN1" {
		t.Errorf("text = %q, want manual answer", res.Text)
	}
	if len(calls) != 2 || calls[1] != "manual" {
		t.Errorf("calls = %v, api should be skipped once the budget is spent", calls)
	}
}

func TestCaptchaChainSkipsRejectedAnswer(t *testing.T) {
	clk := newFakeClock(at(10, 0, 0))
	image := []byte("img")
	chain := newTestChain(clk,
		stubSolver{name: "ocr", rec: Recognition{Text: "AB12"}},
		stubSolver{name: "api", rec: Recognition{Text: "AB13"}},
	)
	chain.Memory.Reject(image, "AB12")

	res, err := chain.Resolve(context.Background(), image)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "AB13" {
		t.Errorf("text = %q, the rejected answer was reused", res.Text)
	}

	// The same text for a different image is fine.
	res, err = chain.Resolve(context.Background(), []byte("other"))
	if err != nil || res.Text != "AB12" {
		t.Errorf("res = %+v, err = %v", res, err)
	}
}

func TestCaptchaChainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	clk := newFakeClock(at(10, 0, 0))
	chain := newTestChain(clk, stubSolver{name: "ocr", rec: Recognition{Text: "AB12"}})

	_, err := chain.Resolve(ctx, []byte("img"))
	if KindOf(err) != KindCancelled {
		t.Errorf("error = %v, want Cancelled", err)
	}
}

func TestCaptchaChainOrderProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 200; i++ {
		var calls []string
		n := 1 + rng.Intn(5)
		solvers := make([]CaptchaSolver, n)
		firstSuccess := -1
		for j := 0; j < n; j++ {
			s := stubSolver{name: string(rune('a' + j)), calls: &calls}
			switch rng.Intn(3) {
			case 0:
				s.rec = Recognition{Text: "GOOD1", Confidence: confidence(0.95)}
				if firstSuccess < 0 {
					firstSuccess = j
				}
			case 1:
				s.rec = Recognition{Text: "LOW12", Confidence: confidence(0.1)}
			default:
				s.err = errors.New("failed")
			}
			solvers[j] = s
		}

		chain := newTestChain(newFakeClock(at(10, 0, 0)), solvers...)
		res, err := chain.Resolve(context.Background(), []byte("img"))

		wantCalls := n
		if firstSuccess >= 0 {
			wantCalls = firstSuccess + 1
			if err != nil || res.Strategy != solvers[firstSuccess].Name() {
				t.Fatalf("case %d: res = %+v, err = %v, want success from %d", i, res, err, firstSuccess)
			}
		} else if !errors.Is(err, ErrCaptchaExhausted) {
			t.Fatalf("case %d: err = %v, want exhausted", i, err)
		}
		if len(calls) != wantCalls {
			t.Fatalf("case %d: calls = %v, want %d", i, calls, wantCalls)
		}
		for j, name := range calls {
			if name != solvers[j].Name() {
				t.Fatalf("case %d: call %d went to %s, out of order", i, j, name)
			}
		}
	}
}

func TestNormalizeCaptcha(t *testing.T) {
	tests := []struct {
		in     string
		manual bool
		want   string
	}{
		{"AB 12", false, "AB12"},
		{"a-b.c|9", false, "abc9"},
		{"é4x5y", false, "4x5y"},
		{"  xY z ", true, "xY z"},
	}
	for _, tt := range tests {
		if got := normalizeCaptcha(tt.in, tt.manual); got != tt.want {
			t.Errorf("normalizeCaptcha(%q, %v) = %q, want %q", tt.in, tt.manual, got, tt.want)
		}
	}
}

func TestAnswerMemory(t *testing.T) {
	m := NewAnswerMemory(2)
	m.Reject([]byte("a"), "ONE")
	m.Reject([]byte("b"), "TWO")
	m.Reject([]byte("c"), "THREE")

	if m.WasRejected([]byte("a"), "ONE") {
		t.Error("oldest entry should have been evicted")
	}
	if !m.WasRejected([]byte("c"), "THREE") {
		t.Error("latest entry missing")
	}
	if m.Len() != 2 {
		t.Errorf("len = %d", m.Len())
	}

	var nilMemory *AnswerMemory
	nilMemory.Reject([]byte("a"), "ONE")
	if nilMemory.WasRejected([]byte("a"), "ONE") {
		t.Error("nil memory should remember nothing")
	}
}
