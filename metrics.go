package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics bundles Prometheus collectors for one booking run.
type Metrics struct {
	Registry        *prometheus.Registry
	StateEntries    *prometheus.CounterVec
	BookNowAttempts *prometheus.CounterVec
	CaptchaAttempts *prometheus.CounterVec
	CaptchaDuration *prometheus.HistogramVec
	ClockOffset     prometheus.Gauge
	RunResult       *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	stateEntries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tatkal_state_entries_total",
			Help: "Booking state machine entries by state.",
		},
		[]string{"state"},
	)
	bookNow := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tatkal_book_now_attempts_total",
			Help: "Book Now clicks by judged outcome.",
		},
		[]string{"outcome"},
	)
	captchaAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tatkal_captcha_attempts_total",
			Help: "Captcha solver attempts by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)
	captchaDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tatkal_captcha_duration_seconds",
			Help:    "Time spent per captcha solver attempt.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"strategy"},
	)
	clockOffset := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tatkal_clock_offset_seconds",
			Help: "Offset applied to the local clock after time sync.",
		},
	)
	runResult := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tatkal_runs_total",
			Help: "Finished runs by terminal state and reason.",
		},
		[]string{"state", "reason"},
	)

	registry.MustRegister(stateEntries, bookNow, captchaAttempts, captchaDuration, clockOffset, runResult)

	return &Metrics{
		Registry:        registry,
		StateEntries:    stateEntries,
		BookNowAttempts: bookNow,
		CaptchaAttempts: captchaAttempts,
		CaptchaDuration: captchaDuration,
		ClockOffset:     clockOffset,
		RunResult:       runResult,
	}
}

func (m *Metrics) IncState(state BookingState) {
	if m == nil {
		return
	}
	m.StateEntries.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) IncBookNow(outcome Outcome) {
	if m == nil {
		return
	}
	m.BookNowAttempts.WithLabelValues(outcome.String()).Inc()
}

// ObserveCaptcha records one solver attempt.
func (m *Metrics) ObserveCaptcha(strategy, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CaptchaAttempts.WithLabelValues(strategy, outcome).Inc()
	m.CaptchaDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) SetClockOffset(d time.Duration) {
	if m == nil {
		return
	}
	m.ClockOffset.Set(d.Seconds())
}

func (m *Metrics) IncRun(state BookingState, reason string) {
	if m == nil {
		return
	}
	m.RunResult.WithLabelValues(state.String(), reason).Inc()
}

// Serve exposes the registry on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) {
	if m == nil || addr == "" {
		return
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
