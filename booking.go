package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type BookingState int

const (
	StateIdle BookingState = iota
	StateLoggingIn
	StateSearchingTrain
	StateAwaitingBookNowWindow
	StateBookingNowRetry
	StateFillingPassengerForm
	StateResolvingReviewCaptcha
	StateHandingOffPayment
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:                   "Idle",
	StateLoggingIn:              "LoggingIn",
	StateSearchingTrain:         "SearchingTrain",
	StateAwaitingBookNowWindow:  "AwaitingBookNowWindow",
	StateBookingNowRetry:        "BookingNowRetry",
	StateFillingPassengerForm:   "FillingPassengerForm",
	StateResolvingReviewCaptcha: "ResolvingReviewCaptcha",
	StateHandingOffPayment:      "HandingOffPayment",
	StateDone:                   "Done",
	StateFailed:                 "Failed",
}

func (s BookingState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("BookingState(%d)", int(s))
}

func (s BookingState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

type Transition struct {
	From BookingState
	To   BookingState
	At   time.Time
}

// BookingSession is the record of one run. Only the Booker writes to it.
type BookingSession struct {
	ID       string
	State    BookingState
	Attempts map[BookingState]int
	Entered  map[BookingState]time.Time
	History  []Transition

	Captcha    []CaptchaAttempt
	Allocation Allocation
	Handoff    PaymentHandoff
	// Notice is set on Done; the payment outcome is not observed.
	Notice error
	Err    error
}

// FailureReason is the reason tag of the terminal error, if any.
func (s *BookingSession) FailureReason() string {
	var be *BookingError
	if errors.As(s.Err, &be) {
		return be.Kind.String() + "(" + be.Reason + ")"
	}
	if s.Err != nil {
		return s.Err.Error()
	}
	return ""
}

type captchaResolver interface {
	Resolve(ctx context.Context, image []byte) (CaptchaResult, error)
	Rejected(image []byte, text string)
}

// Booker drives one booking from login to payment handoff.
type Booker struct {
	Config  *Config
	Policy  TimingPolicy
	Driver  BrowserDriver
	Captcha captchaResolver
	Clock   Clock
	Logger  *zap.Logger
	Metrics *Metrics
	Out     io.Writer

	// log carries the id of the run in progress.
	log *zap.Logger
}

// clockResyncer is implemented by clocks corrected against remote servers.
type clockResyncer interface {
	IsSynced() bool
	ShouldResync() bool
	Sync(ctx context.Context) error
	GetOffset() time.Duration
}

var _ clockResyncer = (*TimeSync)(nil)

type stepFunc func(ctx context.Context, s *BookingSession) (BookingState, error)

// Run executes the state machine until Done or Failed and returns the session.
func (b *Booker) Run(ctx context.Context) *BookingSession {
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if b.Out == nil {
		b.Out = os.Stdout
	}

	s := &BookingSession{
		ID:       uuid.NewString(),
		State:    StateIdle,
		Attempts: map[BookingState]int{},
		Entered:  map[BookingState]time.Time{StateIdle: b.Clock.Now()},
	}
	b.log = logger.With(zap.String("run", s.ID))
	b.Metrics.IncState(StateIdle)

	steps := map[BookingState]stepFunc{
		StateIdle:                   b.idle,
		StateLoggingIn:              b.login,
		StateSearchingTrain:         b.search,
		StateAwaitingBookNowWindow:  b.awaitBookNow,
		StateBookingNowRetry:        b.bookNow,
		StateFillingPassengerForm:   b.fillPassengers,
		StateResolvingReviewCaptcha: b.reviewCaptcha,
		StateHandingOffPayment:      b.handoffPayment,
	}

	for !s.State.Terminal() {
		next, err := steps[s.State](ctx, s)
		if err != nil {
			s.Err = err
			next = StateFailed
		}
		b.enter(s, next)
	}

	b.Metrics.IncRun(s.State, s.FailureReason())
	return s
}

func (b *Booker) enter(s *BookingSession, next BookingState) {
	now := b.Clock.Now()
	s.History = append(s.History, Transition{From: s.State, To: next, At: now})
	prev := s.State
	s.State = next
	s.Entered[next] = now
	b.Metrics.IncState(next)

	fields := []zap.Field{zap.Stringer("from", prev), zap.Stringer("to", next)}
	if next == StateFailed {
		fields = append(fields, zap.Error(s.Err))
		b.log.Error("state transition", fields...)
	} else {
		b.log.Info("state transition", fields...)
	}

	if snap, ok := b.Driver.(Snapshotter); ok && (next.Terminal() || b.Config.DebugMode) {
		snap.Snapshot(fmt.Sprintf("%02d_%s", len(s.History), next))
	}
}

func (b *Booker) idle(ctx context.Context, s *BookingSession) (BookingState, error) {
	fmt.Fprintln(b.Out, T("step_open_site"))
	if err := b.Driver.Navigate(ctx); err != nil {
		return StateFailed, classify(err, "navigate")
	}

	if !b.Policy.LoginAt.IsZero() {
		fmt.Fprintf(b.Out, T("waiting_for_login_time")+"\n", b.Policy.LoginAt.Format(time.TimeOnly))
	}
	gate := TimeGate{Clock: b.Clock}
	if r, ok := b.Driver.(Refresher); ok {
		gate.OnPoll = func(ctx context.Context) {
			if err := r.Refresh(ctx); err != nil {
				b.log.Warn("refresh while waiting for login failed", zap.Error(err))
			}
		}
	}
	if _, err := gate.WaitUntil(ctx, b.Policy.LoginAt, b.Policy.LoginRefresh); err != nil {
		return StateFailed, err
	}
	return StateLoggingIn, nil
}

func (b *Booker) login(ctx context.Context, s *BookingSession) (BookingState, error) {
	fmt.Fprintln(b.Out, T("step_login"))
	s.Attempts[StateLoggingIn]++

	solve := func(ctx context.Context, image []byte) (string, error) {
		res, err := b.Captcha.Resolve(ctx, image)
		if err != nil {
			return "", err
		}
		return res.Text, nil
	}
	if err := b.Driver.Login(ctx, b.Config.Credentials, solve, b.Captcha.Rejected); err != nil {
		return StateFailed, classify(err, "login")
	}
	fmt.Fprintln(b.Out, T("login_success"))
	return StateSearchingTrain, nil
}

func (b *Booker) search(ctx context.Context, s *BookingSession) (BookingState, error) {
	bc := b.Config.Booking
	fmt.Fprintf(b.Out, T("step_search")+"\n", bc.TrainNumber, bc.CoachClass, bc.Quota)

	sel := TrainSelection{
		TrainNumber:     bc.TrainNumber,
		Class:           bc.CoachClass,
		Quota:           bc.Quota,
		TravelDate:      bc.TravelDate,
		From:            bc.SourceStation,
		To:              bc.DestinationStation,
		BoardingStation: bc.BoardingStation,
	}
	if err := b.Driver.SelectTrainClassQuota(ctx, sel); err != nil {
		var be *BookingError
		if errors.As(err, &be) {
			return StateFailed, err
		}
		return StateFailed, permanentError("train-selection", err)
	}
	return StateAwaitingBookNowWindow, nil
}

func (b *Booker) awaitBookNow(ctx context.Context, s *BookingSession) (BookingState, error) {
	b.resyncClock(ctx)
	if !b.Policy.BookNowAt.IsZero() {
		fmt.Fprintf(b.Out, T("waiting_for_book_now")+"\n", b.Policy.BookNowAt.Format(time.TimeOnly))
	}
	if _, err := (TimeGate{Clock: b.Clock}).WaitUntil(ctx, b.Policy.BookNowAt, b.Policy.GatePoll); err != nil {
		return StateFailed, err
	}
	return StateBookingNowRetry, nil
}

// resyncClock refreshes a stale clock correction before the Book Now gate.
// The login gate may have kept the run waiting for hours. A clock that was
// never synced is left alone.
func (b *Booker) resyncClock(ctx context.Context) {
	rs, ok := b.Clock.(clockResyncer)
	if !ok || !rs.IsSynced() || !rs.ShouldResync() {
		return
	}
	if err := rs.Sync(ctx); err != nil {
		b.log.Warn("clock resync failed, keeping previous offset", zap.Error(err))
		return
	}
	b.Metrics.SetClockOffset(rs.GetOffset())
	b.log.Info("clock resynced", zap.Duration("offset", rs.GetOffset()))
}

func (b *Booker) bookNow(ctx context.Context, s *BookingSession) (BookingState, error) {
	fmt.Fprintln(b.Out, T("step_book_now"))

	ctx = withAttemptHook(ctx, func(n int, at time.Time, outcome Outcome) {
		s.Attempts[StateBookingNowRetry] = n
		b.Metrics.IncBookNow(outcome)
		b.log.Info("book now attempt",
			zap.Int("attempt", n),
			zap.Time("at", at),
			zap.Stringer("outcome", outcome))
	})

	policy := RetryPolicy{
		NotBefore:    b.Policy.BookNowAt,
		Interval:     b.Policy.BookNowRetry,
		MaxDuration:  b.Policy.BookNowBudget,
		PollInterval: b.Policy.GatePoll,
	}
	report, err := Retry(ctx, b.Clock, policy, b.Driver.ClickBookNow, ClassifyBookNow)
	if err != nil {
		return StateFailed, err
	}

	switch report.Result {
	case RetrySucceeded:
		fmt.Fprintf(b.Out, T("book_now_success")+"\n", report.Attempts)
		return StateFillingPassengerForm, nil
	case RetryPermanentlyFailed:
		return StateFailed, permanentError("book-now-rejected", bookNowCause(report.Last))
	default:
		return StateFailed, permanentError("book-now-deadline",
			fmt.Errorf("window did not open after %d attempts: %w", report.Attempts, bookNowCause(report.Last)))
	}
}

func bookNowCause(o BookNowOutcome) error {
	switch {
	case o.DialogText != "":
		return errors.New(o.DialogText)
	case o.Err != nil:
		return o.Err
	}
	return errors.New("no response")
}

func (b *Booker) fillPassengers(ctx context.Context, s *BookingSession) (BookingState, error) {
	bc := b.Config.Booking
	fmt.Fprintf(b.Out, T("step_passengers")+"\n", len(bc.Passengers))

	opts := PassengerOptions{
		AutoUpgrade:         bc.AutoUpgrade,
		BookOnlyIfConfirmed: bc.BookOnlyIfConfirmed,
		PaymentMethod:       bc.PaymentMethod,
		UseMasterList:       bc.UseMasterPassengerList,
	}
	alloc, err := b.Driver.SubmitPassengers(ctx, bc.Passengers, opts)
	if err != nil {
		var be *BookingError
		if errors.As(err, &be) {
			return StateFailed, err
		}
		return StateFailed, permanentError("passenger-form", err)
	}
	s.Allocation = alloc
	b.log.Info("allocation offered",
		zap.Stringer("status", alloc.Status),
		zap.String("class", string(alloc.Class)),
		zap.String("text", alloc.Text))

	if alloc.Class != "" && alloc.Class != bc.CoachClass {
		if !bc.AutoUpgrade || !alloc.Class.HigherThan(bc.CoachClass) {
			return StateFailed, permanentError("class-mismatch",
				fmt.Errorf("offered %s instead of %s", alloc.Class, bc.CoachClass))
		}
		fmt.Fprintf(b.Out, T("upgrade_accepted")+"\n", bc.CoachClass, alloc.Class)
	}

	if bc.BookOnlyIfConfirmed && alloc.Status != AllocationConfirmed {
		return StateFailed, permanentError("not-confirmed",
			fmt.Errorf("offered allocation is %s (%s)", alloc.Status, alloc.Text))
	}
	return StateResolvingReviewCaptcha, nil
}

func (b *Booker) reviewCaptcha(ctx context.Context, s *BookingSession) (BookingState, error) {
	rounds := b.Config.Captcha.MaxRounds
	var lastErr error

	for round := 1; round <= rounds; round++ {
		s.Attempts[StateResolvingReviewCaptcha] = round
		fmt.Fprintf(b.Out, T("captcha_round")+"\n", round, rounds)

		image, err := b.Driver.CaptureCaptchaImage(ctx)
		if err != nil {
			if lastErr = classify(err, "captcha-capture"); KindOf(lastErr) != KindTransient {
				return StateFailed, lastErr
			}
			b.log.Warn("captcha capture failed", zap.Int("round", round), zap.Error(err))
			continue
		}

		res, err := b.Captcha.Resolve(ctx, image)
		s.Captcha = append(s.Captcha, res.Attempts...)
		if err != nil {
			return StateFailed, err
		}

		verdict, err := b.Driver.SubmitCaptchaText(ctx, res.Text)
		if err != nil {
			if lastErr = classify(err, "captcha-submit"); KindOf(lastErr) != KindTransient {
				return StateFailed, lastErr
			}
			b.log.Warn("captcha submit failed", zap.Int("round", round), zap.Error(err))
			continue
		}
		if verdict == CaptchaAccepted {
			fmt.Fprintf(b.Out, T("captcha_accepted")+"\n", res.Strategy)
			return StateHandingOffPayment, nil
		}

		b.Captcha.Rejected(image, res.Text)
		lastErr = fmt.Errorf("answer %q from %s rejected", res.Text, res.Strategy)
		b.log.Warn("captcha rejected", zap.Int("round", round), zap.String("strategy", res.Strategy))
	}

	return StateFailed, newError(KindCaptchaExhausted, "rounds-exhausted",
		fmt.Errorf("no captcha accepted in %d rounds: %w", rounds, lastErr))
}

func (b *Booker) handoffPayment(ctx context.Context, s *BookingSession) (BookingState, error) {
	if b.Config.DryRun {
		fmt.Fprintln(b.Out, T("dry_run_stop"))
		s.Notice = newError(KindPaymentAmbiguity, "dry-run", errors.New("stopped before payment"))
		return StateDone, nil
	}

	fmt.Fprintln(b.Out, T("step_payment"))
	req := PaymentRequest{Method: b.Config.Booking.PaymentMethod, UPIID: b.Config.Booking.UPIID}
	handoff, err := b.Driver.ProceedToPayment(ctx, req)
	if err != nil {
		return StateFailed, classify(err, "payment")
	}
	s.Handoff = handoff
	s.Notice = newError(KindPaymentAmbiguity, "verify-manually",
		fmt.Errorf("control passed to %s; complete and verify the payment yourself", handoffGateway(handoff)))
	return StateDone, nil
}

func handoffGateway(h PaymentHandoff) string {
	if h.Gateway != "" {
		return h.Gateway
	}
	return "the payment gateway"
}
