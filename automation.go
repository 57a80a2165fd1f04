package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

const (
	loginCaptchaAttempts = 5
	bookNowSettle        = 3 * time.Second
	captchaSettle        = 8 * time.Second
	pagePoll             = 100 * time.Millisecond
)

var errWaitTimeout = errors.New("timed out waiting for page")

var (
	_ BrowserDriver = (*Automation)(nil)
	_ Refresher     = (*Automation)(nil)
	_ Snapshotter   = (*Automation)(nil)
)

// Automation drives the IRCTC site through a real Chrome instance. It
// implements BrowserDriver, Refresher and Snapshotter.
type Automation struct {
	config    *Config
	logger    *zap.Logger
	browser   *rod.Browser
	page      *rod.Page
	launcher  *launcher.Launcher
	rand      *rand.Rand
	stopChan  chan bool
	trainCard int

	// OnClosed is called when the user closes the browser window.
	OnClosed func()
}

func NewAutomation(config *Config, logger *zap.Logger) *Automation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Automation{
		config:    config,
		logger:    logger,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopChan:  make(chan bool, 1),
		trainCard: -1,
	}
}

func (a *Automation) Close() {
	select {
	case a.stopChan <- true:
	default:
	}

	fmt.Println(T("cleaning_up"))

	if a.page != nil {
		a.page.Close()
	}

	if a.browser != nil {
		a.browser.Close()
	}

	if a.launcher != nil {
		a.launcher.Cleanup()
	}

	fmt.Println(T("browser_destroyed"))
}

func (a *Automation) isBrowserAlive() bool {
	if a.browser == nil {
		return false
	}

	_, err := a.browser.Version()
	if err != nil {
		a.debugLog("Browser version check failed: %v", err)
		return false
	}

	if a.page != nil {
		_, err := a.page.Info()
		if err != nil {
			a.debugLog("Page info check failed: %v", err)
			return false
		}
	}

	return true
}

func (a *Automation) watchBrowser() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			if a.isBrowserAlive() {
				continue
			}
			fmt.Println(T("browser_closed_by_user"))
			fmt.Println(T("shutting_down"))
			if a.OnClosed != nil {
				a.OnClosed()
			}
			return
		}
	}
}

// keystrokePause is a short human-looking gap between form fields.
func (a *Automation) keystrokePause() time.Duration {
	return time.Duration(40+a.rand.Intn(80)) * time.Millisecond
}

func (a *Automation) pageTimeout() time.Duration {
	if a.config.PageLoadTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.config.PageLoadTimeout) * time.Second
}

func (a *Automation) debugLog(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a *Automation) setupBrowser() error {
	fmt.Println(T("browser_launching"))

	// Leakless deadlocks on Windows, see go-rod/rod#853.
	useLeakless := runtime.GOOS != "windows"

	chromePath, chromeExists := launcher.LookPath()

	a.launcher = launcher.New().
		Leakless(useLeakless).
		Headless(a.config.Headless)

	// Must be set before Bin().
	if a.config.BrowserProfilePath != "" {
		a.launcher = a.launcher.UserDataDir(a.config.BrowserProfilePath)
		a.debugLog(T("browser_profile_path_set", a.config.BrowserProfilePath))
	}

	if chromeExists {
		a.launcher = a.launcher.Bin(chromePath)
		fmt.Println(T("browser_using_system_chrome"))
		a.debugLog(T("browser_chrome_path_set", chromePath))
	} else {
		fmt.Println(T("browser_chrome_not_found"))
	}

	if runtime.GOOS == "windows" {
		fmt.Println(T("windows_leakless_disabled"))
	}

	url, err := a.launcher.Launch()
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Opening in existing browser session") ||
			strings.Contains(errMsg, "ProcessSingleton") ||
			strings.Contains(errMsg, "SingletonLock") {
			fmt.Println(T("error_chrome_already_running_header"))
			fmt.Println(T("error_chrome_fix_instructions"))
			fmt.Println(T("error_chrome_close_all"))
			if runtime.GOOS == "darwin" {
				fmt.Println(T("error_chrome_mac_activity_monitor"))
				fmt.Println(T("error_chrome_mac_killall"))
			} else if runtime.GOOS == "windows" {
				fmt.Println(T("error_chrome_windows_task_manager"))
				fmt.Println(T("error_chrome_windows_end_processes"))
			}
			fmt.Println(T("error_chrome_try_again"))
			return configError("browser-running", "%s", T("error_chrome_already_running"))
		}

		if strings.Contains(errMsg, "Access is denied") || strings.Contains(errMsg, "permission denied") {
			fmt.Println(T("error_browser_download_permission"))
			fmt.Println(T("error_browser_download_fix"))
			fmt.Println(T("error_browser_download_close_chrome"))
			if runtime.GOOS == "windows" {
				fmt.Println(T("error_browser_download_delete_windows"))
				fmt.Println(T("error_browser_download_exclusion_windows"))
			} else {
				fmt.Println(T("error_browser_download_delete_mac"))
			}
			fmt.Println(T("error_browser_download_try_again"))
			fmt.Println(T("error_browser_download_alternative"))
			fmt.Println(T("error_browser_download_chrome_url"))
			return configError("browser-setup", T("error_browser_setup_failed"), err)
		}

		return configError("browser-setup", "failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if a.config.SlowMoMs > 0 {
		browser = browser.SlowMotion(time.Duration(a.config.SlowMoMs) * time.Millisecond)
	}
	if err := browser.Connect(); err != nil {
		return configError("browser-setup", "failed to connect to browser: %w", err)
	}
	a.browser = browser

	go a.watchBrowser()
	a.debugLog(T("browser_watcher_started"))

	fmt.Println(T("browser_launched"))
	return nil
}

func (a *Automation) ctxPage(ctx context.Context) *rod.Page {
	return a.page.Context(ctx)
}

func (a *Automation) eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	if a.page == nil {
		return nil, transientError("no-page", errors.New("browser page is not open"))
	}
	return a.ctxPage(ctx).Eval(js, args...)
}

func (a *Automation) evalBool(ctx context.Context, js string, args ...interface{}) (bool, error) {
	res, err := a.eval(ctx, js, args...)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (a *Automation) evalProbe(ctx context.Context, js string, args ...interface{}) (pageProbe, error) {
	res, err := a.eval(ctx, js, args...)
	if err != nil {
		return pageProbe{}, err
	}
	return parseProbe(res.Value.Str())
}

func (a *Automation) probe(ctx context.Context) (pageProbe, error) {
	return a.evalProbe(ctx, probeScript)
}

// waitFor polls check until it reports done or timeout passes.
func (a *Automation) waitFor(ctx context.Context, timeout time.Duration, check func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return errWaitTimeout
		}
		if err := sleepContext(ctx, pagePoll); err != nil {
			return err
		}
	}
}

// typeInto replaces the value of the index-th element matching selector.
func (a *Automation) typeInto(ctx context.Context, selector string, index int, text string) error {
	var target *rod.Element
	err := a.waitFor(ctx, a.pageTimeout(), func() (bool, error) {
		els, err := a.ctxPage(ctx).Elements(selector)
		if err != nil {
			return false, err
		}
		if len(els) > index {
			target = els[index]
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("field %s[%d]: %w", selector, index, err)
	}

	if err := target.SelectAllText(); err != nil {
		a.debugLog("select text in %s: %v", selector, err)
	}
	if err := target.Input(text); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return sleepContext(ctx, a.keystrokePause())
}

func (a *Automation) currentURL() string {
	if a.page == nil {
		return ""
	}
	info, err := a.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (a *Automation) openPage() error {
	page, err := stealth.Page(a.browser)
	if err != nil {
		return transientError("browser-page", fmt.Errorf("failed to create stealth page: %w", err))
	}
	a.page = page
	a.debugLog("Stealth mode enabled")

	userAgent := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	if err := a.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		a.debugLog("Warning: Failed to set User-Agent: %v", err)
	}
	return nil
}

// Navigate launches the browser on first use and opens the train search page.
func (a *Automation) Navigate(ctx context.Context) error {
	if a.browser == nil {
		if err := a.setupBrowser(); err != nil {
			return err
		}
	}

	if a.page == nil {
		if err := a.openPage(); err != nil {
			return err
		}
	}

	fmt.Printf(T("loading_homepage")+"\n", irctcHomeURL)
	p := a.ctxPage(ctx).Timeout(a.pageTimeout())
	if err := p.Navigate(irctcHomeURL); err != nil {
		return classify(err, "navigate")
	}
	if err := p.WaitLoad(); err != nil {
		return classify(err, "navigate")
	}

	// The home page greets with an advisory dialog.
	if _, err := a.evalBool(ctx, dismissDialogScript); err != nil {
		a.debugLog("dismiss advisory: %v", err)
	}
	fmt.Println(T("browser_configured"))
	return nil
}

// Refresh reloads the current page to keep the session alive.
func (a *Automation) Refresh(ctx context.Context) error {
	if a.page == nil {
		return nil
	}
	p := a.ctxPage(ctx).Timeout(a.pageTimeout())
	if err := p.Reload(); err != nil {
		return classify(err, "refresh")
	}
	return classify(p.WaitLoad(), "refresh")
}

// Login signs in, solving the login captcha with solve. A rejected login
// captcha is reported to rejected and retried with the next image.
func (a *Automation) Login(ctx context.Context, creds Credentials, solve SolveFunc, rejected RejectFunc) error {
	if ok, err := a.evalBool(ctx, loggedInScript); err == nil && ok {
		a.debugLog("already logged in")
		return nil
	}

	if ok, err := a.evalBool(ctx, openLoginScript); err != nil {
		return classify(err, "login")
	} else if !ok {
		return transientError("login", errors.New("login link not found"))
	}

	var lastErr error
	for attempt := 1; attempt <= loginCaptchaAttempts; attempt++ {
		if err := a.typeInto(ctx, selUserID, 0, creds.Username); err != nil {
			return classify(err, "login-form")
		}
		if err := a.typeInto(ctx, selPassword, 0, creds.Password); err != nil {
			return classify(err, "login-form")
		}

		image, err := a.captchaImage(ctx)
		if err != nil {
			return classify(err, "login-captcha")
		}
		text, err := solve(ctx, image)
		if err != nil {
			return err
		}
		if err := a.typeInto(ctx, selCaptchaInput, 0, text); err != nil {
			return classify(err, "login-form")
		}
		if ok, err := a.evalBool(ctx, clickButtonScript, "app-login", `^SIGN IN$`); err != nil || !ok {
			return transientError("login", fmt.Errorf("sign in button: %v", err))
		}

		lastErr = a.awaitLogin(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, &BookingError{Kind: KindTransient, Reason: "captcha-rejected"}) {
			return lastErr
		}
		if rejected != nil {
			rejected(image, text)
		}
		a.logger.Warn("login captcha rejected", zap.Int("attempt", attempt), zap.String("text", text))
	}
	return lastErr
}

func (a *Automation) awaitLogin(ctx context.Context) error {
	var verdict error
	err := a.waitFor(ctx, a.pageTimeout(), func() (bool, error) {
		if ok, err := a.evalBool(ctx, loggedInScript); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
		probe, err := a.probe(ctx)
		if err != nil {
			return false, err
		}
		if verdict = loginFailure(probe.Dialog); verdict != nil {
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return classify(err, "login")
	}
	return verdict
}

func (a *Automation) captchaImage(ctx context.Context) ([]byte, error) {
	var el *rod.Element
	err := a.waitFor(ctx, a.pageTimeout(), func() (bool, error) {
		has, found, err := a.ctxPage(ctx).Has(selCaptchaImage)
		if err != nil {
			return false, err
		}
		el = found
		return has, nil
	})
	if err != nil {
		return nil, fmt.Errorf("captcha image: %w", err)
	}

	if src, err := el.Attribute("src"); err == nil && src != nil {
		if data, err := decodeDataURI(*src); err == nil {
			return data, nil
		}
	}
	return el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
}

// SelectTrainClassQuota fills the search form, finds the train and opens
// the requested class for the travel date.
func (a *Automation) SelectTrainClassQuota(ctx context.Context, sel TrainSelection) error {
	dateLabel, err := availabilityDateLabel(sel.TravelDate)
	if err != nil {
		return configError("invalid-field", "%v", err)
	}
	quotaLabel, ok := quotaLabels[sel.Quota]
	if !ok {
		return configError("invalid-field", "unknown quota %q", sel.Quota)
	}

	for _, station := range []struct{ selector, code string }{
		{selOrigin, sel.From},
		{selDestination, sel.To},
	} {
		if err := a.typeInto(ctx, station.selector, 0, station.code); err != nil {
			return classify(err, "search-form")
		}
		err := a.waitFor(ctx, 5*time.Second, func() (bool, error) {
			return a.evalBool(ctx, pickSuggestionScript, station.code)
		})
		if err != nil {
			return transientError("search-form", fmt.Errorf("station %s: %w", station.code, err))
		}
	}

	if err := a.typeInto(ctx, selJourneyDate, 0, sel.TravelDate); err != nil {
		return classify(err, "search-form")
	}
	ok, err = a.evalBool(ctx, pickDropdownScript, selJourneyClass, "("+string(sel.Class)+")")
	if err := dropdownFailure("class", string(sel.Class), ok, err); err != nil {
		return err
	}
	ok, err = a.evalBool(ctx, pickDropdownScript, selJourneyQuota, quotaLabel)
	if err := dropdownFailure("quota", quotaLabel, ok, err); err != nil {
		return err
	}
	if ok, err := a.evalBool(ctx, clickButtonScript, "", `^Search$`); err != nil || !ok {
		button, err := a.ctxPage(ctx).Timeout(a.pageTimeout()).Element(selSearchButton)
		if err != nil {
			return classify(err, "search-form")
		}
		if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return classify(err, "search-form")
		}
	}

	err = a.waitFor(ctx, a.pageTimeout(), func() (bool, error) {
		has, _, err := a.ctxPage(ctx).Has(selTrainCard)
		return has, err
	})
	if err != nil {
		probe, _ := a.probe(ctx)
		if probe.Dialog != "" {
			return permanentError("train-not-found", fmt.Errorf("search: %s", probe.Dialog))
		}
		return classify(err, "search")
	}

	card, err := a.evalProbe(ctx, selectTrainScript, sel.TrainNumber, string(sel.Class))
	if err != nil {
		return classify(err, "search")
	}
	if !card.Found {
		return permanentError("train-not-found", fmt.Errorf("train %s %s: %s", sel.TrainNumber, sel.Class, card.Text))
	}
	index, err := strconv.Atoi(card.Text)
	if err != nil {
		return transientError("search", fmt.Errorf("train card index %q", card.Text))
	}
	a.trainCard = index

	var cell pageProbe
	err = a.waitFor(ctx, a.pageTimeout(), func() (bool, error) {
		var err error
		cell, err = a.evalProbe(ctx, selectDateCellScript, index, dateLabel)
		return cell.Found, err
	})
	if err != nil {
		return permanentError("train-not-found", fmt.Errorf("no availability for %s: %w", dateLabel, err))
	}
	a.logger.Info("train selected",
		zap.String("train", sel.TrainNumber),
		zap.String("class", string(sel.Class)),
		zap.String("availability", strings.TrimSpace(cell.Text)))
	return nil
}

// ClickBookNow clicks Book Now on the selected train and reports how the
// page reacted.
func (a *Automation) ClickBookNow(ctx context.Context) BookNowOutcome {
	if a.trainCard < 0 {
		return BookNowOutcome{Err: permanentError("train-not-selected", errors.New("no train selected"))}
	}

	clicked, err := a.evalProbe(ctx, clickBookNowScript, a.trainCard)
	if err != nil {
		return BookNowOutcome{Err: err}
	}
	if !clicked.Found || clicked.Disabled {
		return bookNowOutcome(clicked, pageProbe{})
	}

	var after pageProbe
	err = a.waitFor(ctx, bookNowSettle, func() (bool, error) {
		var err error
		after, err = a.probe(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(after.URL, passengerPagePath) || after.Dialog != "", nil
	})
	if err != nil && !errors.Is(err, errWaitTimeout) {
		return BookNowOutcome{Err: err}
	}

	if after.Dialog != "" {
		if _, err := a.evalBool(ctx, dismissDialogScript); err != nil {
			a.debugLog("dismiss book now dialog: %v", err)
		}
	}
	return bookNowOutcome(clicked, after)
}

// SubmitPassengers fills the passenger form, submits it and returns the
// availability the site offered.
func (a *Automation) SubmitPassengers(ctx context.Context, passengers []Passenger, opts PassengerOptions) (Allocation, error) {
	if _, err := a.ctxPage(ctx).Timeout(a.pageTimeout()).Element(selPassengerForm); err != nil {
		return Allocation{}, classify(err, "passenger-form")
	}

	for i, p := range passengers {
		if i > 0 {
			if ok, err := a.evalBool(ctx, clickButtonScript, selPassengerForm, `^\+\s*Add Passenger`); err != nil || !ok {
				return Allocation{}, transientError("passenger-form", fmt.Errorf("add passenger %d: %v", i+1, err))
			}
		}
		// A saved passenger brings its own age and gender.
		if !opts.UseMasterList || !a.pickMasterPassenger(ctx, i, p.Name) {
			if err := a.typeInto(ctx, selPassengerName, i, p.Name); err != nil {
				return Allocation{}, classify(err, "passenger-form")
			}
			if err := a.typeInto(ctx, selPassengerAge, i, strconv.Itoa(p.Age)); err != nil {
				return Allocation{}, classify(err, "passenger-form")
			}
			if _, err := a.evalBool(ctx, setSelectScript, selPassengerGender, i, string(p.Gender)); err != nil {
				return Allocation{}, classify(err, "passenger-form")
			}
		}
		if p.Berth != "" {
			if _, err := a.evalBool(ctx, setSelectScript, selPassengerBerth, i, p.Berth); err != nil {
				return Allocation{}, classify(err, "passenger-form")
			}
		}
		// Only trains with catering show the food choice.
		if p.Food != "" {
			if _, err := a.evalBool(ctx, setSelectScript, selPassengerFood, i, p.Food); err != nil {
				return Allocation{}, classify(err, "passenger-form")
			}
		}
	}

	if _, err := a.evalBool(ctx, setCheckboxScript, selAutoUpgrade, opts.AutoUpgrade); err != nil {
		return Allocation{}, classify(err, "passenger-form")
	}
	if _, err := a.evalBool(ctx, setCheckboxScript, selConfirmOnly, opts.BookOnlyIfConfirmed); err != nil {
		return Allocation{}, classify(err, "passenger-form")
	}
	if ok, err := a.evalBool(ctx, choosePaymentTypeScript, paymentTypeValue(opts.PaymentMethod)); err != nil || !ok {
		a.debugLog("payment type %s not selectable: %v", opts.PaymentMethod, err)
	}

	header, err := a.evalProbe(ctx, trainHeaderScript)
	if err != nil {
		return Allocation{}, classify(err, "passenger-form")
	}
	alloc := readAllocation(header.Text, header.Dialog)

	if ok, err := a.evalBool(ctx, clickButtonScript, selPassengerForm, `^Continue$`); err != nil || !ok {
		return alloc, transientError("passenger-form", fmt.Errorf("continue button: %v", err))
	}

	var formErr string
	err = a.waitFor(ctx, a.pageTimeout(), func() (bool, error) {
		if strings.Contains(a.currentURL(), reviewPagePath) {
			return true, nil
		}
		res, err := a.eval(ctx, formErrorScript)
		if err != nil {
			return false, err
		}
		formErr = res.Value.Str()
		return formErr != "", nil
	})
	if formErr != "" {
		return alloc, permanentError("passenger-form", errors.New(formErr))
	}
	if err != nil {
		return alloc, classify(err, "passenger-form")
	}
	return alloc, nil
}

// pickMasterPassenger types the start of name into the index-th name field
// and picks the matching entry of the saved passenger list. It reports
// false when nothing matched, leaving the caller to type the fields.
func (a *Automation) pickMasterPassenger(ctx context.Context, index int, name string) bool {
	if err := a.typeInto(ctx, selPassengerName, index, masterSearchText(name)); err != nil {
		a.debugLog("master list search for %s: %v", name, err)
		return false
	}

	pick := -1
	err := a.waitFor(ctx, 2*time.Second, func() (bool, error) {
		res, err := a.eval(ctx, suggestionsScript)
		if err != nil {
			return false, err
		}
		items, err := parseSuggestions(res.Value.Str())
		if err != nil {
			return false, err
		}
		pick = matchMasterPassenger(items, name)
		return pick >= 0, nil
	})
	if err != nil {
		a.debugLog("no master list entry for %s: %v", name, err)
		return false
	}
	if ok, err := a.evalBool(ctx, clickSuggestionScript, pick); err != nil || !ok {
		a.debugLog("master list entry %d for %s not clickable: %v", pick, name, err)
		return false
	}
	a.logger.Info("passenger picked from master list", zap.Int("passenger", index+1), zap.String("name", name))
	return sleepContext(ctx, a.keystrokePause()) == nil
}

// CaptureCaptchaImage returns the captcha shown on the review page.
func (a *Automation) CaptureCaptchaImage(ctx context.Context) ([]byte, error) {
	image, err := a.captchaImage(ctx)
	if err != nil {
		return nil, classify(err, "captcha-capture")
	}
	return image, nil
}

// SubmitCaptchaText enters text and waits for the site to accept it or
// show a fresh captcha.
func (a *Automation) SubmitCaptchaText(ctx context.Context, text string) (CaptchaVerdict, error) {
	before, err := a.probe(ctx)
	if err != nil {
		return CaptchaRejected, classify(err, "captcha-submit")
	}
	if err := a.typeInto(ctx, selCaptchaInput, 0, text); err != nil {
		return CaptchaRejected, classify(err, "captcha-submit")
	}
	if ok, err := a.evalBool(ctx, clickButtonScript, "app-review-booking", `^Continue$`); err != nil || !ok {
		return CaptchaRejected, transientError("captcha-submit", fmt.Errorf("continue button: %v", err))
	}

	var verdict CaptchaVerdict
	err = a.waitFor(ctx, captchaSettle, func() (bool, error) {
		probe, err := a.probe(ctx)
		if err != nil {
			return false, err
		}
		v, settled := captchaVerdictFrom(probe, before.Captcha)
		verdict = v
		return settled, nil
	})
	if err != nil {
		return CaptchaRejected, classify(err, "captcha-submit")
	}
	if verdict == CaptchaRejected {
		if _, err := a.evalBool(ctx, dismissDialogScript); err != nil {
			a.debugLog("dismiss captcha dialog: %v", err)
		}
	}
	return verdict, nil
}

// ProceedToPayment picks the payment option and hands the page over to the
// gateway. With PaymentOther the choice is left to the traveller.
func (a *Automation) ProceedToPayment(ctx context.Context, req PaymentRequest) (PaymentHandoff, error) {
	err := a.waitFor(ctx, a.pageTimeout(), func() (bool, error) {
		return strings.Contains(a.currentURL(), paymentPagePath), nil
	})
	if err != nil {
		return PaymentHandoff{URL: a.currentURL()}, classify(err, "payment")
	}

	handoff := PaymentHandoff{URL: a.currentURL()}
	pattern := paymentPattern(req.Method)
	if pattern == "" {
		handoff.Gateway = "manual selection"
		return handoff, nil
	}

	choice, err := a.evalProbe(ctx, choosePaymentScript, pattern)
	if err != nil {
		return handoff, classify(err, "payment")
	}
	if !choice.Found {
		return handoff, permanentError("payment-option", fmt.Errorf("no %s option on payment page", req.Method))
	}
	handoff.Gateway = choice.Text

	if ok, err := a.evalBool(ctx, clickButtonScript, "", `^Pay\s*&\s*Book`); err != nil || !ok {
		return handoff, transientError("payment", fmt.Errorf("pay and book button: %v", err))
	}

	err = a.waitFor(ctx, a.pageTimeout(), func() (bool, error) {
		return !strings.Contains(a.currentURL(), paymentPagePath), nil
	})
	if err != nil && !errors.Is(err, errWaitTimeout) {
		return handoff, classify(err, "payment")
	}
	handoff.URL = a.currentURL()

	if req.Method == PaymentUPI && req.UPIID != "" {
		if ok, err := a.evalBool(ctx, fillUPIScript, req.UPIID); err != nil || !ok {
			a.debugLog("UPI id field not found on gateway: %v", err)
		}
	}

	if res, err := a.eval(ctx, bodyTextScript); err == nil {
		handoff.PNR, handoff.BookingStatus = ParseBookingStatus(res.Value.Str())
	}
	return handoff, nil
}

// Snapshot saves a screenshot of the current page. Failures are logged only.
func (a *Automation) Snapshot(name string) {
	if a.page == nil || a.config.ScreenshotDir == "" {
		return
	}
	if err := os.MkdirAll(a.config.ScreenshotDir, 0755); err != nil {
		a.logger.Warn("screenshot dir", zap.Error(err))
		return
	}
	data, err := a.page.Screenshot(false, nil)
	if err != nil {
		a.logger.Warn("screenshot failed", zap.String("name", name), zap.Error(err))
		return
	}
	path := screenshotPath(a.config.ScreenshotDir, name, time.Now())
	if err := os.WriteFile(path, data, 0644); err != nil {
		a.logger.Warn("screenshot write failed", zap.String("path", path), zap.Error(err))
		return
	}
	a.logger.Debug("screenshot saved", zap.String("path", path))
}
