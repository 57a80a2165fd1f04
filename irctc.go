package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	irctcHomeURL = "https://www.irctc.co.in/nget/train-search"

	passengerPagePath = "psgninput"
	reviewPagePath    = "reviewBooking"
	paymentPagePath   = "bkgPaymentOptions"
)

const (
	selUserID          = `input[formcontrolname="userid"]`
	selPassword        = `input[formcontrolname="password"]`
	selCaptchaInput    = `input[formcontrolname="captcha"], input#captcha`
	selCaptchaImage    = `.captcha-img, app-captcha img`
	selOrigin          = `p-autocomplete[formcontrolname="origin"] input`
	selDestination     = `p-autocomplete[formcontrolname="destination"] input`
	selJourneyDate     = `p-calendar[formcontrolname="journeyDate"] input`
	selJourneyClass    = `p-dropdown[formcontrolname="journeyClass"]`
	selJourneyQuota    = `p-dropdown[formcontrolname="journeyQuota"]`
	selSearchButton    = `button.search_btn.train_Search`
	selTrainCard       = `app-train-avl-enq`
	selPassengerForm   = `app-passenger-input`
	selPassengerName   = `p-autocomplete[formcontrolname="passengerName"] input, input[formcontrolname="passengerName"]`
	selPassengerAge    = `input[formcontrolname="passengerAge"]`
	selPassengerGender = `select[formcontrolname="passengerGender"]`
	selPassengerBerth  = `select[formcontrolname="passengerBerthChoice"]`
	selPassengerFood   = `select[formcontrolname="passengerFoodChoice"]`
	selAutoUpgrade     = `input#autoUpgradation, input[formcontrolname="autoUpgradationSelected"]`
	selConfirmOnly     = `input#confirmberths, input[formcontrolname="bookOnlyIfCnf"]`
)

var quotaLabels = map[Quota]string{
	QuotaGeneral:       "GENERAL",
	QuotaTatkal:        "TATKAL",
	QuotaPremiumTatkal: "PREMIUM TATKAL",
	QuotaLadies:        "LADIES",
	QuotaSeniorCitizen: "LOWER BERTH/SR.CITIZEN",
}

// pageProbe is the JSON shape returned by the in-page probe scripts.
type pageProbe struct {
	URL      string `json:"url"`
	Dialog   string `json:"dialog"`
	Found    bool   `json:"found"`
	Disabled bool   `json:"disabled"`
	Text     string `json:"text"`
	Captcha  string `json:"captcha"`
}

func parseProbe(raw string) (pageProbe, error) {
	var probe pageProbe
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return probe, fmt.Errorf("unexpected page probe %q: %w", truncate(raw, 80), err)
	}
	probe.Dialog = strings.Join(strings.Fields(probe.Dialog), " ")
	return probe, nil
}

// Collects the visible alert, dialog and toast text along with the URL.
const probeScript = `() => {
	const visible = el => el && el.offsetParent !== null;
	const texts = Array.from(document.querySelectorAll(
		'.ui-dialog-content, .ui-confirmdialog-message, .ui-toast-detail, .ui-toast-summary, .loginError, .alert-danger'))
		.filter(visible).map(el => el.innerText.trim()).filter(Boolean);
	const img = document.querySelector('.captcha-img, app-captcha img');
	return JSON.stringify({
		url: location.href,
		dialog: texts.join(' '),
		found: true,
		captcha: img ? (img.getAttribute('src') || '') : ''
	});
}`

const dismissDialogScript = `() => {
	const btn = document.querySelector('.ui-dialog-footer button, .ui-confirmdialog-acceptbutton, .ui-toast-close-icon');
	if (btn) btn.click();
	return !!btn;
}`

const loggedInScript = `() => Array.from(document.querySelectorAll('a, span'))
	.some(el => /\bLOGOUT\b/i.test(el.textContent || ''))`

const openLoginScript = `() => {
	const link = document.querySelector('a.search_btn.loginText') ||
		Array.from(document.querySelectorAll('a')).find(a => /^\s*LOGIN\s*$/i.test(a.textContent));
	if (link) link.click();
	return !!link;
}`

// Clicks the first button whose text matches pattern, optionally inside scope.
const clickButtonScript = `(scope, pattern) => {
	const root = (scope && document.querySelector(scope)) || document;
	const re = new RegExp(pattern, 'i');
	const btn = Array.from(root.querySelectorAll('button, a, span'))
		.find(b => re.test((b.textContent || '').trim()) && !b.disabled);
	if (btn) btn.click();
	return !!btn;
}`

// Opens a PrimeNG dropdown and picks the option whose label contains text.
const pickDropdownScript = `(selector, text) => {
	const dd = document.querySelector(selector);
	if (!dd) return false;
	dd.querySelector('.ui-dropdown-trigger, .ui-dropdown-label, label').click();
	const want = text.toUpperCase();
	const item = Array.from(document.querySelectorAll('.ui-dropdown-items li, p-dropdownitem li'))
		.find(li => (li.getAttribute('aria-label') || li.textContent || '').toUpperCase().includes(want));
	if (item) item.click();
	return !!item;
}`

const pickSuggestionScript = `(code) => {
	const want = '- ' + code.toUpperCase();
	const items = Array.from(document.querySelectorAll('.ui-autocomplete-items li, .ui-autocomplete-list-item'));
	const item = items.find(li => li.textContent.toUpperCase().includes(want)) || items[0];
	if (item) item.click();
	return !!item;
}`

// Finds the train card for number and opens its class tab.
const selectTrainScript = `(number, cls) => {
	const cards = Array.from(document.querySelectorAll('app-train-avl-enq'));
	const index = cards.findIndex(c => (c.querySelector('.train-heading') || c).textContent.includes('(' + number + ')'));
	if (index < 0) return JSON.stringify({found: false, text: cards.length + ' trains listed'});
	const card = cards[index];
	const tab = Array.from(card.querySelectorAll('.pre-avl, td, strong'))
		.find(el => el.textContent.includes('(' + cls + ')'));
	if (!tab) return JSON.stringify({found: false, text: 'class ' + cls + ' not offered'});
	tab.click();
	return JSON.stringify({found: true, text: String(index)});
}`

const selectDateCellScript = `(index, dateLabel) => {
	const card = document.querySelectorAll('app-train-avl-enq')[index];
	if (!card) return JSON.stringify({found: false});
	const cells = Array.from(card.querySelectorAll('.pre-avl'));
	const cell = cells.find(c => c.textContent.includes(dateLabel));
	if (!cell) return JSON.stringify({found: false, text: cells.length + ' date cells'});
	cell.click();
	return JSON.stringify({found: true, text: cell.innerText});
}`

const clickBookNowScript = `(index) => {
	const card = document.querySelectorAll('app-train-avl-enq')[index];
	if (!card) return JSON.stringify({found: false, url: location.href});
	const btn = Array.from(card.querySelectorAll('button')).find(b => /book\s*now/i.test(b.textContent));
	if (!btn) return JSON.stringify({found: false, url: location.href});
	if (btn.disabled || btn.classList.contains('disable-book')) {
		return JSON.stringify({found: true, disabled: true, url: location.href});
	}
	btn.click();
	return JSON.stringify({found: true, url: location.href});
}`

const setSelectScript = `(selector, index, value) => {
	const el = document.querySelectorAll(selector)[index];
	if (!el) return false;
	el.value = value;
	el.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`

const setCheckboxScript = `(selector, checked) => {
	const el = document.querySelector(selector);
	if (!el) return false;
	if (el.checked !== checked) el.click();
	return true;
}`

const choosePaymentTypeScript = `(value) => {
	const input = document.querySelector('p-radiobutton[name="paymentType"] input[value="' + value + '"], input[name="paymentType"][value="' + value + '"]');
	if (!input) return false;
	const box = input.closest('p-radiobutton');
	(box ? box.querySelector('.ui-radiobutton-box') || input : input).click();
	return true;
}`

const trainHeaderScript = `() => {
	const header = document.querySelector('app-train-header, .train-header, .dull-back');
	const fare = Array.from(document.querySelectorAll('span, div'))
		.find(el => /Total Fare/i.test(el.textContent) && el.children.length < 4);
	return JSON.stringify({found: !!header, text: header ? header.innerText : '', dialog: fare ? fare.innerText : ''});
}`

const formErrorScript = `() => Array.from(document.querySelectorAll('.invalid-feedback, .text-danger, .ui-message-error'))
	.filter(el => el.offsetParent !== null)
	.map(el => el.innerText.trim()).filter(Boolean).join('; ')`

const choosePaymentScript = `(pattern) => {
	const re = new RegExp(pattern, 'i');
	const group = Array.from(document.querySelectorAll('.bank-type, .payment-mode, li'))
		.find(el => re.test(el.textContent));
	if (!group) return JSON.stringify({found: false});
	group.click();
	const option = document.querySelector('.bank-text, .border-all.no-pad');
	if (option) option.click();
	return JSON.stringify({found: true, text: group.innerText.trim().split('\n')[0]});
}`

const fillUPIScript = `(vpa) => {
	const input = document.querySelector('input[name*="vpa" i], input[placeholder*="UPI" i], input[id*="vpa" i]');
	if (!input) return false;
	input.value = vpa;
	input.dispatchEvent(new Event('input', {bubbles: true}));
	return true;
}`

// Lists the visible autocomplete suggestions as a JSON array of strings.
const suggestionsScript = `() => JSON.stringify(Array.from(document.querySelectorAll(
	'.ui-autocomplete-panel li, .ui-autocomplete-list-item, ul[role="listbox"] li'))
	.filter(el => el.offsetParent !== null)
	.map(el => el.innerText.trim()))`

const clickSuggestionScript = `(index) => {
	const items = Array.from(document.querySelectorAll(
		'.ui-autocomplete-panel li, .ui-autocomplete-list-item, ul[role="listbox"] li'))
		.filter(el => el.offsetParent !== null);
	if (!items[index]) return false;
	items[index].click();
	return true;
}`

const bodyTextScript = `() => document.body ? document.body.innerText : ''`

// loginFailure maps the login form's error message to an error. Empty text
// means no verdict yet.
func loginFailure(text string) error {
	switch {
	case strings.TrimSpace(text) == "":
		return nil
	case containsAny(text, "bad credentials", "invalid user", "invalid password", "account is locked", "deactivated"):
		return permanentError("bad-credentials", fmt.Errorf("login refused: %s", text))
	case containsAny(text, "invalid captcha", "captcha"):
		return transientError("captcha-rejected", fmt.Errorf("login captcha rejected: %s", text))
	}
	return transientError("login", fmt.Errorf("login error: %s", text))
}

// dropdownFailure reports a search form dropdown that could not be set. An
// option the site does not list is final; a failed script is not.
func dropdownFailure(field, value string, found bool, err error) error {
	if err != nil {
		return classify(fmt.Errorf("%s %s: %w", field, value, err), "search-form")
	}
	if !found {
		return permanentError(field+"-not-listed", fmt.Errorf("%s %s is not offered", field, value))
	}
	return nil
}

func parseSuggestions(raw string) ([]string, error) {
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("unexpected suggestion list %q: %w", truncate(raw, 80), err)
	}
	return items, nil
}

// masterSearchText is what gets typed to open the saved passenger list.
func masterSearchText(name string) string {
	runes := []rune(strings.TrimSpace(name))
	if len(runes) > 4 {
		runes = runes[:4]
	}
	return string(runes)
}

// matchMasterPassenger returns the index of the saved passenger whose entry
// begins with name, ignoring case and spacing, or -1. An entry that only
// contains the name as whole words is used when no entry begins with it.
func matchMasterPassenger(suggestions []string, name string) int {
	want := strings.ToUpper(strings.Join(strings.Fields(name), " "))
	if want == "" {
		return -1
	}
	loose := -1
	for i, s := range suggestions {
		got := strings.ToUpper(strings.Join(strings.Fields(s), " "))
		if rest, ok := strings.CutPrefix(got, want); ok {
			if rest == "" || !isNameRune(rune(rest[0])) {
				return i
			}
			continue
		}
		if loose < 0 && strings.Contains(" "+got+" ", " "+want+" ") {
			loose = i
		}
	}
	return loose
}

func isNameRune(r rune) bool {
	return r >= 'A' && r <= 'Z' || r == '.' || r == '\''
}

// bookNowOutcome turns the probe taken after a Book Now click into an
// outcome for ClassifyBookNow.
func bookNowOutcome(clicked, after pageProbe) BookNowOutcome {
	switch {
	case strings.Contains(after.URL, passengerPagePath):
		return BookNowOutcome{Navigated: true}
	case after.Dialog != "":
		return BookNowOutcome{DialogText: after.Dialog}
	case !clicked.Found:
		return BookNowOutcome{Err: transientError("book-now-missing", fmt.Errorf("book now button not found"))}
	case clicked.Disabled:
		return BookNowOutcome{ButtonDisabled: true}
	}
	return BookNowOutcome{Err: transientError("book-now-timeout", fmt.Errorf("no response to book now"))}
}

// captchaVerdictFrom decides whether the review captcha was accepted. ok is
// false while the page has not settled.
func captchaVerdictFrom(probe pageProbe, previousCaptcha string) (verdict CaptchaVerdict, ok bool) {
	switch {
	case strings.Contains(probe.URL, paymentPagePath), strings.Contains(strings.ToLower(probe.URL), "payment"):
		return CaptchaAccepted, true
	case containsAny(probe.Dialog, "invalid captcha", "captcha"):
		return CaptchaRejected, true
	case probe.Captcha != "" && probe.Captcha != previousCaptcha:
		return CaptchaRejected, true
	}
	return CaptchaRejected, false
}

var (
	availabilityPattern = regexp.MustCompile(`(?i)\b(AVAILABLE-\d+|CURR_AVBL-\d+|RAC\s*\d+|[A-Z]*WL\s*\d+(?:/WL\s*\d+)?|REGRET)\b`)
	classCodePattern    = regexp.MustCompile(`\((1A|2A|3A|3E|SL|CC|EC|2S)\)`)
	farePattern         = regexp.MustCompile(`(?i)Total Fare[^\d]*([\d,]+(?:\.\d+)?)`)
)

// readAllocation parses the train header shown on the passenger page.
func readAllocation(header, fareText string) Allocation {
	alloc := Allocation{}
	if m := availabilityPattern.FindString(header); m != "" {
		alloc.Text = strings.ToUpper(m)
		alloc.Status = ParseAllocation(alloc.Text)
	}
	if m := classCodePattern.FindStringSubmatch(header); m != nil {
		alloc.Class = CoachClass(m[1])
	}
	if m := farePattern.FindStringSubmatch(fareText); m != nil {
		alloc.Fare = m[1]
	}
	return alloc
}

// availabilityDateLabel renders DD/MM/YYYY the way the availability table
// labels its date cells, e.g. "Mon, 20 Jan".
func availabilityDateLabel(travelDate string) (string, error) {
	d, err := time.Parse("02/01/2006", travelDate)
	if err != nil {
		return "", fmt.Errorf("invalid travel date %q: %w", travelDate, err)
	}
	return d.Format("Mon, 02 Jan"), nil
}

// paymentPattern is the label matched on the payment options page. OTHER
// leaves the choice to the traveller.
func paymentPattern(method PaymentMethod) string {
	switch method {
	case PaymentUPI:
		return `BHIM|UPI`
	case PaymentWallet:
		return `e-?Wallet`
	}
	return ""
}

// paymentTypeValue is the radio value on the passenger form.
func paymentTypeValue(method PaymentMethod) string {
	if method == PaymentUPI {
		return "2"
	}
	return "1"
}

// decodeDataURI returns the bytes of a base64 data: URI.
func decodeDataURI(src string) ([]byte, error) {
	if !strings.HasPrefix(src, "data:") {
		return nil, fmt.Errorf("not a data URI")
	}
	comma := strings.IndexByte(src, ',')
	if comma < 0 || !strings.Contains(src[:comma], ";base64") {
		return nil, fmt.Errorf("unsupported data URI")
	}
	data, err := base64.StdEncoding.DecodeString(src[comma+1:])
	if err != nil {
		return nil, fmt.Errorf("decode captcha image: %w", err)
	}
	return data, nil
}

func screenshotPath(dir, name string, at time.Time) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' || r == ':' {
			return '_'
		}
		return r
	}, name)
	return filepath.Join(dir, fmt.Sprintf("%s_%s.png", at.Format("20060102_150405"), safe))
}
