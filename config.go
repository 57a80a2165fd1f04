package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type CoachClass string

const (
	ClassSleeper       CoachClass = "SL"
	ClassSecondAC      CoachClass = "2A"
	ClassThirdAC       CoachClass = "3A"
	ClassThirdEcon     CoachClass = "3E"
	ClassFirstAC       CoachClass = "1A"
	ClassChairCar      CoachClass = "CC"
	ClassExecChair     CoachClass = "EC"
	ClassSecondSitting CoachClass = "2S"
)

// classRank orders classes by comfort so an upgrade can be recognised.
// Sitting and sleeping classes share one scale.
var classRank = map[CoachClass]int{
	ClassSecondSitting: 0,
	ClassSleeper:       1,
	ClassChairCar:      2,
	ClassThirdEcon:     3,
	ClassThirdAC:       4,
	ClassExecChair:     5,
	ClassSecondAC:      5,
	ClassFirstAC:       6,
}

func (c CoachClass) Valid() bool {
	_, ok := classRank[c]
	return ok
}

// IsAC reports whether the class is air-conditioned; Tatkal opens earlier for those.
func (c CoachClass) IsAC() bool {
	return c != ClassSleeper && c != ClassSecondSitting
}

// HigherThan reports whether c is a strict upgrade over other.
func (c CoachClass) HigherThan(other CoachClass) bool {
	return classRank[c] > classRank[other]
}

type Quota string

const (
	QuotaGeneral       Quota = "GENERAL"
	QuotaTatkal        Quota = "TATKAL"
	QuotaPremiumTatkal Quota = "PREMIUM_TATKAL"
	QuotaLadies        Quota = "LADIES"
	QuotaSeniorCitizen Quota = "SENIOR_CITIZEN"
)

func (q Quota) Valid() bool {
	switch q {
	case QuotaGeneral, QuotaTatkal, QuotaPremiumTatkal, QuotaLadies, QuotaSeniorCitizen:
		return true
	}
	return false
}

func (q Quota) IsTatkal() bool {
	return q == QuotaTatkal || q == QuotaPremiumTatkal
}

type PaymentMethod string

const (
	PaymentUPI    PaymentMethod = "UPI"
	PaymentWallet PaymentMethod = "WALLET"
	PaymentOther  PaymentMethod = "OTHER"
)

type Gender string

const (
	GenderMale        Gender = "M"
	GenderFemale      Gender = "F"
	GenderTransgender Gender = "T"
)

type Passenger struct {
	Name   string `yaml:"name"`
	Age    int    `yaml:"age"`
	Gender Gender `yaml:"gender"`
	// Berth is one of LB, MB, UB, SL, SU or empty for no preference.
	Berth string `yaml:"berth"`
	// Food is V (veg), N (non veg), D (no food) or empty.
	Food string `yaml:"food"`
}

type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type BookingConfig struct {
	TrainNumber            string        `yaml:"train_number"`
	CoachClass             CoachClass    `yaml:"coach_class"`
	TravelDate             string        `yaml:"travel_date"`
	SourceStation          string        `yaml:"source_station"`
	DestinationStation     string        `yaml:"destination_station"`
	BoardingStation        string        `yaml:"boarding_station"`
	Quota                  Quota         `yaml:"quota"`
	PaymentMethod          PaymentMethod `yaml:"payment_method"`
	UPIID                  string        `yaml:"upi_id"`
	AutoUpgrade            bool          `yaml:"auto_upgrade"`
	BookOnlyIfConfirmed    bool          `yaml:"book_only_if_confirmed"`
	UseMasterPassengerList bool          `yaml:"use_master_passenger_list"`
	Passengers             []Passenger   `yaml:"passengers"`
}

type TimingConfig struct {
	LoginTime           string  `yaml:"login_time"`
	LoginRefreshSeconds float64 `yaml:"login_refresh_seconds"`
	BookNowStartTime    string  `yaml:"book_now_start_time"`
	BookNowRetrySeconds float64 `yaml:"book_now_retry_seconds"`
	BookNowMaxSeconds   float64 `yaml:"book_now_max_seconds"`
	GatePollMs          int     `yaml:"gate_poll_ms"`
}

type CaptchaConfig struct {
	// Manual skips every automated strategy (MANUAL_CAPTCHA).
	Manual bool `yaml:"manual"`
	// ManualFallback keeps terminal entry as the last strategy of the chain.
	ManualFallback            bool     `yaml:"manual_fallback"`
	Strategies                []string `yaml:"strategies"`
	ConfidenceThreshold       float64  `yaml:"confidence_threshold"`
	PerStrategyTimeoutSeconds float64  `yaml:"per_strategy_timeout_seconds"`
	OverallTimeoutSeconds     float64  `yaml:"overall_timeout_seconds"`
	MaxRounds                 int      `yaml:"max_rounds"`
	APIURL                    string   `yaml:"api_url"`
	GCloudCredentials         string   `yaml:"gcloud_credentials"`
	GeminiAPIKey              string   `yaml:"gemini_api_key"`
	GeminiModel               string   `yaml:"gemini_model"`
	TesseractPath             string   `yaml:"tesseract_path"`
}

type Config struct {
	Credentials Credentials   `yaml:"credentials"`
	Booking     BookingConfig `yaml:"booking"`
	Timing      TimingConfig  `yaml:"timing"`
	Captcha     CaptchaConfig `yaml:"captcha"`

	BrowserProfilePath string `yaml:"browser_profile_path"`
	Headless           bool   `yaml:"headless"`
	SlowMoMs           int    `yaml:"slow_mo_ms"`
	PageLoadTimeout    int    `yaml:"page_load_timeout"`
	KeepBrowserOpen    bool   `yaml:"keep_browser_open"`

	Timezone    string   `yaml:"timezone"`
	TimeServers []string `yaml:"time_servers"`

	ScreenshotDir string `yaml:"screenshot_dir"`
	LogDir        string `yaml:"log_dir"`
	SaveLogFiles  bool   `yaml:"save_log_files"`
	MetricsAddr   string `yaml:"metrics_addr"`

	DryRun    bool `yaml:"dry_run"`
	DebugMode bool `yaml:"debug_mode"`
}

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()

	return &Config{
		Booking: BookingConfig{
			Quota:         QuotaGeneral,
			PaymentMethod: PaymentUPI,
		},
		Timing: TimingConfig{
			LoginRefreshSeconds: 2,
			BookNowRetrySeconds: 2,
			BookNowMaxSeconds:   600,
			GatePollMs:          250,
		},
		Captcha: CaptchaConfig{
			ManualFallback:            true,
			Strategies:                []string{"ocr", "api", "vision"},
			ConfidenceThreshold:       0.6,
			PerStrategyTimeoutSeconds: 10,
			OverallTimeoutSeconds:     25,
			MaxRounds:                 5,
			APIURL:                    "http://localhost:5001/extract-text",
			GeminiModel:               "gemini-1.5-flash",
			TesseractPath:             "tesseract",
		},
		BrowserProfilePath: filepath.Join(userDataDir, "browser-profile"),
		Headless:           false,
		SlowMoMs:           15,
		PageLoadTimeout:    30,
		KeepBrowserOpen:    true,
		Timezone:           "Asia/Kolkata",
		TimeServers:        append([]string(nil), DefaultTimeServers...),
		ScreenshotDir:      filepath.Join(userDataDir, "screenshots"),
		LogDir:             filepath.Join(userDataDir, "logs"),
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, configError("malformed", "parse %s: %w", path, err)
	}

	if config.BrowserProfilePath != "" {
		if err := os.MkdirAll(config.BrowserProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

var (
	trainNumberPattern = regexp.MustCompile(`^\d{5}$`)
	stationPattern     = regexp.MustCompile(`^[A-Z]{1,5}$`)
	upiPattern         = regexp.MustCompile(`^[a-zA-Z0-9._-]+@[a-zA-Z0-9]+$`)
)

const travelDateLayout = "02/01/2006"

// Validate checks required fields and enumerations. now is used to reject
// travel dates in the past.
func (c *Config) Validate(now time.Time) error {
	user := strings.TrimSpace(c.Credentials.Username)
	if user == "" || user == "your_username" {
		return configError("missing-field", "credentials.username is required")
	}
	if c.Credentials.Password == "" || c.Credentials.Password == "your_password" {
		return configError("missing-field", "credentials.password is required")
	}

	b := c.Booking
	if !trainNumberPattern.MatchString(b.TrainNumber) {
		return configError("invalid-field", "booking.train_number %q must be 5 digits", b.TrainNumber)
	}
	if !b.CoachClass.Valid() {
		return configError("invalid-field", "booking.coach_class %q must be one of SL, 2A, 3A, 3E, 1A, CC, EC, 2S", b.CoachClass)
	}
	if !b.Quota.Valid() {
		return configError("invalid-field", "booking.quota %q is not supported", b.Quota)
	}
	for name, code := range map[string]string{
		"source_station":      b.SourceStation,
		"destination_station": b.DestinationStation,
	} {
		if !stationPattern.MatchString(code) {
			return configError("invalid-field", "booking.%s %q must be a station code", name, code)
		}
	}
	if b.BoardingStation != "" && !stationPattern.MatchString(b.BoardingStation) {
		return configError("invalid-field", "booking.boarding_station %q must be a station code", b.BoardingStation)
	}
	if b.SourceStation == b.DestinationStation {
		return configError("invalid-field", "source and destination stations are the same")
	}

	travel, err := c.TravelDay()
	if err != nil {
		return err
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, travel.Location())
	if travel.Before(today) {
		return configError("invalid-field", "booking.travel_date %s is in the past", b.TravelDate)
	}

	switch b.PaymentMethod {
	case PaymentUPI:
		if b.UPIID != "" && !upiPattern.MatchString(b.UPIID) {
			return configError("invalid-field", "booking.upi_id %q is not a valid UPI id", b.UPIID)
		}
	case PaymentWallet, PaymentOther:
	default:
		return configError("invalid-field", "booking.payment_method %q must be UPI, WALLET or OTHER", b.PaymentMethod)
	}

	if len(b.Passengers) == 0 {
		return configError("missing-field", "at least one passenger is required")
	}
	if len(b.Passengers) > 6 {
		return configError("invalid-field", "at most 6 passengers can be booked on one ticket")
	}
	for i, p := range b.Passengers {
		if strings.TrimSpace(p.Name) == "" {
			return configError("missing-field", "passenger %d: name is required", i+1)
		}
		if p.Age <= 0 || p.Age > 125 {
			return configError("invalid-field", "passenger %d: age %d must be a positive number", i+1, p.Age)
		}
		switch p.Gender {
		case GenderMale, GenderFemale, GenderTransgender:
		default:
			return configError("invalid-field", "passenger %d: gender %q must be M, F or T", i+1, p.Gender)
		}
		if _, ok := berthLabels[p.Berth]; !ok {
			return configError("invalid-field", "passenger %d: berth %q must be LB, MB, UB, SL, SU or empty", i+1, p.Berth)
		}
		if _, ok := foodLabels[p.Food]; !ok {
			return configError("invalid-field", "passenger %d: food %q must be V, N, D or empty", i+1, p.Food)
		}
	}

	if c.Captcha.MaxRounds <= 0 {
		return configError("invalid-field", "captcha.max_rounds must be positive")
	}
	if c.Captcha.ConfidenceThreshold < 0 || c.Captcha.ConfidenceThreshold > 1 {
		return configError("invalid-field", "captcha.confidence_threshold must be within 0..1")
	}
	if c.Captcha.PerStrategyTimeoutSeconds <= 0 || c.Captcha.OverallTimeoutSeconds <= 0 {
		return configError("invalid-field", "captcha timeouts must be positive")
	}
	for _, name := range c.Captcha.Strategies {
		if _, ok := strategyNames[name]; !ok {
			return configError("invalid-field", "captcha.strategies: unknown strategy %q", name)
		}
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	_, err = c.TimingPolicy(now)
	return err
}

// TravelDay parses the DD/MM/YYYY travel date in the booking timezone.
func (c *Config) TravelDay() (time.Time, error) {
	loc, err := c.Location()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation(travelDateLayout, c.Booking.TravelDate, loc)
	if err != nil {
		return time.Time{}, configError("invalid-field", "booking.travel_date %q: use DD/MM/YYYY", c.Booking.TravelDate)
	}
	return t, nil
}

func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, configError("invalid-field", "timezone %q: %v", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) Summary() string {
	b := c.Booking
	var sb strings.Builder
	fmt.Fprintf(&sb, "Train %s | Class %s | Quota %s\n", b.TrainNumber, b.CoachClass, b.Quota)
	fmt.Fprintf(&sb, "Date %s | %s -> %s", b.TravelDate, b.SourceStation, b.DestinationStation)
	if b.BoardingStation != "" {
		fmt.Fprintf(&sb, " (boarding %s)", b.BoardingStation)
	}
	fmt.Fprintf(&sb, "\nPayment %s", b.PaymentMethod)
	if b.UPIID != "" {
		fmt.Fprintf(&sb, " (%s)", b.UPIID)
	}
	fmt.Fprintf(&sb, " | Auto upgrade %v | Confirmed only %v\n", b.AutoUpgrade, b.BookOnlyIfConfirmed)
	for i, p := range b.Passengers {
		fmt.Fprintf(&sb, "  %d. %-20s %3d %s  berth: %s  food: %s\n", i+1, p.Name, p.Age, p.Gender, berthLabels[p.Berth], foodLabels[p.Food])
	}
	return sb.String()
}

var berthLabels = map[string]string{
	"":   "No Preference",
	"LB": "Lower",
	"MB": "Middle",
	"UB": "Upper",
	"SL": "Side Lower",
	"SU": "Side Upper",
}

var foodLabels = map[string]string{
	"":  "No Food",
	"V": "Veg",
	"N": "Non Veg",
	"D": "No Food",
}

var genderLabels = map[Gender]string{
	GenderMale:        "Male",
	GenderFemale:      "Female",
	GenderTransgender: "Transgender",
}
