package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if config.PageLoadTimeout != 30 {
		t.Errorf("Expected PageLoadTimeout to be 30, got %d", config.PageLoadTimeout)
	}

	if config.Captcha.MaxRounds != 5 {
		t.Errorf("Expected captcha MaxRounds to be 5, got %d", config.Captcha.MaxRounds)
	}

	if config.Captcha.ConfidenceThreshold != 0.6 {
		t.Errorf("Expected ConfidenceThreshold to be 0.6, got %v", config.Captcha.ConfidenceThreshold)
	}

	if !config.Captcha.ManualFallback {
		t.Error("Expected manual captcha fallback to be enabled")
	}

	if config.Timezone != "Asia/Kolkata" {
		t.Errorf("Expected Asia/Kolkata timezone, got %q", config.Timezone)
	}

	if config.Headless {
		t.Error("Expected Headless to be false")
	}

	if len(config.TimeServers) == 0 {
		t.Error("Expected default time servers")
	}
}

func TestConfigSaveAndLoad(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")

	config := testConfig()
	config.Booking.BoardingStation = "BRC"
	config.Booking.AutoUpgrade = true
	config.Booking.BookOnlyIfConfirmed = true
	config.Booking.Passengers = append(config.Booking.Passengers,
		Passenger{Name: "Ravi Rao", Age: 61, Gender: GenderMale, Berth: "", Food: "N"},
		Passenger{Name: "Meena", Age: 8, Gender: GenderTransgender, Berth: "SU", Food: "D"},
	)
	config.Timing.LoginTime = "09:57:30"
	config.Timing.BookNowStartTime = "09:59:47"
	config.Timing.BookNowRetrySeconds = 1.5
	config.Captcha.Strategies = []string{"api", "ocr"}
	config.Captcha.GeminiAPIKey = "key"
	config.Headless = true
	config.MetricsAddr = ":9100"

	if err := config.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if !reflect.DeepEqual(config, loaded) {
		t.Errorf("round trip mismatch:\nsaved  %+v\nloaded %+v", config, loaded)
	}
}

func TestLoadConfigWritesDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if config.Captcha.MaxRounds != 5 {
		t.Errorf("expected defaults, got %+v", config.Captcha)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("default config was not written: %v", err)
	}
}

func TestLoadConfigMalformed(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("booking: [not, a, map"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadConfig(configPath)
	if KindOf(err) != KindConfiguration {
		t.Errorf("error = %v, want ConfigurationError", err)
	}
}

func TestConfigValidate(t *testing.T) {
	now := at(9, 0, 0)

	tests := []struct {
		name     string
		mutate   func(c *Config)
		wantKind ErrorKind
		wantErr  bool
	}{
		{name: "Valid", mutate: func(c *Config) {}},
		{name: "Missing username", mutate: func(c *Config) { c.Credentials.Username = "" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Placeholder password", mutate: func(c *Config) { c.Credentials.Password = "your_password" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Short train number", mutate: func(c *Config) { c.Booking.TrainNumber = "1295" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Unknown class", mutate: func(c *Config) { c.Booking.CoachClass = "4A" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Unknown quota", mutate: func(c *Config) { c.Booking.Quota = "VIP" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Bad station", mutate: func(c *Config) { c.Booking.SourceStation = "new delhi" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Same stations", mutate: func(c *Config) { c.Booking.DestinationStation = "NDLS" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Date format", mutate: func(c *Config) { c.Booking.TravelDate = "2025-01-20" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Date in past", mutate: func(c *Config) { c.Booking.TravelDate = "14/01/2025" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Travel today", mutate: func(c *Config) { c.Booking.TravelDate = "15/01/2025" }},
		{name: "Bad UPI id", mutate: func(c *Config) { c.Booking.UPIID = "not-an-upi" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Unknown payment", mutate: func(c *Config) { c.Booking.PaymentMethod = "CASH" }, wantErr: true, wantKind: KindConfiguration},
		{name: "No passengers", mutate: func(c *Config) { c.Booking.Passengers = nil }, wantErr: true, wantKind: KindConfiguration},
		{name: "Zero age", mutate: func(c *Config) { c.Booking.Passengers[0].Age = 0 }, wantErr: true, wantKind: KindConfiguration},
		{name: "Unknown gender", mutate: func(c *Config) { c.Booking.Passengers[0].Gender = "X" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Unknown berth", mutate: func(c *Config) { c.Booking.Passengers[0].Berth = "TOP" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Seven passengers", mutate: func(c *Config) {
			for len(c.Booking.Passengers) < 7 {
				c.Booking.Passengers = append(c.Booking.Passengers, c.Booking.Passengers[0])
			}
		}, wantErr: true, wantKind: KindConfiguration},
		{name: "Unknown strategy", mutate: func(c *Config) { c.Captcha.Strategies = []string{"ocr", "psychic"} }, wantErr: true, wantKind: KindConfiguration},
		{name: "Zero captcha rounds", mutate: func(c *Config) { c.Captcha.MaxRounds = 0 }, wantErr: true, wantKind: KindConfiguration},
		{name: "Bad timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }, wantErr: true, wantKind: KindConfiguration},
		{name: "Zero retry interval", mutate: func(c *Config) { c.Timing.BookNowRetrySeconds = 0 }, wantErr: true, wantKind: KindTiming},
		{name: "Unparseable login time", mutate: func(c *Config) { c.Timing.LoginTime = "soon" }, wantErr: true, wantKind: KindTiming},
		{name: "Login after book now", mutate: func(c *Config) {
			c.Timing.LoginTime = "10:05"
			c.Timing.BookNowStartTime = "10:00"
		}, wantErr: true, wantKind: KindTiming},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			tt.mutate(config)

			err := config.Validate(now)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if KindOf(err) != tt.wantKind {
				t.Errorf("kind = %v, want %v (%v)", KindOf(err), tt.wantKind, err)
			}
		})
	}
}

func TestTimingPolicy(t *testing.T) {
	now := at(8, 0, 0)
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		class       CoachClass
		quota       Quota
		bookNow     string
		login       string
		wantBookNow time.Time
		wantLogin   time.Time
	}{
		{name: "Tatkal AC opens at 10", class: ClassThirdAC, quota: QuotaTatkal,
			wantBookNow: time.Date(2025, 1, 15, 10, 0, 0, 0, ist)},
		{name: "Tatkal sleeper opens at 11", class: ClassSleeper, quota: QuotaPremiumTatkal,
			wantBookNow: time.Date(2025, 1, 15, 11, 0, 0, 0, ist)},
		{name: "Explicit time wins", class: ClassSleeper, quota: QuotaTatkal, bookNow: "10:59:47", login: "10:55",
			wantBookNow: time.Date(2025, 1, 15, 10, 59, 47, 0, ist), wantLogin: time.Date(2025, 1, 15, 10, 55, 0, 0, ist)},
		{name: "General quota has no gate", class: ClassThirdAC, quota: QuotaGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			config.Booking.CoachClass = tt.class
			config.Booking.Quota = tt.quota
			config.Timing.BookNowStartTime = tt.bookNow
			config.Timing.LoginTime = tt.login

			policy, err := config.TimingPolicy(now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !policy.BookNowAt.Equal(tt.wantBookNow) {
				t.Errorf("book now = %v, want %v", policy.BookNowAt, tt.wantBookNow)
			}
			if !policy.LoginAt.Equal(tt.wantLogin) {
				t.Errorf("login = %v, want %v", policy.LoginAt, tt.wantLogin)
			}
			if policy.BookNowRetry != 2*time.Second || policy.GatePoll != 250*time.Millisecond {
				t.Errorf("intervals = %v / %v", policy.BookNowRetry, policy.GatePoll)
			}
		})
	}
}

func TestConfigSummary(t *testing.T) {
	summary := testConfig().Summary()
	for _, want := range []string{"12951", "NDLS -> MMCT", "Asha Rao", "Lower", "Veg"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}
