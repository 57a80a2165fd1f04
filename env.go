package main

import (
	"errors"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return configError("dotenv", "load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Variable names are the
// ones the booking scripts have always used, so an existing .env keeps
// working.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if !v.IsSet(key) {
			return
		}
		value := strings.TrimSpace(v.GetString(key))
		if value == "your_username" || value == "your_password" {
			return
		}
		*dst = value
	}
	num := func(key string, dst *float64) error {
		if !v.IsSet(key) {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v.GetString(key)), 64)
		if err != nil {
			return configError("env", "%s: %q is not a number", key, v.GetString(key))
		}
		*dst = f
		return nil
	}
	integer := func(key string, dst *int) error {
		if !v.IsSet(key) {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return configError("env", "%s: %q is not an integer", key, v.GetString(key))
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		if !v.IsSet(key) {
			return nil
		}
		b, err := parseBool(v.GetString(key))
		if err != nil {
			return configError("env", "%s: %v", key, err)
		}
		*dst = b
		return nil
	}

	str("IRCTC_USERNAME", &cfg.Credentials.Username)
	str("IRCTC_PASSWORD", &cfg.Credentials.Password)
	str("UPI_ID", &cfg.Booking.UPIID)
	str("LOGIN_TIME", &cfg.Timing.LoginTime)
	str("BOOK_NOW_START_TIME", &cfg.Timing.BookNowStartTime)
	str("CAPTCHA_API_URL", &cfg.Captcha.APIURL)
	str("GCLOUD_CREDENTIALS", &cfg.Captcha.GCloudCredentials)
	str("GEMINI_API_KEY", &cfg.Captcha.GeminiAPIKey)
	str("TESSERACT_PATH", &cfg.Captcha.TesseractPath)
	str("TIMEZONE", &cfg.Timezone)

	for _, err := range []error{
		num("LOGIN_REFRESH_SECONDS", &cfg.Timing.LoginRefreshSeconds),
		num("BOOK_NOW_RETRY_SECONDS", &cfg.Timing.BookNowRetrySeconds),
		num("BOOK_NOW_MAX_SECONDS", &cfg.Timing.BookNowMaxSeconds),
		integer("SLOW_MO", &cfg.SlowMoMs),
		flag("MANUAL_CAPTCHA", &cfg.Captcha.Manual),
		flag("MANUAL_CAPTCHA_FALLBACK", &cfg.Captcha.ManualFallback),
		flag("HEADLESS", &cfg.Headless),
		flag("DEBUG", &cfg.DebugMode),
		flag("SAVE_LOG_FILES", &cfg.SaveLogFiles),
		flag("DRY_RUN", &cfg.DryRun),
		flag("USE_MASTER_PASSENGER_LIST", &cfg.Booking.UseMasterPassengerList),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off", "":
		return false, nil
	}
	return false, errors.New("expected true/false, got " + strconv.Quote(s))
}
