package main

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

// Test locale detection
func TestDetectSystemLocale(t *testing.T) {
	// Save original env vars
	origLang := os.Getenv("LANG")
	origLcAll := os.Getenv("LC_ALL")
	origLcMessages := os.Getenv("LC_MESSAGES")

	// Restore after test
	defer func() {
		os.Setenv("LANG", origLang)
		os.Setenv("LC_ALL", origLcAll)
		os.Setenv("LC_MESSAGES", origLcMessages)
	}()

	testCases := []struct {
		name           string
		lang           string
		lcAll          string
		lcMessages     string
		expectedLocale string
	}{
		{
			name:           "English US locale from LANG",
			lang:           "en_US.UTF-8",
			lcAll:          "",
			lcMessages:     "",
			expectedLocale: "en_US",
		},
		{
			name:           "Hindi locale from LANG",
			lang:           "hi_IN.UTF-8",
			lcAll:          "",
			lcMessages:     "",
			expectedLocale: "hi_IN",
		},
		{
			name:           "LANG takes precedence when both LANG and LC_ALL are set",
			lang:           "en_US.UTF-8",
			lcAll:          "hi_IN.UTF-8",
			lcMessages:     "",
			expectedLocale: "en_US", // Current implementation checks LANG first
		},
		{
			name:           "LC_ALL used when LANG is empty",
			lang:           "",
			lcAll:          "hi_IN.UTF-8",
			lcMessages:     "",
			expectedLocale: "hi_IN",
		},
		{
			name:           "Fallback to en_US when empty",
			lang:           "",
			lcAll:          "",
			lcMessages:     "",
			expectedLocale: "en_US",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Set environment variables
			os.Setenv("LANG", tc.lang)
			os.Setenv("LC_ALL", tc.lcAll)
			os.Setenv("LC_MESSAGES", tc.lcMessages)

			// Detect locale
			detectedLocale := DetectSystemLocale()

			if detectedLocale != tc.expectedLocale {
				t.Errorf("Expected locale '%s', got '%s'", tc.expectedLocale, detectedLocale)
			} else {
				t.Logf("✓ Correctly detected locale: %s", detectedLocale)
			}
		})
	}
}

// Test locale loading
func TestLoadLocale(t *testing.T) {
	t.Run("Bundled English", func(t *testing.T) {
		locale, err := LoadLocale("en_US")
		if err != nil {
			t.Fatalf("LoadLocale(en_US): %v", err)
		}
		if locale.locale != "en_US" {
			t.Errorf("Expected locale 'en_US', got '%s'", locale.locale)
		}
		if locale.translations["step_login"] == "" {
			t.Error("Expected step_login translation in bundled en_US")
		}
	})

	t.Run("Unknown locale", func(t *testing.T) {
		if _, err := LoadLocale("xx_XX"); err == nil {
			t.Error("Expected error for a locale without translations")
		}
	})

	t.Run("Malformed file", func(t *testing.T) {
		if _, err := parseLocale("broken", []byte("key: [unterminated")); err == nil {
			t.Error("Expected parse error")
		}
	})

	t.Run("Parse file", func(t *testing.T) {
		locale, err := parseLocale("test_locale", []byte("test_key: \"Test Value\"\ntest_with_param: \"Hello, %s!\"\n"))
		if err != nil {
			t.Fatalf("parseLocale: %v", err)
		}
		if locale.translations["test_key"] != "Test Value" {
			t.Errorf("Expected 'Test Value', got '%s'", locale.translations["test_key"])
		}
	})
}

// Test T() translation function
func TestTranslationFunction(t *testing.T) {
	// Set up a test locale
	testLocale := &Locale{
		translations: map[string]string{
			"simple_key":           "Simple Translation",
			"key_with_param":       "Hello, %s!",
			"key_with_two_params":  "User %s has %d messages",
			"browser_using_system_chrome": "✓ Using system Chrome browser",
			"error_chrome_already_running": "browser already running - please close Chrome completely",
			"error_macos_permission_header": "\n⚠️  macOS Security Warning: Cannot create directory",
		},
		locale: "test",
	}

	// Set as global locale
	originalLocale := globalLocale
	globalLocale = testLocale
	defer func() {
		globalLocale = originalLocale
	}()

	testCases := []struct {
		name           string
		key            string
		params         []interface{}
		expectedOutput string
	}{
		{
			name:           "Simple translation",
			key:            "simple_key",
			params:         nil,
			expectedOutput: "Simple Translation",
		},
		{
			name:           "Translation with one parameter",
			key:            "key_with_param",
			params:         []interface{}{"World"},
			expectedOutput: "Hello, World!",
		},
		{
			name:           "Translation with two parameters",
			key:            "key_with_two_params",
			params:         []interface{}{"Alice", 5},
			expectedOutput: "User Alice has 5 messages",
		},
		{
			name:           "Browser message translation",
			key:            "browser_using_system_chrome",
			params:         nil,
			expectedOutput: "✓ Using system Chrome browser",
		},
		{
			name:           "Error message translation",
			key:            "error_chrome_already_running",
			params:         nil,
			expectedOutput: "browser already running - please close Chrome completely",
		},
		{
			name:           "Missing key returns key itself",
			key:            "nonexistent_key",
			params:         nil,
			expectedOutput: "nonexistent_key",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := T(tc.key, tc.params...)

			if result != tc.expectedOutput {
				t.Errorf("Expected '%s', got '%s'", tc.expectedOutput, result)
			} else {
				t.Logf("✓ T(%s) = '%s'", tc.key, result)
			}
		})
	}
}

// Test GetLocale function
func TestGetLocale(t *testing.T) {
	// Test with no global locale
	originalLocale := globalLocale
	globalLocale = nil

	result := GetLocale()
	if result != "en_US" {
		t.Errorf("Expected default locale 'en_US' when globalLocale is nil, got '%s'", result)
	}

	// Test with global locale set
	globalLocale = &Locale{
		translations: map[string]string{},
		locale:       "hi_IN",
	}

	result = GetLocale()
	if result != "hi_IN" {
		t.Errorf("Expected locale 'hi_IN', got '%s'", result)
	}

	// Restore
	globalLocale = originalLocale

	t.Log("✓ GetLocale() returns correct locale")
}

// Every T("...") key used by the program must exist in the bundled English file.
func TestLocalizationKeysExist(t *testing.T) {
	locale, err := LoadLocale("en_US")
	if err != nil {
		t.Fatalf("LoadLocale(en_US): %v", err)
	}

	keyPattern := regexp.MustCompile(`\bT\("([a-z0-9_]+)"`)
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatal(err)
	}

	checked := 0
	for _, file := range files {
		if strings.HasSuffix(file, "_test.go") {
			continue
		}
		data, err := os.ReadFile(file)
		if err != nil {
			t.Fatal(err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "//") {
				continue
			}
			for _, m := range keyPattern.FindAllStringSubmatch(line, -1) {
				checked++
				if _, ok := locale.translations[m[1]]; !ok {
					t.Errorf("%s: key %q missing from lang/en_US.yaml", file, m[1])
				}
			}
		}
	}

	if checked == 0 {
		t.Fatal("no translation keys found in sources")
	}
}

// Test T() function with nil global locale
func TestTranslationWithNilGlobalLocale(t *testing.T) {
	// Save original
	originalLocale := globalLocale
	globalLocale = nil
	defer func() {
		globalLocale = originalLocale
	}()

	// T() should return the key when globalLocale is nil
	result := T("test_key")
	if result != "test_key" {
		t.Errorf("Expected T() to return key when globalLocale is nil, got '%s'", result)
	} else {
		t.Log("✓ T() returns key when globalLocale is nil")
	}
}

// Test locale fallback behavior
func TestLocaleFallback(t *testing.T) {
	originalLocale := globalLocale
	defer func() {
		globalLocale = originalLocale
	}()

	testCases := []struct {
		name           string
		lang           string
		expectedLocale string
	}{
		{name: "Valid locale - no fallback", lang: "en_US.UTF-8", expectedLocale: "en_US"},
		{name: "Missing locale - fallback to en_US", lang: "hi_IN.UTF-8", expectedLocale: "en_US"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("LANG", tc.lang)
			if err := InitLocale(); err != nil {
				t.Fatalf("InitLocale: %v", err)
			}
			if GetLocale() != tc.expectedLocale {
				t.Errorf("Expected locale '%s', got '%s'", tc.expectedLocale, GetLocale())
			}
		})
	}
}
