package config

import (
	"testing"
	"time"
)

func TestParseString(t *testing.T) {
	t.Setenv("CHECKARR_TEST_STR", "value-from-env")
	if got := ParseString("CHECKARR_TEST_STR", "fallback"); got != "value-from-env" {
		t.Errorf("ParseString() = %q, want value-from-env", got)
	}
	if got := ParseString("CHECKARR_TEST_STR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("ParseString() = %q, want fallback", got)
	}

	t.Setenv("CHECKARR_TEST_EMPTY", "")
	if got := ParseString("CHECKARR_TEST_EMPTY", "fallback"); got != "fallback" {
		t.Errorf("ParseString() on empty = %q, want fallback", got)
	}
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   int
		want  int
	}{
		{"valid", "42", 7, 42},
		{"negative", "-3", 7, -3},
		{"invalid", "forty-two", 7, 7},
		{"empty", "", 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CHECKARR_TEST_INT", tt.value)
			if got := ParseInt("CHECKARR_TEST_INT", tt.def); got != tt.want {
				t.Errorf("ParseInt(%q) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"maybe", true, true},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("CHECKARR_TEST_BOOL", tt.value)
			if got := ParseBool("CHECKARR_TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("ParseBool(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Setenv("CHECKARR_TEST_DUR", "90s")
	if got := ParseDuration("CHECKARR_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("ParseDuration() = %v, want 90s", got)
	}

	t.Setenv("CHECKARR_TEST_DUR", "ninety")
	if got := ParseDuration("CHECKARR_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("ParseDuration() on invalid = %v, want 1m", got)
	}
}

func TestParseFloat(t *testing.T) {
	t.Setenv("CHECKARR_TEST_FLOAT", "0.25")
	if got := ParseFloat("CHECKARR_TEST_FLOAT", 1.0); got != 0.25 {
		t.Errorf("ParseFloat() = %v, want 0.25", got)
	}

	t.Setenv("CHECKARR_TEST_FLOAT", "abc")
	if got := ParseFloat("CHECKARR_TEST_FLOAT", 1.0); got != 1.0 {
		t.Errorf("ParseFloat() on invalid = %v, want 1.0", got)
	}
}

func TestAppValidate(t *testing.T) {
	valid := App{
		DataDir:       "/data",
		AggregatorURL: "http://dispatcharr:9191",
		Username:      "admin",
		Password:      "secret",
		HTTPTimeout:   30 * time.Second,
		FFmpegPath:    "ffmpeg",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*App)
	}{
		{"missing url", func(a *App) { a.AggregatorURL = "" }},
		{"bad scheme", func(a *App) { a.AggregatorURL = "ftp://x" }},
		{"missing host", func(a *App) { a.AggregatorURL = "http://" }},
		{"no credentials", func(a *App) { a.Username, a.Password, a.Token = "", "", "" }},
		{"zero timeout", func(a *App) { a.HTTPTimeout = 0 }},
		{"empty data dir", func(a *App) { a.DataDir = "" }},
		{"empty ffmpeg", func(a *App) { a.FFmpegPath = "" }},
		{"bad otel protocol", func(a *App) { a.OTELEnabled = true; a.OTELProtocol = "udp" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	// Token alone is a valid credential.
	cfg := valid
	cfg.Username, cfg.Password = "", ""
	cfg.Token = "eyJhbGciOi"
	if err := cfg.Validate(); err != nil {
		t.Errorf("token-only credentials rejected: %v", err)
	}
}
