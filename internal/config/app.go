// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// App is the daemon's bootstrap configuration, resolved once at startup
// with precedence environment > config.yaml > defaults. Everything that
// may change at runtime lives in the JSON settings documents instead.
type App struct {
	DataDir  string
	Listen   string
	LogLevel string

	// Aggregator connection
	AggregatorURL string
	Username      string
	Password      string
	Token         string // optional pre-seeded bearer token
	HTTPTimeout   time.Duration

	// Probing
	FFmpegPath         string
	ProbeProxy         string
	StreamAllowPrivate bool

	// Optional Redis cache backend; empty selects the in-memory cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Probe history ledger (sqlite)
	HistoryDB string

	// Tracing
	OTELEnabled     bool
	OTELEndpoint    string
	OTELProtocol    string
	OTELSampleRatio float64
}

// fileConfig mirrors App in config.yaml. Pointer fields distinguish an
// absent key from a zero value, so the file only overrides what it
// actually names.
type fileConfig struct {
	DataDir  *string `yaml:"data_dir"`
	Listen   *string `yaml:"listen"`
	LogLevel *string `yaml:"log_level"`

	DispatcharrURL      *string `yaml:"dispatcharr_url"`
	DispatcharrUsername *string `yaml:"dispatcharr_username"`
	DispatcharrPassword *string `yaml:"dispatcharr_password"`
	DispatcharrToken    *string `yaml:"dispatcharr_token"`
	HTTPTimeout         *string `yaml:"http_timeout"`

	FFmpegPath         *string `yaml:"ffmpeg_path"`
	ProbeProxy         *string `yaml:"probe_proxy"`
	StreamAllowPrivate *bool   `yaml:"stream_allow_private"`

	RedisAddr     *string `yaml:"redis_addr"`
	RedisPassword *string `yaml:"redis_password"`
	RedisDB       *int    `yaml:"redis_db"`

	HistoryDB *string `yaml:"history_db"`

	OTELEnabled     *bool    `yaml:"otel_enabled"`
	OTELEndpoint    *string  `yaml:"otel_endpoint"`
	OTELProtocol    *string  `yaml:"otel_protocol"`
	OTELSampleRatio *float64 `yaml:"otel_sample_ratio"`
}

func defaultApp() App {
	return App{
		DataDir:  "/data",
		Listen:   ":8089",
		LogLevel: "info",

		HTTPTimeout: 30 * time.Second,

		FFmpegPath: "ffmpeg",

		OTELEndpoint:    "localhost:4317",
		OTELProtocol:    "grpc",
		OTELSampleRatio: 1.0,
	}
}

// Load resolves the bootstrap configuration. A non-empty path names a
// YAML file whose values sit between the hardcoded defaults and the
// CHECKARR_* environment.
func Load(path string) (App, error) {
	def := defaultApp()
	if path != "" {
		if err := applyFile(path, &def); err != nil {
			return App{}, err
		}
	}
	return fromEnv(def), nil
}

// FromEnv builds the bootstrap configuration from CHECKARR_* variables
// alone, without a config file.
func FromEnv() App {
	return fromEnv(defaultApp())
}

func applyFile(path string, def *App) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&def.DataDir, fc.DataDir)
	setString(&def.Listen, fc.Listen)
	setString(&def.LogLevel, fc.LogLevel)
	setString(&def.AggregatorURL, fc.DispatcharrURL)
	setString(&def.Username, fc.DispatcharrUsername)
	setString(&def.Password, fc.DispatcharrPassword)
	setString(&def.Token, fc.DispatcharrToken)
	setString(&def.FFmpegPath, fc.FFmpegPath)
	setString(&def.ProbeProxy, fc.ProbeProxy)
	setString(&def.RedisAddr, fc.RedisAddr)
	setString(&def.RedisPassword, fc.RedisPassword)
	setString(&def.HistoryDB, fc.HistoryDB)
	setString(&def.OTELEndpoint, fc.OTELEndpoint)
	setString(&def.OTELProtocol, fc.OTELProtocol)

	if fc.HTTPTimeout != nil {
		d, err := time.ParseDuration(*fc.HTTPTimeout)
		if err != nil {
			return fmt.Errorf("config file %s: http_timeout: %w", path, err)
		}
		def.HTTPTimeout = d
	}
	if fc.StreamAllowPrivate != nil {
		def.StreamAllowPrivate = *fc.StreamAllowPrivate
	}
	if fc.RedisDB != nil {
		def.RedisDB = *fc.RedisDB
	}
	if fc.OTELEnabled != nil {
		def.OTELEnabled = *fc.OTELEnabled
	}
	if fc.OTELSampleRatio != nil {
		def.OTELSampleRatio = *fc.OTELSampleRatio
	}
	return nil
}

func fromEnv(def App) App {
	dataDir := ParseString("CHECKARR_DATA_DIR", def.DataDir)
	historyDefault := def.HistoryDB
	if historyDefault == "" {
		historyDefault = filepath.Join(dataDir, "history.db")
	}

	return App{
		DataDir:  dataDir,
		Listen:   ParseString("CHECKARR_LISTEN", def.Listen),
		LogLevel: ParseString("CHECKARR_LOG_LEVEL", def.LogLevel),

		AggregatorURL: ParseString("CHECKARR_DISPATCHARR_URL", def.AggregatorURL),
		Username:      ParseString("CHECKARR_DISPATCHARR_USERNAME", def.Username),
		Password:      ParseString("CHECKARR_DISPATCHARR_PASSWORD", def.Password),
		Token:         ParseString("CHECKARR_DISPATCHARR_TOKEN", def.Token),
		HTTPTimeout:   ParseDuration("CHECKARR_HTTP_TIMEOUT", def.HTTPTimeout),

		FFmpegPath:         ParseString("CHECKARR_FFMPEG_PATH", def.FFmpegPath),
		ProbeProxy:         ParseString("CHECKARR_PROBE_PROXY", def.ProbeProxy),
		StreamAllowPrivate: ParseBool("CHECKARR_STREAM_ALLOW_PRIVATE", def.StreamAllowPrivate),

		RedisAddr:     ParseString("CHECKARR_REDIS_ADDR", def.RedisAddr),
		RedisPassword: ParseString("CHECKARR_REDIS_PASSWORD", def.RedisPassword),
		RedisDB:       ParseInt("CHECKARR_REDIS_DB", def.RedisDB),

		HistoryDB: ParseString("CHECKARR_HISTORY_DB", historyDefault),

		OTELEnabled:     ParseBool("CHECKARR_OTEL_ENABLED", def.OTELEnabled),
		OTELEndpoint:    ParseString("CHECKARR_OTEL_ENDPOINT", def.OTELEndpoint),
		OTELProtocol:    ParseString("CHECKARR_OTEL_PROTOCOL", def.OTELProtocol),
		OTELSampleRatio: ParseFloat("CHECKARR_OTEL_SAMPLE_RATIO", def.OTELSampleRatio),
	}
}

// Validate checks the bootstrap configuration for fatal mistakes.
func (a App) Validate() error {
	if a.DataDir == "" {
		return fmt.Errorf("CHECKARR_DATA_DIR must not be empty")
	}
	if a.AggregatorURL == "" {
		return fmt.Errorf("CHECKARR_DISPATCHARR_URL is required")
	}
	u, err := url.Parse(a.AggregatorURL)
	if err != nil {
		return fmt.Errorf("CHECKARR_DISPATCHARR_URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("CHECKARR_DISPATCHARR_URL: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("CHECKARR_DISPATCHARR_URL: missing host")
	}
	if a.Token == "" && (a.Username == "" || a.Password == "") {
		return fmt.Errorf("aggregator credentials required: set CHECKARR_DISPATCHARR_USERNAME/PASSWORD or CHECKARR_DISPATCHARR_TOKEN")
	}
	if a.HTTPTimeout <= 0 {
		return fmt.Errorf("CHECKARR_HTTP_TIMEOUT must be positive")
	}
	if a.FFmpegPath == "" {
		return fmt.Errorf("CHECKARR_FFMPEG_PATH must not be empty")
	}
	if a.OTELEnabled && a.OTELProtocol != "grpc" && a.OTELProtocol != "http" {
		return fmt.Errorf("CHECKARR_OTEL_PROTOCOL: unsupported protocol %q", a.OTELProtocol)
	}
	return nil
}
