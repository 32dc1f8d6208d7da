// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/log"
)

func envLogger() zerolog.Logger {
	return log.WithComponent("config")
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "token") || strings.Contains(lower, "password") || strings.Contains(lower, "secret")
}

func logEnvChoice(logger zerolog.Logger, key, rendered, source string, sensitive bool) {
	ev := logger.Debug().Str("key", key).Str("source", source)
	if sensitive {
		ev.Bool("sensitive", true).Msg("using environment variable")
		return
	}
	ev.Str("value", rendered).Msg(source + " value applied")
}

// ParseString reads a string from an environment variable or returns the
// default. The chosen source is logged; values of keys that look like
// secrets are never logged.
func ParseString(key, defaultValue string) string {
	logger := envLogger()
	if v, ok := os.LookupEnv(key); ok && v != "" {
		logEnvChoice(logger, key, v, "environment", sensitiveKey(key))
		return v
	}
	logEnvChoice(logger, key, defaultValue, "default", sensitiveKey(key))
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the
// default. Invalid values log a warning and fall back.
func ParseInt(key string, defaultValue int) int {
	logger := envLogger()
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			logEnvChoice(logger, key, v, "environment", false)
			return i
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	logEnvChoice(logger, key, strconv.Itoa(defaultValue), "default", false)
	return defaultValue
}

// ParseFloat reads a float64 from an environment variable or returns the
// default.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := envLogger()
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			logEnvChoice(logger, key, v, "environment", false)
			return f
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
		return defaultValue
	}
	logEnvChoice(logger, key, strconv.FormatFloat(defaultValue, 'g', -1, 64), "default", false)
	return defaultValue
}

// ParseBool reads a boolean from an environment variable or returns the
// default. Accepts true/false, 1/0 and yes/no, case-insensitive.
func ParseBool(key string, defaultValue bool) bool {
	logger := envLogger()
	if v, ok := os.LookupEnv(key); ok && v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			logEnvChoice(logger, key, "true", "environment", false)
			return true
		case "false", "0", "no":
			logEnvChoice(logger, key, "false", "environment", false)
			return false
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Bool("default", defaultValue).
			Msg("invalid boolean in environment variable, using default")
		return defaultValue
	}
	logEnvChoice(logger, key, strconv.FormatBool(defaultValue), "default", false)
	return defaultValue
}

// ParseDuration reads a Go duration ("30s", "5m") from an environment
// variable or returns the default.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := envLogger()
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			logEnvChoice(logger, key, d.String(), "environment", false)
			return d
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	logEnvChoice(logger, key, defaultValue.String(), "default", false)
	return defaultValue
}
