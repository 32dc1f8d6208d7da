// SPDX-License-Identifier: MIT

// Package matcher assigns provider streams to channels via per-channel
// regex rules. Patterns may carry the CHANNEL_NAME token (replaced with
// the escaped channel name) and a provider filter; literal spaces match
// any whitespace run so playlist naming quirks don't break rules.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/checkarr/checkarr/internal/fsio"
	"github.com/checkarr/checkarr/internal/log"
)

// ChannelNameToken in a pattern stands for the channel's own name.
const ChannelNameToken = "CHANNEL_NAME"

// validationPlaceholder substitutes the token when a rule is validated
// without a concrete channel name.
const validationPlaceholder = "PLACEHOLDER"

// Matcher owns the regex config document and the compiled pattern cache.
type Matcher struct {
	mu     sync.RWMutex
	cfg    Config
	path   string
	logger zerolog.Logger

	cacheMu sync.Mutex
	cache   map[string]*regexp.Regexp
}

// Open loads the config at path, drops channels with uncompilable
// patterns and persists the cleaned document when anything was removed.
// That cleanup is the only automatic write.
func Open(ctx context.Context, path string) *Matcher {
	m := &Matcher{
		path:   path,
		logger: log.WithComponent("matcher"),
		cache:  make(map[string]*regexp.Regexp),
	}
	m.cfg = Config{Patterns: newRuleSet()}

	var loaded Config
	err := fsio.LoadJSON(path, &loaded)
	switch {
	case err == nil:
		m.cfg = loaded
		if m.cfg.Patterns.byChannel == nil {
			m.cfg.Patterns = newRuleSet()
		}
	case errors.Is(err, os.ErrNotExist):
		// first start, keep the empty document in memory only
		return m
	default:
		m.logger.Warn().Err(err).Str("path", path).Msg("regex config unreadable, starting empty")
		if saveErr := fsio.SaveJSON(ctx, path, m.cfg); saveErr != nil {
			m.logger.Error().Err(saveErr).Msg("rewrite regex config")
		}
		return m
	}

	if dropped := m.cleanup(); len(dropped) > 0 {
		m.logger.Warn().
			Str("event", "matcher.cleanup").
			Ints("channel_ids", dropped).
			Msg("dropped channels with invalid regex patterns")
		if err := fsio.SaveJSON(ctx, path, m.cfg); err != nil {
			m.logger.Error().Err(err).Msg("persist cleaned regex config")
		}
	}
	return m
}

// cleanup removes channels whose rule list contains a pattern that does
// not compile, returning the dropped channel ids.
func (m *Matcher) cleanup() []int {
	var dropped []int
	settings := m.cfg.GlobalSettings
	for _, channelID := range m.cfg.Patterns.channels() {
		rule, _ := m.cfg.Patterns.get(channelID)
		for _, p := range rule.Patterns {
			if _, err := m.compile(p.Pattern, validationPlaceholder, settings); err != nil {
				dropped = append(dropped, channelID)
				break
			}
		}
	}
	for _, id := range dropped {
		m.cfg.Patterns.remove(id)
	}
	return dropped
}

// Match returns the channels whose rules match the stream name, in rule
// insertion order. providerID scopes provider-filtered patterns; pass
// nil for custom streams.
func (m *Matcher) Match(streamName string, providerID *int) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name := norm.NFC.String(streamName)
	settings := m.cfg.GlobalSettings

	var matched []int
	for _, channelID := range m.cfg.Patterns.channels() {
		rule, _ := m.cfg.Patterns.get(channelID)
		if !rule.Enabled {
			continue
		}
		for _, p := range rule.Patterns {
			if !p.AppliesTo(providerID) {
				continue
			}
			re, err := m.compile(p.Pattern, rule.Name, settings)
			if err != nil {
				// Bad patterns that slipped past load cleanup skip, they
				// must not sink the whole match pass.
				m.logger.Warn().
					Err(err).
					Int(log.FieldChannelID, channelID).
					Str("pattern", p.Pattern).
					Msg("invalid regex at match time, skipping pattern")
				continue
			}
			if re.MatchString(name) {
				matched = append(matched, channelID)
				break
			}
		}
	}
	return matched
}

// Matches reports whether the stream name matches a specific channel's
// rules.
func (m *Matcher) Matches(channelID int, streamName string, providerID *int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, ok := m.cfg.Patterns.get(channelID)
	if !ok || !rule.Enabled {
		return false
	}
	name := norm.NFC.String(streamName)
	for _, p := range rule.Patterns {
		if !p.AppliesTo(providerID) {
			continue
		}
		re, err := m.compile(p.Pattern, rule.Name, m.cfg.GlobalSettings)
		if err != nil {
			continue
		}
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// compile builds (and caches) the final regex for one pattern: the
// CHANNEL_NAME token is replaced with the escaped channel name, literal
// space runs become \s+, then the global flags apply.
func (m *Matcher) compile(pattern, channelName string, settings GlobalSettings) (*regexp.Regexp, error) {
	expanded := strings.ReplaceAll(pattern, ChannelNameToken, regexp.QuoteMeta(norm.NFC.String(channelName)))
	expanded = rewriteSpaces(expanded)
	if settings.RequireExactMatch {
		expanded = "^(?:" + expanded + ")$"
	}
	if !settings.CaseSensitive {
		expanded = "(?i)" + expanded
	}

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if re, ok := m.cache[expanded]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expanded)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	m.cache[expanded] = re
	return re, nil
}

// rewriteSpaces turns each run of literal ASCII spaces not preceded by a
// backslash into \s+.
func rewriteSpaces(pattern string) string {
	var b strings.Builder
	escaped := false
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		if c == '\\' && !escaped {
			escaped = true
			b.WriteByte(c)
			i++
			continue
		}
		if c == ' ' && !escaped {
			b.WriteString(`\s+`)
			for i < len(pattern) && pattern[i] == ' ' {
				i++
			}
			continue
		}
		escaped = false
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// Validate checks a proposed pattern list for a channel. It returns
// (false, reason) on the first uncompilable pattern.
func (m *Matcher) Validate(channelName string, patterns []Pattern) (bool, string) {
	m.mu.RLock()
	settings := m.cfg.GlobalSettings
	m.mu.RUnlock()

	if channelName == "" {
		channelName = validationPlaceholder
	}
	for i, p := range patterns {
		if strings.TrimSpace(p.Pattern) == "" {
			return false, fmt.Sprintf("pattern %d is empty", i+1)
		}
		if _, err := m.compile(p.Pattern, channelName, settings); err != nil {
			return false, fmt.Sprintf("pattern %d: %v", i+1, err)
		}
	}
	return true, ""
}

// HasRules reports whether a channel has an enabled rule.
func (m *Matcher) HasRules(channelID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.cfg.Patterns.get(channelID)
	return ok && rule.Enabled && len(rule.Patterns) > 0
}

// Rule returns a channel's rule.
func (m *Matcher) Rule(channelID int) (ChannelRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.cfg.Patterns.get(channelID)
	if !ok {
		return ChannelRule{}, false
	}
	patterns := make([]Pattern, len(rule.Patterns))
	copy(patterns, rule.Patterns)
	rule.Patterns = patterns
	return rule, true
}

// ChannelIDs returns every configured channel id in rule order.
func (m *Matcher) ChannelIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Patterns.channels()
}

// SetRule validates and persists a channel rule.
func (m *Matcher) SetRule(ctx context.Context, channelID int, rule ChannelRule) error {
	if ok, reason := m.Validate(rule.Name, rule.Patterns); !ok {
		return fmt.Errorf("matcher: invalid rule for channel %d: %s", channelID, reason)
	}
	for i := range rule.Patterns {
		rule.Patterns[i].Providers = sortedProviderSet(rule.Patterns[i].Providers)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Patterns.set(channelID, rule)
	return fsio.SaveJSON(ctx, m.path, m.cfg)
}

// RemoveRule drops a channel rule and persists.
func (m *Matcher) RemoveRule(ctx context.Context, channelID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cfg.Patterns.remove(channelID) {
		return nil
	}
	return fsio.SaveJSON(ctx, m.path, m.cfg)
}

// SetGlobalSettings persists new global flags and flushes the compiled
// cache since the flags are baked into cached expressions.
func (m *Matcher) SetGlobalSettings(ctx context.Context, settings GlobalSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.GlobalSettings = settings

	m.cacheMu.Lock()
	m.cache = make(map[string]*regexp.Regexp)
	m.cacheMu.Unlock()

	return fsio.SaveJSON(ctx, m.path, m.cfg)
}

// GlobalSettings returns the current global flags.
func (m *Matcher) GlobalSettings() GlobalSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.GlobalSettings
}

// RuleCount returns the number of configured channels.
func (m *Matcher) RuleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Patterns.len()
}
