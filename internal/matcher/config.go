// SPDX-License-Identifier: MIT

package matcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Pattern is one regex with an optional provider scope. An empty or nil
// provider list means the pattern applies to streams from any provider.
type Pattern struct {
	Pattern   string `json:"pattern"`
	Providers []int  `json:"m3u_accounts,omitempty"`
}

// AppliesTo reports whether the pattern is in scope for a stream from
// the given provider (nil for custom streams).
func (p Pattern) AppliesTo(providerID *int) bool {
	if len(p.Providers) == 0 {
		return true
	}
	if providerID == nil {
		return false
	}
	for _, id := range p.Providers {
		if id == *providerID {
			return true
		}
	}
	return false
}

// ChannelRule is the per-channel pattern list.
type ChannelRule struct {
	Name     string    `json:"name"`
	Patterns []Pattern `json:"regex_patterns"`
	Enabled  bool      `json:"enabled"`
}

// GlobalSettings apply to every match.
type GlobalSettings struct {
	CaseSensitive     bool `json:"case_sensitive"`
	RequireExactMatch bool `json:"require_exact_match"`
}

// Config is the channel_regex_config.json document.
type Config struct {
	Patterns       ruleSet        `json:"patterns"`
	GlobalSettings GlobalSettings `json:"global_settings"`
}

// ruleSet is an ordered map from channel id to rule. Iteration order is
// the file's key order, so match results stay stable across loads; the
// stock map type would shuffle channels on every start.
type ruleSet struct {
	byChannel map[int]ChannelRule
	order     []int
}

func newRuleSet() ruleSet {
	return ruleSet{byChannel: make(map[int]ChannelRule)}
}

// get returns the rule for a channel.
func (r *ruleSet) get(channelID int) (ChannelRule, bool) {
	rule, ok := r.byChannel[channelID]
	return rule, ok
}

// set inserts or replaces a rule, appending new channels at the end.
func (r *ruleSet) set(channelID int, rule ChannelRule) {
	if r.byChannel == nil {
		r.byChannel = make(map[int]ChannelRule)
	}
	if _, exists := r.byChannel[channelID]; !exists {
		r.order = append(r.order, channelID)
	}
	r.byChannel[channelID] = rule
}

// remove drops a channel's rule.
func (r *ruleSet) remove(channelID int) bool {
	if _, exists := r.byChannel[channelID]; !exists {
		return false
	}
	delete(r.byChannel, channelID)
	for i, id := range r.order {
		if id == channelID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// channels returns the channel ids in insertion order.
func (r *ruleSet) channels() []int {
	out := make([]int, len(r.order))
	copy(out, r.order)
	return out
}

func (r *ruleSet) len() int { return len(r.byChannel) }

// UnmarshalJSON decodes the object while recording key order.
func (r *ruleSet) UnmarshalJSON(b []byte) error {
	*r = newRuleSet()

	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("patterns: expected object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		channelID, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("patterns: channel key %q is not an integer", key)
		}
		var rule ChannelRule
		if err := dec.Decode(&rule); err != nil {
			return fmt.Errorf("patterns: channel %d: %w", channelID, err)
		}
		r.set(channelID, rule)
	}
	return nil
}

// MarshalJSON writes the object back in insertion order.
func (r ruleSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range r.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(strconv.Itoa(id))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(r.byChannel[id])
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// clone deep-copies the rule set.
func (r ruleSet) clone() ruleSet {
	out := newRuleSet()
	for _, id := range r.order {
		rule := r.byChannel[id]
		patterns := make([]Pattern, len(rule.Patterns))
		for i, p := range rule.Patterns {
			patterns[i] = Pattern{Pattern: p.Pattern}
			if len(p.Providers) > 0 {
				patterns[i].Providers = append([]int(nil), p.Providers...)
			}
		}
		rule.Patterns = patterns
		out.set(id, rule)
	}
	return out
}

// sortedProviderSet normalizes a provider filter for persistence.
func sortedProviderSet(ids []int) []int {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
