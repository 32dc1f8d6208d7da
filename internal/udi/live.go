// SPDX-License-Identifier: MIT

package udi

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/model"
)

// ProxyStatus returns the aggregator's live channel activity map,
// cached for a few seconds. A fetch failure with nothing cached comes
// back as an error; callers treat that as "assume no viewers".
func (x *Index) ProxyStatus(ctx context.Context) (model.ProxyStatus, error) {
	if cached, ok := x.proxyStatus.Get(); ok {
		return cached, nil
	}
	status, err := x.client.ProxyStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("udi: proxy status: %w", err)
	}
	x.proxyStatus.Set(status)
	return status, nil
}

// InvalidateProxyStatus drops the cached viewer map, forcing the next
// read to refetch.
func (x *Index) InvalidateProxyStatus() {
	x.proxyStatus.Invalidate()
}

// IsChannelActive reports whether the channel currently serves real
// viewers. Errors degrade to "not active" so a flaky proxy endpoint
// does not stall checking.
func (x *Index) IsChannelActive(ctx context.Context, channelID int) bool {
	status, err := x.ProxyStatus(ctx)
	if err != nil {
		logger := log.WithComponentFromContext(ctx, "udi")
		logger.Debug().Err(err).
			Int(log.FieldChannelID, channelID).
			Msg("proxy status unavailable, assuming channel inactive")
		return false
	}
	return status.ChannelActive(channelID)
}

// ActiveStreamsForProvider counts channels actively viewing through any
// of the provider's profiles.
func (x *Index) ActiveStreamsForProvider(ctx context.Context, providerID int) int {
	provider, ok := x.ProviderByID(providerID)
	if !ok {
		return 0
	}
	status, err := x.ProxyStatus(ctx)
	if err != nil {
		return 0
	}
	total := 0
	for _, prof := range provider.Profiles {
		total += status.CountActiveOnProfile(prof.ID)
	}
	return total
}

// ActiveOnProfile counts channels actively viewing through one profile.
func (x *Index) ActiveOnProfile(ctx context.Context, profileID int) int {
	status, err := x.ProxyStatus(ctx)
	if err != nil {
		return 0
	}
	return status.CountActiveOnProfile(profileID)
}

func (x *Index) checkingForProvider(providerID int) int {
	x.mu.RLock()
	src := x.checking
	x.mu.RUnlock()
	if src == nil {
		return 0
	}
	return src.CheckingForProvider(providerID)
}

func (x *Index) checkingOnProfile(profileID int) int {
	x.mu.RLock()
	src := x.checking
	x.mu.RUnlock()
	if src == nil {
		return 0
	}
	return src.CheckingOnProfile(profileID)
}

// profileHasSlot applies the active+checking arithmetic to one profile.
func (x *Index) profileHasSlot(ctx context.Context, prof model.Profile) bool {
	if !prof.IsActive {
		return false
	}
	if prof.MaxStreams == 0 {
		return true
	}
	return x.ActiveOnProfile(ctx, prof.ID)+x.checkingOnProfile(prof.ID) < prof.MaxStreams
}

// AvailableProfiles returns the provider profiles that currently have a
// free slot, in the provider's profile order.
func (x *Index) AvailableProfiles(ctx context.Context, providerID int) []model.Profile {
	provider, ok := x.ProviderByID(providerID)
	if !ok {
		return nil
	}
	var out []model.Profile
	for _, prof := range provider.Profiles {
		if x.profileHasSlot(ctx, prof) {
			out = append(out, prof)
		}
	}
	return out
}

// FullProfiles returns the provider's active profiles that are at
// capacity right now, for phase-2 failover polling.
func (x *Index) FullProfiles(ctx context.Context, providerID int) []model.Profile {
	provider, ok := x.ProviderByID(providerID)
	if !ok {
		return nil
	}
	var out []model.Profile
	for _, prof := range provider.Profiles {
		if prof.IsActive && !x.profileHasSlot(ctx, prof) {
			out = append(out, prof)
		}
	}
	return out
}

// FindAvailableProfileForStream picks the first profile of the stream's
// provider with a free slot. Custom streams have no profile.
func (x *Index) FindAvailableProfileForStream(ctx context.Context, stream model.Stream) (model.Profile, bool) {
	providerID, ok := stream.ProviderID()
	if !ok {
		return model.Profile{}, false
	}
	profiles := x.AvailableProfiles(ctx, providerID)
	if len(profiles) == 0 {
		return model.Profile{}, false
	}
	return profiles[0], true
}

// CheckStreamCanRun decides whether probing the stream right now would
// exceed the provider's budget. Custom streams and accounts without
// profiles fall back to the account-level budget.
func (x *Index) CheckStreamCanRun(ctx context.Context, stream model.Stream) (bool, string) {
	providerID, hasProvider := stream.ProviderID()
	if !hasProvider {
		return true, ""
	}
	provider, ok := x.ProviderByID(providerID)
	if !ok {
		// An unknown provider cannot be budgeted; let the probe proceed
		// and the aggregator refresh catch up.
		return true, ""
	}

	if len(provider.ActiveProfiles()) == 0 {
		max := provider.MaxStreams
		if max == 0 {
			return true, ""
		}
		used := x.ActiveStreamsForProvider(ctx, providerID) + x.checkingForProvider(providerID)
		if used < max {
			return true, ""
		}
		return false, fmt.Sprintf("provider %q at capacity (%d/%d)", provider.Name, used, max)
	}

	for _, prof := range provider.ActiveProfiles() {
		if x.profileHasSlot(ctx, prof) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("all profiles of provider %q at capacity", provider.Name)
}

// backrefPattern matches $1..$99 in a replace pattern.
var backrefPattern = regexp.MustCompile(`\$(\d{1,2})`)

// ApplyProfileURLTransform rewrites a stream URL through the profile's
// search/replace rule. The original URL comes back unchanged when the
// rule is absent, the search does not match, the regex is invalid or
// the result has no recognizable stream protocol.
func ApplyProfileURLTransform(rawURL string, prof model.Profile) string {
	if !prof.HasTransform() {
		return rawURL
	}
	re, err := regexp.Compile(prof.SearchPattern)
	if err != nil {
		return rawURL
	}
	if !re.MatchString(rawURL) {
		return rawURL
	}

	// $N backrefs become ${N} so a following digit can never extend the
	// group number.
	replace := backrefPattern.ReplaceAllStringFunc(prof.ReplacePattern, func(m string) string {
		n, _ := strconv.Atoi(m[1:])
		return "${" + strconv.Itoa(n) + "}"
	})

	result := re.ReplaceAllString(rawURL, replace)
	if !validStreamProtocol(result) {
		return rawURL
	}
	return result
}

func validStreamProtocol(url string) bool {
	for _, prefix := range []string{"http://", "https://", "rtmp://", "rtmps://"} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// TransformedStreamURL applies the given profile (or the first
// available one) to the stream's URL.
func (x *Index) TransformedStreamURL(ctx context.Context, stream model.Stream, prof *model.Profile) string {
	if prof != nil {
		return ApplyProfileURLTransform(stream.URL, *prof)
	}
	if p, ok := x.FindAvailableProfileForStream(ctx, stream); ok {
		return ApplyProfileURLTransform(stream.URL, p)
	}
	return stream.URL
}
