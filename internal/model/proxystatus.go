// SPDX-License-Identifier: MIT

package model

import "strconv"

// ProxyStatus is the aggregator's real-time channel activity map, keyed by
// channel id rendered as a decimal string.
type ProxyStatus map[string]ProxyStreamState

// ProxyStreamState describes one channel's live proxy session.
type ProxyStreamState struct {
	State         string      `json:"state,omitempty"`
	M3UProfileID  FlexInt     `json:"m3u_profile_id,omitempty"`
	CurrentStream string      `json:"current_stream,omitempty"`
	Active        bool        `json:"active,omitempty"`
	Clients       ClientCount `json:"clients,omitempty"`
}

// IsActive reports whether the channel currently serves real viewers.
func (s ProxyStreamState) IsActive() bool {
	return s.State == "active" || s.CurrentStream != "" || s.Active || s.Clients > 0
}

// ChannelActive reports whether the given channel has an active session.
func (ps ProxyStatus) ChannelActive(channelID int) bool {
	state, ok := ps[strconv.Itoa(channelID)]
	return ok && state.IsActive()
}

// CountActiveOnProfile counts channels whose active session runs on the
// given M3U profile.
func (ps ProxyStatus) CountActiveOnProfile(profileID int) int {
	n := 0
	for _, state := range ps {
		if state.IsActive() && state.M3UProfileID.Int() == profileID {
			n++
		}
	}
	return n
}
