// SPDX-License-Identifier: MIT

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/checkarr/checkarr/internal/config"
	"github.com/checkarr/checkarr/internal/model"
)

func result(streamID int, providerID int, score float64) *streamResult {
	st := model.Stream{ID: streamID}
	if providerID != 0 {
		st.M3UAccount = flexInt(providerID)
	}
	return &streamResult{stream: st, score: score}
}

func ids(results []*streamResult) []int {
	out := make([]int, len(results))
	for i, r := range results {
		out[i] = r.stream.ID
	}
	return out
}

func TestDiversifyRoundRobin(t *testing.T) {
	in := []*streamResult{
		result(1, 100, 0.9),
		result(2, 100, 0.8),
		result(3, 200, 0.7),
		result(4, 200, 0.6),
	}

	out := diversify(in, config.DiversifyRoundRobin)

	// Providers alternate in ascending id order per round.
	assert.Equal(t, []int{1, 3, 2, 4}, ids(out))
}

func TestDiversifyKeepsNoProviderStreamsAtTail(t *testing.T) {
	in := []*streamResult{
		result(1, 0, 0.95),
		result(2, 100, 0.9),
		result(3, 200, 0.8),
	}

	out := diversify(in, config.DiversifyRoundRobin)

	assert.Equal(t, []int{2, 3, 1}, ids(out))
}

func TestDiversifyWeightedLeadsWithBestRemaining(t *testing.T) {
	in := []*streamResult{
		result(1, 200, 0.9),
		result(2, 100, 0.8),
		result(3, 200, 0.7),
		result(4, 100, 0.6),
	}

	out := diversify(in, config.DiversifyWeighted)

	// Provider 200 holds the best remaining stream each round, so it
	// leads despite the higher id.
	assert.Equal(t, []int{1, 2, 3, 4}, ids(out))
}

func TestDiversifyUnevenBuckets(t *testing.T) {
	in := []*streamResult{
		result(1, 100, 0.9),
		result(2, 100, 0.8),
		result(3, 100, 0.7),
		result(4, 200, 0.6),
	}

	out := diversify(in, config.DiversifyRoundRobin)

	assert.Equal(t, []int{1, 4, 2, 3}, ids(out))
}

func TestApplyAccountLimitsPerProvider(t *testing.T) {
	in := []*streamResult{
		result(1, 100, 0.9),
		result(2, 100, 0.8),
		result(3, 200, 0.7),
		result(4, 100, 0.6),
	}
	limits := config.AccountLimitSettings{
		Enabled:     true,
		GlobalLimit: 0,
		Limits:      map[int]int{100: 2},
	}

	out := applyAccountLimits(in, limits)

	assert.Equal(t, []int{1, 2, 3}, ids(out))
}

func TestApplyAccountLimitsGlobalFallback(t *testing.T) {
	in := []*streamResult{
		result(1, 100, 0.9),
		result(2, 100, 0.8),
		result(3, 200, 0.7),
		result(4, 200, 0.6),
	}
	limits := config.AccountLimitSettings{Enabled: true, GlobalLimit: 1}

	out := applyAccountLimits(in, limits)

	assert.Equal(t, []int{1, 3}, ids(out))
}

func TestApplyAccountLimitsSparesNoProviderStreams(t *testing.T) {
	in := []*streamResult{
		result(1, 0, 0.9),
		result(2, 0, 0.8),
	}
	limits := config.AccountLimitSettings{Enabled: true, GlobalLimit: 1}

	out := applyAccountLimits(in, limits)

	assert.Equal(t, []int{1, 2}, ids(out))
}

func TestDropDead(t *testing.T) {
	in := []*streamResult{
		result(1, 100, 0.9),
		result(2, 100, 0),
		result(3, 200, 0.7),
	}
	in[1].dead = true

	out := dropDead(in)

	assert.Equal(t, []int{1, 3}, ids(out))
}
