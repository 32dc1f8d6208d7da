// SPDX-License-Identifier: MIT

package pipeline

import (
	"sort"

	"github.com/checkarr/checkarr/internal/config"
)

// diversify interleaves the score-ordered results across providers so a
// provider outage does not take out the top of the list. Streams with
// no provider keep their score order at the tail.
func diversify(results []*streamResult, mode config.DiversificationMode) []*streamResult {
	byProvider := make(map[int][]*streamResult)
	var providerIDs []int
	var tail []*streamResult
	for _, r := range results {
		pid, ok := r.stream.ProviderID()
		if !ok {
			tail = append(tail, r)
			continue
		}
		if _, seen := byProvider[pid]; !seen {
			providerIDs = append(providerIDs, pid)
		}
		byProvider[pid] = append(byProvider[pid], r)
	}
	sort.Ints(providerIDs)

	out := make([]*streamResult, 0, len(results))
	for len(out) < len(results)-len(tail) {
		round := providerIDs
		if mode == config.DiversifyWeighted {
			round = orderByBestRemaining(providerIDs, byProvider)
		}
		for _, pid := range round {
			bucket := byProvider[pid]
			if len(bucket) == 0 {
				continue
			}
			out = append(out, bucket[0])
			byProvider[pid] = bucket[1:]
		}
	}
	return append(out, tail...)
}

// orderByBestRemaining sorts providers by the score of their next
// stream, so the weighted mode still leads each round with quality.
func orderByBestRemaining(providerIDs []int, byProvider map[int][]*streamResult) []int {
	round := make([]int, 0, len(providerIDs))
	round = append(round, providerIDs...)
	sort.SliceStable(round, func(i, j int) bool {
		a, b := byProvider[round[i]], byProvider[round[j]]
		switch {
		case len(a) == 0:
			return false
		case len(b) == 0:
			return true
		default:
			return a[0].score > b[0].score
		}
	})
	return round
}

// applyAccountLimits keeps at most N streams per provider, in list
// order. Zero means unlimited; streams with no provider are never cut.
func applyAccountLimits(results []*streamResult, limits config.AccountLimitSettings) []*streamResult {
	kept := make([]*streamResult, 0, len(results))
	perProvider := make(map[int]int)
	for _, r := range results {
		pid, ok := r.stream.ProviderID()
		if !ok {
			kept = append(kept, r)
			continue
		}
		max := limits.LimitFor(pid)
		if max > 0 && perProvider[pid] >= max {
			continue
		}
		perProvider[pid]++
		kept = append(kept, r)
	}
	return kept
}

// dropDead removes streams the dead predicate flagged this run.
func dropDead(results []*streamResult) []*streamResult {
	kept := make([]*streamResult, 0, len(results))
	for _, r := range results {
		if r.dead {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
