// SPDX-License-Identifier: MIT

// Package limiter enforces the per-provider and per-profile
// concurrent-stream budgets. A slot is semantic, not a connection: it
// represents one probe the provider will see, counted alongside real
// viewers reported by the aggregator.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/metrics"
	"github.com/checkarr/checkarr/internal/model"
)

// Verdict is the outcome of an acquire attempt.
type Verdict string

const (
	// VerdictAcquired means a slot was taken and must be released.
	VerdictAcquired Verdict = "acquired"
	// VerdictTimeout means the wait budget ran out while probes held
	// the slots.
	VerdictTimeout Verdict = "timeout"
	// VerdictActiveViewers means real viewers alone saturate the
	// provider; waiting for probe slots would not have helped. The
	// pipeline falls back to cached stats on this verdict.
	VerdictActiveViewers Verdict = "active_viewers"
)

// Backoff is the wait policy between acquire attempts.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

// DefaultBackoff is the standard acquire wait policy.
var DefaultBackoff = Backoff{
	Base:       100 * time.Millisecond,
	Multiplier: 1.5,
	Cap:        2 * time.Second,
}

func (b Backoff) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.Base
	}
	n := time.Duration(float64(cur) * b.Multiplier)
	if n > b.Cap {
		return b.Cap
	}
	return n
}

// ActiveSource supplies the live viewer counts and provider records the
// limiter folds into its arithmetic. The data index implements it.
type ActiveSource interface {
	ActiveStreamsForProvider(ctx context.Context, providerID int) int
	ProviderByID(id int) (model.Provider, bool)
}

// Handle represents one held slot. It is returned by Acquire and given
// back to Release exactly once.
type Handle struct {
	id         uint64
	providerID int
	// 0 while no profile is bound; probes bind the profile they ended
	// up using so per-profile availability stays honest.
	profileID   int
	hasProvider bool
}

// Limiter tracks in-flight probe counts per provider and per profile.
// It implements the checking side of the data index's availability
// arithmetic.
type Limiter struct {
	mu       sync.Mutex
	source   ActiveSource
	backoff  Backoff
	logger   zerolog.Logger
	nextID   uint64
	held     map[uint64]*Handle
	provider map[int]int // provider id -> in-flight probes
	profile  map[int]int // profile id -> in-flight probes
}

// New builds a limiter over the given active-viewer source.
func New(source ActiveSource) *Limiter {
	return &Limiter{
		source:   source,
		backoff:  DefaultBackoff,
		logger:   log.WithComponent("limiter"),
		held:     make(map[uint64]*Handle),
		provider: make(map[int]int),
		profile:  make(map[int]int),
	}
}

// SetBackoff overrides the acquire wait policy.
func (l *Limiter) SetBackoff(b Backoff) {
	l.mu.Lock()
	l.backoff = b
	l.mu.Unlock()
}

// CheckingForProvider reports in-flight probes on the provider.
func (l *Limiter) CheckingForProvider(providerID int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.provider[providerID]
}

// CheckingOnProfile reports in-flight probes bound to the profile.
func (l *Limiter) CheckingOnProfile(profileID int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile[profileID]
}

// tryAcquire attempts one slot take under the lock. It reads the
// viewer count outside the lock so a slow proxy-status fetch never
// serializes every caller.
func (l *Limiter) tryAcquire(ctx context.Context, providerID, max int) (*Handle, bool, bool) {
	active := l.source.ActiveStreamsForProvider(ctx, providerID)

	l.mu.Lock()
	defer l.mu.Unlock()
	checking := l.provider[providerID]
	if active+checking < max {
		h := l.take(providerID, true)
		return h, true, false
	}
	// viewersOnly: even with zero probes in flight the budget is gone
	return nil, false, active >= max
}

// take registers a new handle; callers hold l.mu.
func (l *Limiter) take(providerID int, hasProvider bool) *Handle {
	l.nextID++
	h := &Handle{id: l.nextID, providerID: providerID, hasProvider: hasProvider}
	l.held[h.id] = h
	if hasProvider {
		l.provider[providerID]++
	}
	return h
}

// Acquire takes a probe slot for the stream's provider, waiting up to
// timeout. A nil providerID (custom stream) or an unlimited provider
// acquires immediately; the slot is still tracked so release stays
// uniform.
func (l *Limiter) Acquire(ctx context.Context, providerID *int, timeout time.Duration) (Verdict, *Handle) {
	start := time.Now()

	if providerID == nil {
		l.mu.Lock()
		h := l.take(0, false)
		l.mu.Unlock()
		metrics.ObserveLimiter(string(VerdictAcquired), 0)
		return VerdictAcquired, h
	}

	pid := *providerID
	max := 0
	if prov, ok := l.source.ProviderByID(pid); ok {
		max = prov.EffectiveMaxStreams()
	}
	if max == 0 {
		l.mu.Lock()
		h := l.take(pid, true)
		l.mu.Unlock()
		metrics.ObserveLimiter(string(VerdictAcquired), 0)
		return VerdictAcquired, h
	}

	wait := time.Duration(0)
	viewersOnly := false
	for {
		h, ok, vo := l.tryAcquire(ctx, pid, max)
		if ok {
			metrics.ObserveLimiter(string(VerdictAcquired), time.Since(start))
			return VerdictAcquired, h
		}
		viewersOnly = vo

		waited := time.Since(start)
		if waited >= timeout {
			break
		}
		wait = l.backoff.next(wait)
		if remaining := timeout - waited; wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.ObserveLimiter(string(VerdictTimeout), time.Since(start))
			return VerdictTimeout, nil
		case <-timer.C:
		}
	}

	verdict := VerdictTimeout
	if viewersOnly {
		verdict = VerdictActiveViewers
	}
	l.logger.Debug().
		Str("event", "limiter.exhausted").
		Int("provider_id", pid).
		Str("verdict", string(verdict)).
		Dur("waited", time.Since(start)).
		Msg("no provider slot available")
	metrics.ObserveLimiter(string(verdict), time.Since(start))
	return verdict, nil
}

// BindProfile records which profile the held probe runs on. Rebinding
// moves the count; probes switch profiles during failover.
func (l *Limiter) BindProfile(h *Handle, profileID int) {
	if h == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[h.id]; !ok {
		l.logger.Warn().Str("event", "limiter.unknown_handle").Msg("bind profile on released handle")
		return
	}
	if h.profileID != 0 {
		l.decr(l.profile, h.profileID)
	}
	h.profileID = profileID
	if profileID != 0 {
		l.profile[profileID]++
	}
}

// Release gives the slot back. Releasing a nil or already-released
// handle logs a warning and does nothing.
func (l *Limiter) Release(h *Handle) {
	if h == nil {
		l.logger.Warn().Str("event", "limiter.unknown_handle").Msg("release of nil handle")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[h.id]; !ok {
		l.logger.Warn().
			Str("event", "limiter.unknown_handle").
			Int("provider_id", h.providerID).
			Msg("release of unknown or already-released handle")
		return
	}
	delete(l.held, h.id)
	if h.hasProvider {
		l.decr(l.provider, h.providerID)
	}
	if h.profileID != 0 {
		l.decr(l.profile, h.profileID)
	}
}

// decr lowers a counter, never below zero; callers hold l.mu.
func (l *Limiter) decr(m map[int]int, key int) {
	m[key]--
	if m[key] <= 0 {
		delete(m, key)
	}
}

// Held reports how many slots are currently out, for status reporting.
func (l *Limiter) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// String describes current usage for diagnostics.
func (l *Limiter) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("limiter{held=%d providers=%d profiles=%d}", len(l.held), len(l.provider), len(l.profile))
}
