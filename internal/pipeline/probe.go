// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/checkarr/checkarr/internal/config"
	"github.com/checkarr/checkarr/internal/limiter"
	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/model"
	"github.com/checkarr/checkarr/internal/prober"
	"github.com/checkarr/checkarr/internal/scoring"
	"github.com/checkarr/checkarr/internal/udi"
)

// probeAll fans the probe set out under the global concurrency budget.
// Streams that could not get a provider slot in time come back in
// skipped, with no result.
func (p *Pipeline) probeAll(ctx context.Context, ch model.Channel, toProbe []model.Stream, cfg config.CheckerSettings) (results []*streamResult, skipped []model.Stream) {
	if len(toProbe) == 0 {
		return nil, nil
	}

	parallel := 1
	if cfg.ConcurrentStreams.Enabled && cfg.ConcurrentStreams.GlobalLimit > 0 {
		parallel = cfg.ConcurrentStreams.GlobalLimit
	}
	pacer := rate.NewLimiter(rate.Every(cfg.ConcurrentStreams.StaggerDelay()), 1)

	slots := make([]*streamResult, len(toProbe))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, st := range toProbe {
		g.Go(func() error {
			if err := pacer.Wait(gctx); err != nil {
				return nil
			}
			slots[i] = p.probeOne(gctx, ch, st, cfg)
			p.deps.Progress.Step(gctx, ch.ID, ch.Name, "probing", st.Name, i+1, len(toProbe))
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range slots {
		if r == nil {
			skipped = append(skipped, toProbe[i])
			continue
		}
		results = append(results, r)
	}
	return results, skipped
}

// probeOne acquires a provider slot and probes a single stream through
// the profile failover ladder. A nil return means the stream is skipped
// for this cycle.
func (p *Pipeline) probeOne(ctx context.Context, ch model.Channel, st model.Stream, cfg config.CheckerSettings) *streamResult {
	logger := p.logger.With().
		Int(log.FieldChannelID, ch.ID).
		Int(log.FieldStreamID, st.ID).
		Logger()

	var providerID *int
	if pid, ok := st.ProviderID(); ok {
		if prov, found := p.deps.Index.ProviderByID(pid); found && !prov.IsCustomAccount() {
			providerID = &pid
		}
	}

	verdict, handle := p.deps.Limiter.Acquire(ctx, providerID, cfg.StreamAnalysis.WallTimeout())
	switch verdict {
	case limiter.VerdictTimeout:
		logger.Warn().Str("event", "pipeline.slot_timeout").Msg("no probe slot before deadline, stream skipped")
		return nil
	case limiter.VerdictActiveViewers:
		logger.Info().Str("event", "pipeline.quota_viewers").Msg("provider saturated by viewers, reusing cached stats")
		r := cachedResult(st)
		r.skipped = ReasonQuotaViewers
		return r
	}
	defer p.deps.Limiter.Release(handle)

	res, profileID, phase := p.probeWithFailover(ctx, st, handle, cfg)
	r := &streamResult{
		stream:    st,
		status:    res.Status,
		attempted: true,
		probed:    true,
		profileID: profileID,
		phase:     phase,
		elapsed:   res.Elapsed,
	}
	if res.OK() {
		r.stats = scoring.Stats{
			Resolution:  res.Resolution,
			FPS:         res.FPS,
			VideoCodec:  res.VideoCodec,
			AudioCodec:  res.AudioCodec,
			BitrateKbps: res.BitrateKbps,
		}
		p.patchStats(ctx, st, res, logger)
		return r
	}

	// A failed probe never writes stats; the dead predicate still runs
	// over whatever the aggregator knew before.
	logger.Warn().
		Str("event", "pipeline.probe_failed").
		Str("status", string(res.Status)).
		Str("error", res.Err).
		Msg("probe did not produce stats")
	r.probed = false
	if st.StreamStats != nil {
		r.stats = scoring.StatsFromModel(*st.StreamStats)
	}
	return r
}

// probeWithFailover walks the provider's profiles: phase 1 over the
// ones with free slots, then optionally phase 2 polling the saturated
// ones until one frees up or the wait budget runs out.
func (p *Pipeline) probeWithFailover(ctx context.Context, st model.Stream, handle *limiter.Handle, cfg config.CheckerSettings) (prober.Result, int, int) {
	x := p.deps.Index
	sa := cfg.StreamAnalysis
	fo := cfg.ProfileFailover

	pid, hasProvider := st.ProviderID()
	if !hasProvider || !fo.Enabled {
		return p.deps.Prober.Probe(ctx, st.URL, sa), 0, 0
	}
	prov, found := x.ProviderByID(pid)
	if !found || prov.IsCustomAccount() {
		return p.deps.Prober.Probe(ctx, st.URL, sa), 0, 0
	}

	tried := make(map[int]struct{})
	var last prober.Result
	lastProfile := 0
	probe := func(prof model.Profile) (prober.Result, bool) {
		tried[prof.ID] = struct{}{}
		p.deps.Limiter.BindProfile(handle, prof.ID)
		res := p.deps.Prober.Probe(ctx, udi.ApplyProfileURLTransform(st.URL, prof), sa)
		return res, p.acceptable(res, cfg)
	}

	phase1 := x.AvailableProfiles(ctx, pid)
	if len(phase1) == 0 && len(prov.ActiveProfiles()) == 0 {
		return p.deps.Prober.Probe(ctx, st.URL, sa), 0, 1
	}
	for _, prof := range phase1 {
		res, ok := probe(prof)
		if ok {
			return res, prof.ID, 1
		}
		last, lastProfile = res, prof.ID
	}

	if fo.TryFullProfiles {
		if res, profileID, ok := p.phase2(ctx, st, pid, tried, probe, fo); ok {
			return res, profileID, 2
		} else if profileID != 0 {
			last, lastProfile = res, profileID
		}
	}
	return last, lastProfile, 1
}

// phase2 polls the profiles that were at capacity during phase 1 and
// probes each as soon as it has a free slot.
func (p *Pipeline) phase2(ctx context.Context, st model.Stream, providerID int, tried map[int]struct{}, probe func(model.Profile) (prober.Result, bool), fo config.FailoverSettings) (prober.Result, int, bool) {
	x := p.deps.Index
	prov, found := x.ProviderByID(providerID)
	if !found {
		return prober.Result{}, 0, false
	}
	remaining := 0
	for _, prof := range prov.ActiveProfiles() {
		if _, done := tried[prof.ID]; !done {
			remaining++
		}
	}
	if remaining == 0 {
		return prober.Result{}, 0, false
	}

	deadline := time.Now().Add(fo.Phase2MaxWait())
	ticker := time.NewTicker(fo.Phase2Poll())
	defer ticker.Stop()

	var last prober.Result
	lastProfile := 0
	for {
		for _, prof := range x.AvailableProfiles(ctx, providerID) {
			if _, done := tried[prof.ID]; done {
				continue
			}
			res, ok := probe(prof)
			if ok {
				return res, prof.ID, true
			}
			last, lastProfile = res, prof.ID
			remaining--
		}
		if remaining <= 0 || time.Now().After(deadline) {
			return last, lastProfile, false
		}
		select {
		case <-ctx.Done():
			return last, lastProfile, false
		case <-ticker.C:
		}
	}
}

// acceptable reports whether a failover attempt should stop the ladder:
// the probe succeeded and the result is not dead under current
// thresholds.
func (p *Pipeline) acceptable(res prober.Result, cfg config.CheckerSettings) bool {
	if !res.OK() {
		return false
	}
	st := scoring.Stats{
		Resolution:  res.Resolution,
		FPS:         res.FPS,
		VideoCodec:  res.VideoCodec,
		AudioCodec:  res.AudioCodec,
		BitrateKbps: res.BitrateKbps,
	}
	return !scoring.Evaluate(st, cfg.Scoring, cfg.DeadStreamHandling, scoring.Modifiers{}).Dead
}

// patchStats writes fresh probe stats to the aggregator and mirrors
// the returned stream into the index. Best effort; a failed PATCH does
// not fail the channel.
func (p *Pipeline) patchStats(ctx context.Context, st model.Stream, res prober.Result, logger zerolog.Logger) {
	body := make(map[string]any, 5)
	if res.Resolution != "" && res.Resolution != "N/A" {
		body["resolution"] = res.Resolution
	}
	if res.FPS > 0 {
		body["source_fps"] = res.FPS
	}
	if res.VideoCodec != "" && res.VideoCodec != "N/A" {
		body["video_codec"] = res.VideoCodec
	}
	if res.AudioCodec != "" && res.AudioCodec != "N/A" {
		body["audio_codec"] = res.AudioCodec
	}
	if res.BitrateKbps > 0 {
		body["ffmpeg_output_bitrate"] = res.BitrateKbps
	}
	if len(body) == 0 {
		return
	}
	updated, err := p.deps.Client.UpdateStreamStats(ctx, st.ID, body)
	if err != nil {
		logger.Warn().Err(err).Str("event", "pipeline.stats_patch_failed").Msg("stream stats not persisted")
		return
	}
	p.deps.Index.UpdateStream(ctx, updated)
}
