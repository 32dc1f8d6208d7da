// SPDX-License-Identifier: MIT

// Package pipeline runs the per-channel quality check: probe the
// channel's streams under the concurrency budget, score the results,
// reorder the channel on the aggregator and record the outcome.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/checkarr/checkarr/internal/changelog"
	"github.com/checkarr/checkarr/internal/config"
	"github.com/checkarr/checkarr/internal/deadtrack"
	"github.com/checkarr/checkarr/internal/history"
	"github.com/checkarr/checkarr/internal/limiter"
	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/metrics"
	"github.com/checkarr/checkarr/internal/model"
	"github.com/checkarr/checkarr/internal/prober"
	"github.com/checkarr/checkarr/internal/scoring"
	"github.com/checkarr/checkarr/internal/telemetry"
	"github.com/checkarr/checkarr/internal/udi"
)

// Skip reasons reported when a channel check does not probe anything.
const (
	SkipActiveViewers     = "active_viewers"
	SkipMaxStreamsReached = "max_streams_reached"
	SkipNoNewStreams      = "no_new_streams"

	// ReasonQuotaViewers marks a stream whose probe slot was consumed
	// by real viewers; its cached stats were reused instead.
	ReasonQuotaViewers = "quota_consumed_by_active_viewers"
)

// Aggregator is the slice of the HTTP client the pipeline writes through.
type Aggregator interface {
	UpdateStreamStats(ctx context.Context, streamID int, stats map[string]any) (model.Stream, error)
	UpdateChannelStreams(ctx context.Context, channelID int, streamIDs []int) (model.Channel, error)
}

// Tracker records which streams of a channel were already checked and
// carries the per-channel force flag. The scheduler's update tracker
// implements it.
type Tracker interface {
	CheckedStreamIDs(channelID int) []int
	ForceCheck(channelID int) bool
	ClearForceCheck(ctx context.Context, channelID int)
	MarkChecked(ctx context.Context, channelID int, streamIDs []int)
}

// StreamProber runs one analyzer invocation against a URL.
type StreamProber interface {
	Probe(ctx context.Context, url string, sa config.StreamAnalysis) prober.Result
}

// ProbeLedger persists one record per probe outcome. May be nil.
type ProbeLedger interface {
	Add(ctx context.Context, r history.Record) error
}

// Deps wires the pipeline to its collaborators.
type Deps struct {
	Index    *udi.Index
	Client   Aggregator
	Limiter  *limiter.Limiter
	Prober   StreamProber
	Dead     *deadtrack.Tracker
	Tracker  Tracker
	Settings *config.CheckerStore
	Channels *config.ChannelSettingsStore
	Progress *changelog.Progress
	Log      *changelog.Log
	History  ProbeLedger
}

// Pipeline checks one channel at a time; concurrent invocations for
// distinct channels are safe, the queue guarantees a channel id is
// never in flight twice.
type Pipeline struct {
	deps   Deps
	logger zerolog.Logger
	tracer trace.Tracer
}

// New builds a Pipeline from its dependencies.
func New(deps Deps) *Pipeline {
	return &Pipeline{
		deps:   deps,
		logger: log.WithComponent("pipeline"),
		tracer: telemetry.Tracer("pipeline"),
	}
}

// Options tweak a single check invocation.
type Options struct {
	// Force probes every stream regardless of the immunity set.
	Force bool
}

// CheckChannel runs the full check for one channel. It satisfies the
// queue worker's Checker interface; the worker adds the returned item
// to the current batch.
func (p *Pipeline) CheckChannel(ctx context.Context, channelID int) (changelog.ChannelCheck, error) {
	return p.Check(ctx, channelID, Options{})
}

// CheckSingle runs a manual single-channel check outside any batch and
// writes its own changelog entry.
func (p *Pipeline) CheckSingle(ctx context.Context, channelID int) (changelog.ChannelCheck, error) {
	item, err := p.Check(ctx, channelID, Options{Force: true})
	if p.deps.Log != nil {
		details := map[string]any{
			"channel_id":       channelID,
			"channel_name":     item.Name,
			"success":          err == nil,
			"streams_analyzed": item.Stats.Analyzed,
			"dead_streams":     item.Stats.Dead,
			"streams_revived":  item.Stats.Revived,
		}
		if err != nil {
			details["error"] = err.Error()
		}
		p.deps.Log.Record(ctx, changelog.ActionSingleChannelCheck, details)
	}
	return item, err
}

// Check executes the channel check and returns the changelog item.
func (p *Pipeline) Check(ctx context.Context, channelID int, opts Options) (changelog.ChannelCheck, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.check")
	defer span.End()

	started := time.Now()
	item, err := p.check(ctx, channelID, opts)
	result := "ok"
	if err != nil {
		result = "failed"
	}
	metrics.ObserveChannelCheck(result, time.Since(started))
	span.SetAttributes(telemetry.ChannelAttributes(channelID, item.Name)...)
	return item, err
}

func (p *Pipeline) check(ctx context.Context, channelID int, opts Options) (changelog.ChannelCheck, error) {
	x := p.deps.Index
	cfg := p.deps.Settings.Get()
	logger := p.logger.With().Int(log.FieldChannelID, channelID).Logger()

	defer p.deps.Progress.Done(ctx, channelID)

	ch, ok := x.ChannelByID(channelID)
	if !ok {
		var err error
		ch, err = x.RefreshChannelByID(ctx, channelID)
		if err != nil {
			return changelog.ChannelCheck{ChannelID: channelID}, fmt.Errorf("channel %d: %w", channelID, err)
		}
	}
	item := changelog.ChannelCheck{ChannelID: channelID, Name: ch.Name, LogoURL: p.logoURL(ch)}
	p.deps.Progress.Step(ctx, channelID, ch.Name, "initializing", "", 0, len(ch.Streams))

	streams := x.ChannelStreams(channelID)
	item.Stats.TotalStreams = len(streams)
	if len(streams) == 0 {
		logger.Debug().Str("event", "pipeline.empty").Msg("channel has no streams")
		item.Success = true
		return item, nil
	}

	if reason, skipped := p.limitCheck(ctx, channelID, streams); skipped {
		logger.Info().Str("event", "pipeline.skip").Str(log.FieldReason, reason).Msg("channel check skipped")
		item.Success = true
		item.Skipped = true
		item.SkippedReason = reason
		return item, nil
	}

	toProbe, cached, unchanged := p.partition(ctx, channelID, streams, opts.Force)
	if len(toProbe) == 0 && unchanged {
		logger.Debug().Str("event", "pipeline.skip").Str(log.FieldReason, SkipNoNewStreams).Msg("all streams already checked")
		item.Success = true
		item.Skipped = true
		item.SkippedReason = SkipNoNewStreams
		return item, nil
	}

	results, skipped := p.probeAll(ctx, ch, toProbe, cfg)
	for _, st := range cached {
		results = append(results, cachedResult(st))
	}

	p.deps.Progress.Step(ctx, channelID, ch.Name, "scoring", "", len(streams), len(streams))
	p.score(ch, results, cfg)
	deadDetected, revived := p.applyTransitions(ctx, ch, results)
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })

	p.recordHistory(ctx, ch, results)

	ordered := results
	if cfg.StreamOrdering.ProviderDiversification {
		ordered = diversify(ordered, cfg.StreamOrdering.DiversificationMode)
	}
	if cfg.AccountStreamLimits.Enabled {
		ordered = applyAccountLimits(ordered, cfg.AccountStreamLimits)
	}
	if cfg.DeadStreamHandling.Enabled {
		ordered = dropDead(ordered)
	}

	finalIDs := make([]int, 0, len(ordered)+len(skipped))
	for _, r := range ordered {
		finalIDs = append(finalIDs, r.stream.ID)
	}
	// Streams that never got a probe slot keep their membership; they
	// are re-evaluated on the next cycle.
	for _, st := range skipped {
		finalIDs = append(finalIDs, st.ID)
	}

	p.deps.Progress.Step(ctx, channelID, ch.Name, "reordering", "", len(streams), len(streams))
	if err := p.writeOrder(ctx, ch, finalIDs, logger); err != nil {
		return item, err
	}

	p.deps.Tracker.MarkChecked(ctx, channelID, finalIDs)
	metrics.IncChannelsReordered()

	item.Success = true
	item.Stats.Dead = deadDetected
	item.Stats.Revived = revived
	for _, r := range results {
		if r.probed && r.status == prober.StatusOK {
			item.Stats.Analyzed++
		}
		item.Stats.Streams = append(item.Stats.Streams, r.detail())
	}
	item.Stats.AvgResolution, item.Stats.AvgBitrate, item.Stats.AvgFPS = changelog.Averages(item.Stats.Streams)

	logger.Info().
		Str("event", "pipeline.done").
		Int("streams", len(streams)).
		Int("analyzed", item.Stats.Analyzed).
		Int("dead", deadDetected).
		Int("revived", revived).
		Msg("channel check complete")
	return item, nil
}

// limitCheck decides whether probing this channel now would fight real
// viewers for provider slots.
func (p *Pipeline) limitCheck(ctx context.Context, channelID int, streams []model.Stream) (string, bool) {
	x := p.deps.Index
	if x.IsChannelActive(ctx, channelID) {
		return SkipActiveViewers, true
	}
	for _, st := range streams {
		if ok, _ := x.CheckStreamCanRun(ctx, st); ok {
			return "", false
		}
	}
	return SkipMaxStreamsReached, true
}

// partition splits the channel's streams into fresh probes and cached
// re-evaluations per the tracker's immunity set. unchanged reports that
// the channel's stream set is identical to the previously checked one.
func (p *Pipeline) partition(ctx context.Context, channelID int, streams []model.Stream, force bool) (toProbe, cached []model.Stream, unchanged bool) {
	if force || p.deps.Tracker.ForceCheck(channelID) {
		p.deps.Tracker.ClearForceCheck(ctx, channelID)
		return streams, nil, false
	}
	checked := make(map[int]struct{})
	for _, id := range p.deps.Tracker.CheckedStreamIDs(channelID) {
		checked[id] = struct{}{}
	}
	current := make(map[int]struct{}, len(streams))
	for _, st := range streams {
		current[st.ID] = struct{}{}
		if _, ok := checked[st.ID]; ok {
			cached = append(cached, st)
		} else {
			toProbe = append(toProbe, st)
		}
	}
	unchanged = len(current) == len(checked)
	for id := range checked {
		if _, ok := current[id]; !ok {
			unchanged = false
			break
		}
	}
	return toProbe, cached, unchanged
}

// applyTransitions runs the dead/revive bookkeeping against the
// dead-stream tracker, after scoring has set each result's dead flag.
// It returns how many streams are dead and how many recovered.
func (p *Pipeline) applyTransitions(ctx context.Context, ch model.Channel, results []*streamResult) (deadDetected, revived int) {
	for _, r := range results {
		wasDead := p.deps.Dead.IsDead(r.stream.URL)
		switch {
		case r.dead && !wasDead:
			p.deps.Dead.MarkDead(ctx, r.stream.URL, r.stream.ID, r.stream.Name, ch.ID)
			metrics.IncDeadDetected()
			deadDetected++
		case r.dead && wasDead:
			deadDetected++
		case !r.dead && wasDead:
			p.deps.Dead.MarkAlive(ctx, r.stream.URL)
			metrics.IncRevived()
			revived++
		}
	}
	metrics.SetDeadTracked(p.deps.Dead.Len())
	return deadDetected, revived
}

// score assigns the final score to every result, including provider
// priority and channel quality preference modifiers.
func (p *Pipeline) score(ch model.Channel, results []*streamResult, cfg config.CheckerSettings) {
	pref := p.deps.Channels.Get().PreferenceFor(ch.ID, ch.ChannelGroupID.Int())
	for _, r := range results {
		mod := scoring.Modifiers{Preference: pref}
		if pid, ok := r.stream.ProviderID(); ok {
			if prov, found := p.deps.Index.ProviderByID(pid); found {
				mod.Priority = prov.Priority.Int()
				mod.PriorityMode = prov.PriorityMode
			}
		}
		sc := scoring.Evaluate(r.stats, cfg.Scoring, cfg.DeadStreamHandling, mod)
		r.score = sc.Score
		r.dead = sc.Dead
		r.fallback = sc.Fallback
	}
}

// writeOrder PATCHes the final stream order and verifies it landed.
func (p *Pipeline) writeOrder(ctx context.Context, ch model.Channel, finalIDs []int, logger zerolog.Logger) error {
	updated, err := p.deps.Client.UpdateChannelStreams(ctx, ch.ID, finalIDs)
	if err != nil {
		return fmt.Errorf("update channel %d streams: %w", ch.ID, err)
	}
	p.deps.Index.UpdateChannel(ctx, updated)

	fresh, err := p.deps.Index.RefreshChannelByID(ctx, ch.ID)
	if err != nil {
		logger.Warn().Err(err).Str("event", "pipeline.verify_failed").Msg("could not re-read channel after reorder")
		return nil
	}
	if !equalIDs(fresh.Streams, finalIDs) {
		logger.Warn().
			Str("event", "pipeline.order_mismatch").
			Ints("wanted", finalIDs).
			Ints("got", fresh.Streams).
			Msg("aggregator did not persist the stream order")
	}
	return nil
}

func (p *Pipeline) recordHistory(ctx context.Context, ch model.Channel, results []*streamResult) {
	if p.deps.History == nil {
		return
	}
	for _, r := range results {
		if !r.attempted {
			continue
		}
		rec := history.Record{
			StreamID:    r.stream.ID,
			ChannelID:   ch.ID,
			URL:         r.stream.URL,
			Status:      r.historyStatus(),
			Score:       r.score,
			Resolution:  r.stats.Resolution,
			FPS:         r.stats.FPS,
			BitrateKbps: r.stats.BitrateKbps,
			VideoCodec:  r.stats.VideoCodec,
			AudioCodec:  r.stats.AudioCodec,
			Elapsed:     r.elapsed.Seconds(),
			ProbedAt:    time.Now(),
		}
		if pid, ok := r.stream.ProviderID(); ok {
			rec.ProviderID = pid
		}
		if err := p.deps.History.Add(ctx, rec); err != nil {
			p.logger.Warn().Err(err).Str("event", "pipeline.history_failed").Msg("probe record not persisted")
		}
	}
}

func (p *Pipeline) logoURL(ch model.Channel) string {
	logo, ok := p.deps.Index.LogoByID(ch.LogoID.Int())
	if !ok {
		return ""
	}
	if logo.CacheURL != "" {
		return logo.CacheURL
	}
	return logo.URL
}

// streamResult carries one stream through probing, scoring and ordering.
type streamResult struct {
	stream    model.Stream
	stats     scoring.Stats
	status    prober.Status
	attempted bool // a probe slot was acquired for it this run
	probed    bool // the probe itself ran (not a quota fallback)
	skipped   string
	profileID int
	phase     int
	elapsed   time.Duration
	score     float64
	dead      bool
	fallback  bool
}

func cachedResult(st model.Stream) *streamResult {
	r := &streamResult{stream: st}
	if st.StreamStats != nil {
		r.stats = scoring.StatsFromModel(*st.StreamStats)
	}
	return r
}

func (r *streamResult) detail() changelog.StreamDetail {
	return changelog.StreamDetail{
		StreamID:      r.stream.ID,
		Name:          r.stream.Name,
		Resolution:    r.stats.Resolution,
		BitrateKbps:   r.stats.BitrateKbps,
		FPS:           r.stats.FPS,
		VideoCodec:    r.stats.VideoCodec,
		Score:         r.score,
		Dead:          r.dead,
		SkippedReason: r.skipped,
	}
}

func (r *streamResult) historyStatus() string {
	if r.skipped != "" {
		return "Skipped"
	}
	return string(r.status)
}

func equalIDs(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
