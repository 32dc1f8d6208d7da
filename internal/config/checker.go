// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/checkarr/checkarr/internal/log"
)

// Default values for the stream checker settings document.
const (
	DefaultProbeDurationSec  = 10
	DefaultProbeTimeoutSec   = 30
	DefaultStartupBufferSec  = 5
	DefaultRetryDelaySec     = 3.0
	DefaultGlobalLimit       = 5
	DefaultStaggerDelaySec   = 0.5
	DefaultQueueMaxSize      = 1000
	DefaultCheckImmunityMin  = 120
	DefaultGlobalCron        = "0 3 * * *"
	DefaultPhase2MaxWaitSec  = 600
	DefaultPhase2PollSec     = 10
	DefaultUserAgent         = "VLC/3.0.20 LibVLC/3.0.20"
	DefaultMinBitrateKbps    = 100.0
	DefaultMinDeadScore      = 0.3
	DefaultMinResolutionWide = 320
	DefaultMinResolutionHigh = 240
)

// Default scoring weights: bitrate, resolution, fps, codec.
const (
	DefaultWeightBitrate    = 0.40
	DefaultWeightResolution = 0.35
	DefaultWeightFPS        = 0.15
	DefaultWeightCodec      = 0.10
)

// CheckerSettings is the stream_checker_config.json document.
type CheckerSettings struct {
	Enabled             bool                 `json:"enabled"`
	AutomationControls  AutomationControls   `json:"automation_controls"`
	GlobalCheckSchedule GlobalCheckSchedule  `json:"global_check_schedule"`
	StreamAnalysis      StreamAnalysis       `json:"stream_analysis"`
	Scoring             ScoringSettings      `json:"scoring"`
	Queue               QueueSettings        `json:"queue"`
	ConcurrentStreams   ConcurrencySettings  `json:"concurrent_streams"`
	DeadStreamHandling  DeadStreamSettings   `json:"dead_stream_handling"`
	AccountStreamLimits AccountLimitSettings `json:"account_stream_limits"`
	StreamOrdering      OrderingSettings     `json:"stream_ordering"`
	ProfileFailover     FailoverSettings     `json:"profile_failover"`

	// Legacy single-knob automation selector; migrated into
	// AutomationControls on load and cleared.
	PipelineMode string `json:"pipeline_mode,omitempty"`
}

// AutomationControls toggles the stages of the playlist cycle.
type AutomationControls struct {
	AutoM3UUpdates           bool `json:"auto_m3u_updates"`
	AutoStreamMatching       bool `json:"auto_stream_matching"`
	AutoQualityChecking      bool `json:"auto_quality_checking"`
	ScheduledGlobalAction    bool `json:"scheduled_global_action"`
	RemoveNonMatchingStreams bool `json:"remove_non_matching_streams"`
}

// GlobalCheckSchedule configures the cron-driven global action.
type GlobalCheckSchedule struct {
	Enabled        bool   `json:"enabled"`
	CronExpression string `json:"cron_expression"`
}

// StreamAnalysis configures the prober. All times are in seconds; the
// effective wall timeout of one probe is timeout + duration + buffer.
type StreamAnalysis struct {
	FFmpegDurationSec   int     `json:"ffmpeg_duration"`
	TimeoutSec          int     `json:"timeout"`
	StreamStartupBuffer int     `json:"stream_startup_buffer"`
	Retries             int     `json:"retries"`
	RetryDelaySec       float64 `json:"retry_delay"`
	UserAgent           string  `json:"user_agent"`
}

// ProbeDuration is how long the analyzer reads the stream in real time.
func (s StreamAnalysis) ProbeDuration() time.Duration {
	return time.Duration(s.FFmpegDurationSec) * time.Second
}

// Timeout is the base analysis timeout before duration and buffer are added.
func (s StreamAnalysis) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// StartupBuffer covers slow provider handshakes before data flows.
func (s StreamAnalysis) StartupBuffer() time.Duration {
	return time.Duration(s.StreamStartupBuffer) * time.Second
}

// WallTimeout is the hard deadline for one analyzer invocation.
func (s StreamAnalysis) WallTimeout() time.Duration {
	return s.Timeout() + s.ProbeDuration() + s.StartupBuffer()
}

// RetryDelay is the fixed pause between probe retries.
func (s StreamAnalysis) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySec * float64(time.Second))
}

// ScoringSettings drives the stream scorer.
type ScoringSettings struct {
	Weights    ScoringWeights `json:"weights"`
	MinScore   float64        `json:"min_score"`
	PreferH265 bool           `json:"prefer_h265"`
}

// ScoringWeights must roughly sum to one; they are applied as-is.
type ScoringWeights struct {
	Bitrate    float64 `json:"bitrate"`
	Resolution float64 `json:"resolution"`
	FPS        float64 `json:"fps"`
	Codec      float64 `json:"codec"`
}

// QueueSettings bounds the check queue.
type QueueSettings struct {
	MaxSize           int `json:"max_size"`
	MaxChannelsPerRun int `json:"max_channels_per_run"`
	// CheckImmunityMinutes is how long a freshly checked channel is
	// left alone by automation. Forced checks ignore it.
	CheckImmunityMinutes int `json:"check_immunity_minutes"`
}

// CheckImmunity returns the immunity window as a duration.
func (s QueueSettings) CheckImmunity() time.Duration {
	return time.Duration(s.CheckImmunityMinutes) * time.Minute
}

// ConcurrencySettings bounds probe fan-out. GlobalLimit is the number of
// probes allowed in flight across all providers.
type ConcurrencySettings struct {
	GlobalLimit     int     `json:"global_limit"`
	Enabled         bool    `json:"enabled"`
	StaggerDelaySec float64 `json:"stagger_delay"`
}

// StaggerDelay spaces out probe starts so providers see a ramp, not a burst.
func (s ConcurrencySettings) StaggerDelay() time.Duration {
	return time.Duration(s.StaggerDelaySec * float64(time.Second))
}

// DeadStreamSettings configures the dead predicate thresholds.
type DeadStreamSettings struct {
	Enabled             bool    `json:"enabled"`
	MinResolutionWidth  int     `json:"min_resolution_width"`
	MinResolutionHeight int     `json:"min_resolution_height"`
	MinBitrateKbps      float64 `json:"min_bitrate_kbps"`
	MinScore            float64 `json:"min_score"`
}

// AccountLimitSettings caps how many streams per provider survive a
// reorder. Zero means unlimited.
type AccountLimitSettings struct {
	Enabled     bool        `json:"enabled"`
	GlobalLimit int         `json:"global_limit"`
	Limits      map[int]int `json:"account_limits"`
}

// LimitFor returns the per-provider cap, falling back to the global one.
func (s AccountLimitSettings) LimitFor(providerID int) int {
	if n, ok := s.Limits[providerID]; ok {
		return n
	}
	return s.GlobalLimit
}

// DiversificationMode selects how providers are interleaved after scoring.
type DiversificationMode string

const (
	DiversifyRoundRobin DiversificationMode = "round_robin"
	DiversifyWeighted   DiversificationMode = "weighted"
)

// OrderingSettings configures the post-score ordering passes.
type OrderingSettings struct {
	ProviderDiversification bool                `json:"provider_diversification"`
	DiversificationMode     DiversificationMode `json:"diversification_mode"`
}

// FailoverSettings configures two-phase profile failover during probes.
type FailoverSettings struct {
	Enabled            bool `json:"enabled"`
	TryFullProfiles    bool `json:"try_full_profiles"`
	Phase2MaxWaitSec   int  `json:"phase2_max_wait"`
	Phase2PollInterval int  `json:"phase2_poll_interval"`
}

// Phase2MaxWait bounds how long phase 2 polls saturated profiles.
func (s FailoverSettings) Phase2MaxWait() time.Duration {
	return time.Duration(s.Phase2MaxWaitSec) * time.Second
}

// Phase2Poll is the interval between phase-2 slot checks.
func (s FailoverSettings) Phase2Poll() time.Duration {
	return time.Duration(s.Phase2PollInterval) * time.Second
}

// DefaultCheckerSettings returns the document written on first start.
// Automation stays off until the operator opts in.
func DefaultCheckerSettings() CheckerSettings {
	return CheckerSettings{
		Enabled: true,
		GlobalCheckSchedule: GlobalCheckSchedule{
			Enabled:        false,
			CronExpression: DefaultGlobalCron,
		},
		StreamAnalysis: StreamAnalysis{
			FFmpegDurationSec:   DefaultProbeDurationSec,
			TimeoutSec:          DefaultProbeTimeoutSec,
			StreamStartupBuffer: DefaultStartupBufferSec,
			Retries:             1,
			RetryDelaySec:       DefaultRetryDelaySec,
			UserAgent:           DefaultUserAgent,
		},
		Scoring: ScoringSettings{
			Weights: ScoringWeights{
				Bitrate:    DefaultWeightBitrate,
				Resolution: DefaultWeightResolution,
				FPS:        DefaultWeightFPS,
				Codec:      DefaultWeightCodec,
			},
			MinScore:   0,
			PreferH265: true,
		},
		Queue: QueueSettings{
			MaxSize:              DefaultQueueMaxSize,
			MaxChannelsPerRun:    0,
			CheckImmunityMinutes: DefaultCheckImmunityMin,
		},
		ConcurrentStreams: ConcurrencySettings{
			GlobalLimit:     DefaultGlobalLimit,
			Enabled:         true,
			StaggerDelaySec: DefaultStaggerDelaySec,
		},
		DeadStreamHandling: DeadStreamSettings{
			Enabled:             true,
			MinResolutionWidth:  DefaultMinResolutionWide,
			MinResolutionHeight: DefaultMinResolutionHigh,
			MinBitrateKbps:      DefaultMinBitrateKbps,
			MinScore:            DefaultMinDeadScore,
		},
		AccountStreamLimits: AccountLimitSettings{
			Enabled:     false,
			GlobalLimit: 0,
			Limits:      map[int]int{},
		},
		StreamOrdering: OrderingSettings{
			ProviderDiversification: false,
			DiversificationMode:     DiversifyRoundRobin,
		},
		ProfileFailover: FailoverSettings{
			Enabled:            true,
			TryFullProfiles:    false,
			Phase2MaxWaitSec:   DefaultPhase2MaxWaitSec,
			Phase2PollInterval: DefaultPhase2PollSec,
		},
	}
}

// cloneCheckerSettings deep-copies the one reference type inside.
func cloneCheckerSettings(in CheckerSettings) CheckerSettings {
	out := in
	if in.AccountStreamLimits.Limits != nil {
		limits := make(map[int]int, len(in.AccountStreamLimits.Limits))
		for k, v := range in.AccountStreamLimits.Limits {
			limits[k] = v
		}
		out.AccountStreamLimits.Limits = limits
	}
	return out
}

// normalizeCheckerSettings repairs out-of-range values and migrates the
// legacy pipeline_mode knob. It reports whether the document changed.
func normalizeCheckerSettings(s *CheckerSettings) bool {
	changed := migratePipelineMode(s)

	clampInt := func(v *int, min, fallback int) {
		if *v < min {
			*v = fallback
			changed = true
		}
	}
	clampFloat := func(v *float64, min, fallback float64) {
		if *v < min {
			*v = fallback
			changed = true
		}
	}

	clampInt(&s.StreamAnalysis.FFmpegDurationSec, 1, DefaultProbeDurationSec)
	clampInt(&s.StreamAnalysis.TimeoutSec, 1, DefaultProbeTimeoutSec)
	clampInt(&s.StreamAnalysis.StreamStartupBuffer, 0, DefaultStartupBufferSec)
	clampInt(&s.StreamAnalysis.Retries, 0, 0)
	clampFloat(&s.StreamAnalysis.RetryDelaySec, 0, DefaultRetryDelaySec)
	if s.StreamAnalysis.UserAgent == "" {
		s.StreamAnalysis.UserAgent = DefaultUserAgent
		changed = true
	}

	w := &s.Scoring.Weights
	if w.Bitrate <= 0 && w.Resolution <= 0 && w.FPS <= 0 && w.Codec <= 0 {
		*w = ScoringWeights{
			Bitrate:    DefaultWeightBitrate,
			Resolution: DefaultWeightResolution,
			FPS:        DefaultWeightFPS,
			Codec:      DefaultWeightCodec,
		}
		changed = true
	}
	clampFloat(&s.Scoring.MinScore, 0, 0)

	clampInt(&s.Queue.MaxSize, 1, DefaultQueueMaxSize)
	clampInt(&s.Queue.MaxChannelsPerRun, 0, 0)
	clampInt(&s.Queue.CheckImmunityMinutes, 1, DefaultCheckImmunityMin)
	clampInt(&s.ConcurrentStreams.GlobalLimit, 1, DefaultGlobalLimit)
	clampFloat(&s.ConcurrentStreams.StaggerDelaySec, 0, DefaultStaggerDelaySec)

	if s.GlobalCheckSchedule.CronExpression == "" {
		s.GlobalCheckSchedule.CronExpression = DefaultGlobalCron
		changed = true
	}

	if s.StreamOrdering.DiversificationMode != DiversifyRoundRobin &&
		s.StreamOrdering.DiversificationMode != DiversifyWeighted {
		s.StreamOrdering.DiversificationMode = DiversifyRoundRobin
		changed = true
	}

	clampInt(&s.ProfileFailover.Phase2MaxWaitSec, 1, DefaultPhase2MaxWaitSec)
	clampInt(&s.ProfileFailover.Phase2PollInterval, 1, DefaultPhase2PollSec)

	if s.AccountStreamLimits.Limits == nil {
		s.AccountStreamLimits.Limits = map[int]int{}
	}

	return changed
}

// migratePipelineMode converts the legacy pipeline_mode selector into the
// equivalent automation controls. Each level includes the previous ones.
func migratePipelineMode(s *CheckerSettings) bool {
	if s.PipelineMode == "" {
		return false
	}
	c := &s.AutomationControls
	switch s.PipelineMode {
	case "pipeline_1":
		c.AutoM3UUpdates = true
	case "pipeline_1_5":
		c.AutoM3UUpdates = true
		c.RemoveNonMatchingStreams = true
	case "pipeline_2":
		c.AutoM3UUpdates = true
		c.AutoStreamMatching = true
	case "pipeline_2_5":
		c.AutoM3UUpdates = true
		c.AutoStreamMatching = true
		c.RemoveNonMatchingStreams = true
	case "pipeline_3":
		c.AutoM3UUpdates = true
		c.AutoStreamMatching = true
		c.AutoQualityChecking = true
		c.RemoveNonMatchingStreams = true
	}
	s.PipelineMode = ""
	return true
}

// Validate rejects documents that normalization cannot sensibly repair.
// It is meant for operator-supplied replacements; load-time repair of
// existing documents still goes through normalizeCheckerSettings.
func (s CheckerSettings) Validate() error {
	if s.GlobalCheckSchedule.CronExpression != "" {
		if _, err := cron.ParseStandard(s.GlobalCheckSchedule.CronExpression); err != nil {
			return fmt.Errorf("global_check_schedule.cron_expression: %w", err)
		}
	}
	w := s.Scoring.Weights
	if w.Bitrate < 0 || w.Resolution < 0 || w.FPS < 0 || w.Codec < 0 {
		return fmt.Errorf("scoring.weights: negative weight")
	}
	if s.Scoring.MinScore < 0 || s.Scoring.MinScore > 1 {
		return fmt.Errorf("scoring.min_score: must be within [0,1]")
	}
	if s.DeadStreamHandling.MinScore < 0 || s.DeadStreamHandling.MinScore > 1 {
		return fmt.Errorf("dead_stream_handling.min_score: must be within [0,1]")
	}
	if mode := s.StreamOrdering.DiversificationMode; mode != "" &&
		mode != DiversifyRoundRobin && mode != DiversifyWeighted {
		return fmt.Errorf("stream_ordering.diversification_mode: unknown mode %q", mode)
	}
	if s.ConcurrentStreams.GlobalLimit < 0 {
		return fmt.Errorf("concurrent_streams.global_limit: must not be negative")
	}
	if s.Queue.CheckImmunityMinutes < 0 {
		return fmt.Errorf("queue.check_immunity_minutes: must not be negative")
	}
	for providerID, limit := range s.AccountStreamLimits.Limits {
		if limit < 0 {
			return fmt.Errorf("account_stream_limits.account_limits[%d]: must not be negative", providerID)
		}
	}
	return nil
}

// CheckerStore guards the stream checker settings document.
type CheckerStore struct {
	doc *document[CheckerSettings]
}

// OpenCheckerStore loads (or creates) the settings document at path.
func OpenCheckerStore(ctx context.Context, path string) *CheckerStore {
	return &CheckerStore{
		doc: openDocument(ctx, path, log.WithComponent("config"),
			DefaultCheckerSettings, cloneCheckerSettings, normalizeCheckerSettings),
	}
}

// Get returns a copy of the current settings.
func (s *CheckerStore) Get() CheckerSettings { return s.doc.get() }

// Update mutates, persists and swaps the settings atomically.
func (s *CheckerStore) Update(ctx context.Context, mutate func(*CheckerSettings)) (CheckerSettings, error) {
	return s.doc.update(ctx, mutate)
}

// Replace persists and swaps a full settings document.
func (s *CheckerStore) Replace(ctx context.Context, next CheckerSettings) (CheckerSettings, error) {
	return s.doc.update(ctx, func(cur *CheckerSettings) { *cur = next })
}

// Reload re-reads the document from disk.
func (s *CheckerStore) Reload(ctx context.Context) { s.doc.reload(ctx) }

// Path returns the backing file path.
func (s *CheckerStore) Path() string { return s.doc.path }
