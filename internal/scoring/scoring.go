// SPDX-License-Identifier: MIT

// Package scoring turns probe stats into a comparable quality score and
// decides which streams count as dead. Both answers come from one
// Evaluate call so the dead short-circuit (dead streams score zero) can
// never drift apart from the score itself.
package scoring

import (
	"strings"

	"github.com/checkarr/checkarr/internal/config"
	"github.com/checkarr/checkarr/internal/model"
)

// FallbackScore is given to partial probes: the analyzer saw a plausible
// resolution and frame rate but never measured a bitrate. It keeps those
// streams above dead ones and below any fully probed stream.
const FallbackScore = 0.40

// Reference points for the weighted terms.
const (
	referenceBitrateKbps = 8000.0
	referenceFPS         = 60.0
)

// Stats is the probe outcome the scorer reads. Cached aggregator stats
// and fresh probe results both convert into this shape.
type Stats struct {
	Resolution  string
	FPS         float64
	VideoCodec  string
	AudioCodec  string
	BitrateKbps float64
}

// StatsFromModel converts stored aggregator stats.
func StatsFromModel(s model.StreamStats) Stats {
	return Stats{
		Resolution:  s.Resolution,
		FPS:         s.SourceFPS,
		VideoCodec:  s.VideoCodec,
		AudioCodec:  s.AudioCodec,
		BitrateKbps: s.OutputBitrateKbps,
	}
}

// Modifiers are the per-stream score adjustments outside the stats.
type Modifiers struct {
	Priority     int
	PriorityMode model.PriorityMode
	Preference   config.QualityPreference
}

// Result pairs the final score with the dead verdict.
type Result struct {
	Score    float64
	Dead     bool
	Fallback bool // partial probe scored with FallbackScore
}

// NormalizeCodec folds container FourCCs into codec family names.
func NormalizeCodec(codec string) string {
	c := strings.ToLower(strings.TrimSpace(codec))
	switch c {
	case "avc1", "avc3", "avc", "h264":
		return "h264"
	case "hvc1", "hev1", "hevc", "h265":
		return "hevc"
	case "vp09":
		return "vp9"
	case "vp08":
		return "vp8"
	case "mp4a":
		return "aac"
	}
	return c
}

// Evaluate scores the stats and applies the dead predicate. Thresholds
// beyond the two always-dead conditions (resolution 0x0, no measured
// bitrate on a full probe) apply only while dead handling is enabled.
func Evaluate(st Stats, scoringCfg config.ScoringSettings, deadCfg config.DeadStreamSettings, mod Modifiers) Result {
	width, height, resOK := model.ParseResolution(st.Resolution)

	// A partial probe: resolution and fps present, bitrate never seen.
	fallback := st.BitrateKbps <= 0 && resOK && width > 0 && height > 0 && st.FPS > 0

	dead := false
	switch {
	case resOK && width == 0 && height == 0:
		dead = true
	case !fallback && st.BitrateKbps <= 0:
		dead = true
	}

	if !dead && deadCfg.Enabled {
		if !fallback && st.BitrateKbps < deadCfg.MinBitrateKbps {
			dead = true
		}
		if resOK && (width < deadCfg.MinResolutionWidth || height < deadCfg.MinResolutionHeight) {
			dead = true
		}
	}
	if dead {
		return Result{Dead: true}
	}

	var score float64
	if fallback {
		score = FallbackScore
	} else {
		score = weightedScore(st, scoringCfg, height)
		score += priorityBonus(mod)
		score += preferenceAdjust(mod.Preference, height)
	}

	if deadCfg.Enabled && score < deadCfg.MinScore {
		return Result{Dead: true, Fallback: fallback}
	}
	return Result{Score: score, Fallback: fallback}
}

func weightedScore(st Stats, cfg config.ScoringSettings, height int) float64 {
	w := cfg.Weights

	bitrateTerm := st.BitrateKbps / referenceBitrateKbps
	if bitrateTerm > 1 {
		bitrateTerm = 1
	}

	var resolutionTerm float64
	switch {
	case height >= 1080:
		resolutionTerm = 1.0
	case height >= 720:
		resolutionTerm = 0.7
	case height >= 576:
		resolutionTerm = 0.5
	default:
		resolutionTerm = 0.3
	}

	fpsTerm := st.FPS / referenceFPS
	if fpsTerm > 1 {
		fpsTerm = 1
	}

	return w.Bitrate*bitrateTerm +
		w.Resolution*resolutionTerm +
		w.FPS*fpsTerm +
		w.Codec*codecTerm(st.VideoCodec, cfg.PreferH265)
}

func codecTerm(codec string, preferH265 bool) float64 {
	c := NormalizeCodec(codec)
	if c == "" || c == "n/a" || c == "unknown" || c == "none" {
		return 0
	}

	preferred, other := "h264", "hevc"
	if preferH265 {
		preferred, other = "hevc", "h264"
	}
	switch c {
	case preferred:
		return 1.0
	case other:
		return 0.8
	default:
		return 0.5
	}
}

func priorityBonus(mod Modifiers) float64 {
	switch mod.PriorityMode {
	case model.PriorityAllStreams:
		return float64(mod.Priority) * 0.5
	case model.PrioritySameResolution:
		// Diversification keeps resolution buckets together; the small
		// factor only refines order inside a bucket.
		return float64(mod.Priority) * 0.2
	default:
		return 0
	}
}

func preferenceAdjust(pref config.QualityPreference, height int) float64 {
	switch pref {
	case config.Prefer4K:
		if height >= 2160 {
			return 0.5
		}
	case config.Avoid4K:
		if height >= 2160 {
			return -0.5
		}
	case config.Max1080p:
		if height > 1080 {
			return -10.0
		}
	case config.Max720p:
		if height > 720 {
			return -10.0
		}
	}
	return 0
}
