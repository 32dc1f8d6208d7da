// SPDX-License-Identifier: MIT

// Package prober runs the media analyzer against a stream URL and
// extracts resolution, frame rate, codecs and effective bitrate from
// its diagnostic output.
package prober

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/config"
	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/metrics"
	"github.com/checkarr/checkarr/internal/netguard"
	"github.com/checkarr/checkarr/internal/procgroup"
)

// Status classifies one probe attempt.
type Status string

const (
	StatusOK      Status = "OK"
	StatusTimeout Status = "Timeout"
	StatusError   Status = "Error"
)

// Result is the outcome of probing one URL.
type Result struct {
	VideoCodec  string
	AudioCodec  string
	Resolution  string // "WxH", empty when not detected
	FPS         float64
	BitrateKbps float64
	Status      Status
	Elapsed     time.Duration
	// Err describes the failure for Timeout/Error results.
	Err string
}

// OK reports whether the attempt produced usable stats.
func (r Result) OK() bool { return r.Status == StatusOK }

// Options configures a Prober.
type Options struct {
	// FFmpegPath is the analyzer binary; empty means "ffmpeg" on PATH.
	FFmpegPath string
	// Proxy, when set, is passed to the analyzer for HTTP inputs.
	Proxy string
	// Guard validates stream URLs before any subprocess is spawned.
	Guard netguard.Policy
}

// Prober spawns one analyzer subprocess per probe.
type Prober struct {
	ffmpeg string
	proxy  string
	guard  netguard.Policy
	logger zerolog.Logger
}

// New builds a Prober.
func New(opts Options) *Prober {
	ffmpeg := opts.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Prober{
		ffmpeg: ffmpeg,
		proxy:  opts.Proxy,
		guard:  opts.Guard,
		logger: log.WithComponent("prober"),
	}
}

// args builds the analyzer command line: read the input in real time
// for the probe duration, log verbosely, produce no output file.
func (p *Prober) args(url string, sa config.StreamAnalysis) []string {
	a := []string{"-hide_banner", "-nostdin", "-v", "verbose", "-stats"}
	if ua := strings.TrimSpace(sa.UserAgent); ua != "" {
		a = append(a, "-user_agent", ua)
	}
	if p.proxy != "" && strings.HasPrefix(url, "http") {
		a = append(a, "-http_proxy", p.proxy)
	}
	a = append(a, "-re", "-i", url, "-t", fmt.Sprintf("%d", sa.FFmpegDurationSec), "-f", "null", "-")
	return a
}

// Probe analyzes the URL, retrying per the analysis settings. A retry
// re-runs the whole probe after a fixed delay. The returned result is
// the first success, or the last attempt's failure.
func (p *Prober) Probe(ctx context.Context, url string, sa config.StreamAnalysis) Result {
	if _, err := netguard.ValidateStreamURL(url, p.guard); err != nil {
		return Result{Status: StatusError, Err: fmt.Sprintf("stream url rejected: %v", err)}
	}

	attempts := sa.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var res Result
	for attempt := 1; attempt <= attempts; attempt++ {
		res = p.runOnce(ctx, url, sa)
		if res.OK() || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			metrics.IncProbeRetry()
			p.logger.Debug().
				Str("event", "probe.retry").
				Str(log.FieldURL, url).
				Int("attempt", attempt).
				Str("status", string(res.Status)).
				Msg("probe failed, retrying")
			select {
			case <-ctx.Done():
			case <-time.After(sa.RetryDelay()):
			}
		}
	}
	metrics.ObserveProbe(strings.ToLower(string(res.Status)), res.Elapsed)
	return res
}

func (p *Prober) runOnce(ctx context.Context, url string, sa config.StreamAnalysis) Result {
	start := time.Now()

	cctx, cancel := context.WithTimeout(ctx, sa.WallTimeout())
	defer cancel()

	ring := newLineRing(400)
	cmd := exec.CommandContext(cctx, p.ffmpeg, p.args(url, sa)...)
	cmd.Stdout = io.Discard
	cmd.Stderr = ring
	procgroup.Set(cmd)
	cmd.Cancel = func() error { return procgroup.Kill(cmd, syscall.SIGTERM) }
	cmd.WaitDelay = 3 * time.Second

	runErr := cmd.Run()
	// sweep stragglers the analyzer may have forked
	_ = procgroup.Kill(cmd, syscall.SIGKILL)

	elapsed := time.Since(start)
	stats := parseOutput(ring.Lines(), sa.ProbeDuration())

	res := Result{
		VideoCodec:  stats.VideoCodec,
		AudioCodec:  stats.AudioCodec,
		Resolution:  stats.Resolution,
		FPS:         stats.FPS,
		BitrateKbps: stats.BitrateKbps,
		Elapsed:     elapsed,
	}

	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.Err = fmt.Sprintf("analyzer exceeded wall timeout %s", sa.WallTimeout())
	case runErr != nil && res.Resolution == "" && res.VideoCodec == "":
		// a nonzero exit with nothing parsed is a genuine failure; live
		// streams often end the window with a benign read error
		res.Status = StatusError
		res.Err = probeError(runErr, ring)
	default:
		res.Status = StatusOK
	}

	p.logger.Debug().
		Str("event", "probe.done").
		Str(log.FieldURL, url).
		Str("status", string(res.Status)).
		Str("resolution", res.Resolution).
		Float64("bitrate_kbps", res.BitrateKbps).
		Dur("elapsed", elapsed).
		Msg("probe finished")
	return res
}

// probeError condenses the run error plus the stderr tail.
func probeError(err error, ring *lineRing) string {
	tail := ring.LastN(3)
	if len(tail) == 0 {
		return err.Error()
	}
	return fmt.Sprintf("%v: %s", err, strings.Join(tail, " | "))
}
