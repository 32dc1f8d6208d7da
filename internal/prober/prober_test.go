// SPDX-License-Identifier: MIT

//go:build unix

package prober

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/checkarr/checkarr/internal/config"
)

// writeStub installs a shell script standing in for the analyzer.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func quickAnalysis() config.StreamAnalysis {
	return config.StreamAnalysis{
		FFmpegDurationSec:   1,
		TimeoutSec:          2,
		StreamStartupBuffer: 0,
		Retries:             0,
		RetryDelaySec:       0.01,
		UserAgent:           "test-agent",
	}
}

func TestProbeParsesStubOutput(t *testing.T) {
	stub := writeStub(t, `cat <<'EOF' >&2
Input #0, mpegts, from 'http://provider.example/live/1.ts':
  Stream #0:0[0x100]: Video: h264 (High) ([27][0][0][0] / 0x001B), yuv420p(tv), 1280x720, 50 fps, 50 tbr
  Stream #0:1[0x101]: Audio: aac (LC), 48000 Hz, stereo, fltp, 128 kb/s
frame=   50 bitrate=3000.0kbits/s speed=1x
EOF
exit 0`)

	p := New(Options{FFmpegPath: stub})
	res := p.Probe(context.Background(), "http://provider.example/live/1.ts", quickAnalysis())

	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "h264", res.VideoCodec)
	assert.Equal(t, "aac", res.AudioCodec)
	assert.Equal(t, "1280x720", res.Resolution)
	assert.Equal(t, 50.0, res.FPS)
	assert.InDelta(t, 3000.0, res.BitrateKbps, 0.01)
	assert.Greater(t, res.Elapsed, time.Duration(0))
}

func TestProbeErrorWhenNothingParsed(t *testing.T) {
	stub := writeStub(t, `echo "http://x/1.ts: Connection refused" >&2
exit 1`)

	p := New(Options{FFmpegPath: stub})
	res := p.Probe(context.Background(), "http://provider.example/live/1.ts", quickAnalysis())

	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Err, "Connection refused")
}

func TestProbeTimeout(t *testing.T) {
	stub := writeStub(t, `sleep 30`)

	sa := quickAnalysis()
	sa.FFmpegDurationSec = 0
	sa.TimeoutSec = 1

	p := New(Options{FFmpegPath: stub})
	res := p.Probe(context.Background(), "http://provider.example/live/1.ts", sa)

	assert.Equal(t, StatusTimeout, res.Status)
	assert.Contains(t, res.Err, "wall timeout")
}

func TestProbeRetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempted")
	stub := writeStub(t, `if [ ! -f `+marker+` ]; then
  touch `+marker+`
  exit 1
fi
cat <<'EOF' >&2
Input #0, mpegts, from 'http://x/1.ts':
  Stream #0:0: Video: h264, yuv420p, 1920x1080, 25 fps
frame= 25 bitrate=5000.0kbits/s speed=1x
EOF
exit 0`)

	sa := quickAnalysis()
	sa.Retries = 1

	p := New(Options{FFmpegPath: stub})
	res := p.Probe(context.Background(), "http://provider.example/live/1.ts", sa)

	require.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "1920x1080", res.Resolution)
}

func TestProbeRejectsGuardedURL(t *testing.T) {
	p := New(Options{FFmpegPath: "/nonexistent"})
	res := p.Probe(context.Background(), "http://127.0.0.1/internal.ts", quickAnalysis())

	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Err, "rejected")
}

func TestProbeRejectsBadScheme(t *testing.T) {
	p := New(Options{FFmpegPath: "/nonexistent"})
	res := p.Probe(context.Background(), "file:///etc/passwd", quickAnalysis())
	assert.Equal(t, StatusError, res.Status)
}

func TestArgsIncludeUserAgentAndProxy(t *testing.T) {
	p := New(Options{FFmpegPath: "ffmpeg", Proxy: "http://proxy:3128"})
	args := p.args("http://host/1.ts", quickAnalysis())

	assert.Contains(t, args, "-user_agent")
	assert.Contains(t, args, "test-agent")
	assert.Contains(t, args, "-http_proxy")
	assert.Contains(t, args, "-re")
	assert.Equal(t, "-", args[len(args)-1])

	// no proxy flag for non-http inputs
	args = p.args("rtmp://host/app", quickAnalysis())
	assert.NotContains(t, args, "-http_proxy")
}
