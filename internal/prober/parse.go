// SPDX-License-Identifier: MIT

package prober

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/checkarr/checkarr/internal/scoring"
)

var (
	streamVideoRe = regexp.MustCompile(`Stream #[^:]*.*?: Video: (.*)`)
	streamAudioRe = regexp.MustCompile(`Stream #[^:]*.*?: Audio: (.*)`)
	resolutionRe  = regexp.MustCompile(`\b(\d{2,5})x(\d{2,5})\b`)
	fpsRe         = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*fps`)
	bitrateRe     = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*kbits/s`)
	bytesReadRe   = regexp.MustCompile(`(\d+)\s*bytes read`)
	parenGroupRe  = regexp.MustCompile(`\(([^)]*)\)`)
	codecTokenRe  = regexp.MustCompile(`^[A-Za-z0-9_\-]+`)
)

// placeholder codec tokens the analyzer emits before the real codec
var codecPlaceholders = map[string]struct{}{
	"wrapped_avframe": {},
	"unknown":         {},
	"none":            {},
	"null":            {},
}

// probeStats is what the stderr parser extracts from one analyzer run.
type probeStats struct {
	VideoCodec  string
	AudioCodec  string
	Resolution  string
	FPS         float64
	BitrateKbps float64
}

// parseOutput walks the analyzer's stderr. Stream lines only count
// inside an "Input #" section; the Output section describes the null
// muxer, not the stream.
func parseOutput(lines []string, duration time.Duration) probeStats {
	var st probeStats
	inInput := false
	var statisticsBytes, fallbackBytes int64
	var lastBitrate float64

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Input #"):
			inInput = true
		case strings.HasPrefix(trimmed, "Output #"):
			inInput = false
		}

		if inInput {
			if st.VideoCodec == "" {
				if m := streamVideoRe.FindStringSubmatch(line); m != nil {
					st.VideoCodec = extractCodec(m[1])
					if res := resolutionRe.FindString(m[1]); res != "" {
						st.Resolution = res
					}
					if f := fpsRe.FindStringSubmatch(m[1]); f != nil {
						st.FPS, _ = strconv.ParseFloat(f[1], 64)
					}
				}
			}
			if st.AudioCodec == "" {
				if m := streamAudioRe.FindStringSubmatch(line); m != nil {
					st.AudioCodec = extractCodec(m[1])
				}
			}
		}

		if strings.Contains(line, "Statistics:") {
			if m := bytesReadRe.FindStringSubmatch(line); m != nil {
				statisticsBytes, _ = strconv.ParseInt(m[1], 10, 64)
			}
		} else if m := bytesReadRe.FindStringSubmatch(line); m != nil {
			fallbackBytes, _ = strconv.ParseInt(m[1], 10, 64)
		}
		if m := bitrateRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				lastBitrate = v
			}
		}
	}

	// bitrate precedence: the Statistics total is the ground truth, the
	// progress line is next, a bare byte count is last
	secs := duration.Seconds()
	switch {
	case statisticsBytes > 0 && secs > 0:
		st.BitrateKbps = float64(statisticsBytes) * 8 / 1000 / secs
	case lastBitrate > 0:
		st.BitrateKbps = lastBitrate
	case fallbackBytes > 0 && secs > 0:
		st.BitrateKbps = float64(fallbackBytes) * 8 / 1000 / secs
	}

	return st
}

// extractCodec pulls the codec name off a stream description. A
// placeholder first token means the real codec hides in the next
// parenthesized group, mixed with 0x tags.
func extractCodec(desc string) string {
	desc = strings.TrimSpace(desc)
	first := codecTokenRe.FindString(desc)
	if first == "" {
		return ""
	}
	if _, placeholder := codecPlaceholders[strings.ToLower(first)]; !placeholder {
		return scoring.NormalizeCodec(first)
	}

	rest := desc[len(first):]
	if m := parenGroupRe.FindStringSubmatch(rest); m != nil {
		for _, tok := range strings.FieldsFunc(m[1], func(r rune) bool {
			return r == ' ' || r == ',' || r == '/'
		}) {
			if strings.HasPrefix(tok, "0x") {
				continue
			}
			if codecTokenRe.FindString(tok) == tok && tok != "" {
				return scoring.NormalizeCodec(tok)
			}
		}
	}
	return scoring.NormalizeCodec(first)
}
