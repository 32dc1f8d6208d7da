// SPDX-License-Identifier: MIT

package prober

import (
	"strings"
	"sync"
)

// lineRing keeps the last N lines of analyzer stderr. The analyzer is
// chatty in verbose mode; only the tail matters for parsing and error
// reporting.
type lineRing struct {
	mu      sync.Mutex
	lines   []string
	head    int
	count   int
	partial strings.Builder
}

func newLineRing(capacity int) *lineRing {
	if capacity < 1 {
		capacity = 64
	}
	return &lineRing{lines: make([]string, capacity)}
}

// Write implements io.Writer. Carriage returns separate lines too: the
// analyzer rewrites its progress line with \r.
func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range p {
		if b == '\n' || b == '\r' {
			if r.partial.Len() > 0 {
				r.push(r.partial.String())
				r.partial.Reset()
			}
			continue
		}
		r.partial.WriteByte(b)
	}
	return len(p), nil
}

func (r *lineRing) push(line string) {
	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// Lines returns the captured lines oldest first, including any
// unterminated tail.
func (r *lineRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, r.count+1)
	start := (r.head - r.count + len(r.lines)) % len(r.lines)
	for i := 0; i < r.count; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	if r.partial.Len() > 0 {
		out = append(out, r.partial.String())
	}
	return out
}

// LastN returns up to n of the newest lines, oldest first.
func (r *lineRing) LastN(n int) []string {
	all := r.Lines()
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}
