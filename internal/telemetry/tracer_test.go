// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"testing"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown of noop provider: %v", err)
	}

	// Tracer must work even with the noop provider installed.
	tr := Tracer("test")
	_, span := tr.Start(context.Background(), "op")
	span.End()
}

func TestUnsupportedProtocolRejected(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{
		Enabled:  true,
		Protocol: "carrier-pigeon",
	})
	if err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
}

func TestProbeAttributesOmitZeroIDs(t *testing.T) {
	attrs := ProbeAttributes(42, 0, 0, "ok")
	if len(attrs) != 2 {
		t.Fatalf("len = %d, want 2 (stream id + outcome only)", len(attrs))
	}
	attrs = ProbeAttributes(42, 7, 3, "ok")
	if len(attrs) != 4 {
		t.Fatalf("len = %d, want 4", len(attrs))
	}
}
