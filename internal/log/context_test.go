// SPDX-License-Identifier: MIT

package log

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestContextWithRequestID(t *testing.T) {
	tests := []struct {
		name      string
		ctx       context.Context
		requestID string
		want      string
	}{
		{
			name:      "nil context",
			ctx:       nil,
			requestID: "test-id-123",
			want:      "test-id-123",
		},
		{
			name:      "background context",
			ctx:       context.Background(),
			requestID: "req-456",
			want:      "req-456",
		},
		{
			name:      "empty request ID",
			ctx:       context.Background(),
			requestID: "",
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithRequestID(tt.ctx, tt.requestID)
			got := RequestIDFromContext(ctx)
			if got != tt.want {
				t.Errorf("RequestIDFromContext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChannelIDFromContext(t *testing.T) {
	tests := []struct {
		name   string
		ctx    context.Context
		wantID int
		wantOK bool
	}{
		{
			name:   "nil context",
			ctx:    nil,
			wantID: 0,
			wantOK: false,
		},
		{
			name:   "context without channel ID",
			ctx:    context.Background(),
			wantID: 0,
			wantOK: false,
		},
		{
			name:   "context with channel ID",
			ctx:    ContextWithChannelID(context.Background(), 42),
			wantID: 42,
			wantOK: true,
		},
		{
			name:   "context with wrong type",
			ctx:    context.WithValue(context.Background(), channelIDKey, "42"),
			wantID: 0,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ChannelIDFromContext(tt.ctx)
			if got != tt.wantID || ok != tt.wantOK {
				t.Errorf("ChannelIDFromContext() = (%v, %v), want (%v, %v)", got, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestContextWithBatchID(t *testing.T) {
	ctx := ContextWithBatchID(nil, "batch-2026-01-01")
	if got := BatchIDFromContext(ctx); got != "batch-2026-01-01" {
		t.Errorf("BatchIDFromContext() = %v, want batch-2026-01-01", got)
	}
	if got := BatchIDFromContext(context.Background()); got != "" {
		t.Errorf("BatchIDFromContext() on empty context = %v, want empty", got)
	}
}

func TestWithContext(t *testing.T) {
	baseLogger := WithComponent("test")

	// Context with request ID only
	ctx1 := ContextWithRequestID(context.Background(), "req-123")
	logger1 := WithContext(ctx1, baseLogger)
	if logger1.GetLevel() != baseLogger.GetLevel() {
		t.Error("Logger level should be preserved")
	}

	// Context with all correlation IDs
	ctx2 := ContextWithBatchID(ContextWithChannelID(ctx1, 9), "batch-1")
	logger2 := WithContext(ctx2, baseLogger)
	if logger2.GetLevel() != baseLogger.GetLevel() {
		t.Error("Logger level should be preserved")
	}

	// Empty context returns the original logger
	logger3 := WithContext(context.Background(), baseLogger)
	if logger3.GetLevel() != baseLogger.GetLevel() {
		t.Error("Logger level should be preserved")
	}
}

func TestWithComponentFromContext(t *testing.T) {
	logger := WithComponentFromContext(context.Background(), "test-component")
	if logger.GetLevel() > zerolog.PanicLevel {
		t.Error("Expected valid logger from WithComponentFromContext")
	}
}

func TestFromContextFallsBackToBase(t *testing.T) {
	logger := FromContext(context.Background())
	if logger.GetLevel() == zerolog.Disabled {
		t.Error("Expected enabled logger when context carries none")
	}

	logger = FromContext(nil) //nolint:staticcheck // nil context is the case under test
	if logger.GetLevel() == zerolog.Disabled {
		t.Error("Expected enabled logger for nil context")
	}
}
