// SPDX-License-Identifier: MIT

//go:build windows
// +build windows

package fsio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/checkarr/checkarr/internal/log"
)

// writeAtomic writes data for Windows using temp file + rename.
// Note: Windows doesn't support atomic rename with fsync like Unix.
func writeAtomic(ctx context.Context, path string, data []byte) error {
	logger := log.FromContext(ctx)

	// Create temp file in same directory for atomic rename
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".checkarr-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Close before rename (Windows requires this)
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	tmpFile = nil // Prevent double close in defer

	// Rename temp file to target (best-effort atomic on Windows)
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}

	logger.Debug().Str("path", path).Msg("wrote state file")
	return nil
}
