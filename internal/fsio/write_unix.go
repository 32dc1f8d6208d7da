// SPDX-License-Identifier: MIT

//go:build !windows

package fsio

import (
	"context"
	"fmt"

	"github.com/google/renameio/v2"

	"github.com/checkarr/checkarr/internal/log"
)

// writeAtomic safely writes data with full durability guarantees using renameio.
// This ensures atomic + durable writes: fsync before rename prevents data loss on power failure.
func writeAtomic(ctx context.Context, path string, data []byte) error {
	logger := log.FromContext(ctx)

	// renameio handles: temp file creation, fsync, atomic rename, cleanup on error
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		// Cleanup on error - renameio removes temp file if not committed
		if err := pendingFile.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending file")
		}
	}()

	if _, err := pendingFile.Write(data); err != nil {
		return fmt.Errorf("write pending file: %w", err)
	}

	// CloseAtomicallyReplace: fsync + rename (durable + atomic)
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %s: %w", path, err)
	}

	return nil
}
