// SPDX-License-Identifier: MIT

// Package fsio persists state files as pretty-printed JSON with atomic
// replace semantics, so a crash mid-write never leaves a truncated file
// behind.
package fsio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SaveJSON marshals v and atomically replaces path with the result. The
// parent directory is created if missing.
func SaveJSON(ctx context.Context, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	return writeAtomic(ctx, path, data)
}

// LoadJSON reads path and unmarshals it into v. A missing file is reported
// as-is so callers can distinguish "not yet written" from a corrupt file.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
