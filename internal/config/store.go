// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/fsio"
)

// document wraps one JSON settings file with a mutex, default values and
// corrupt-file recovery. The clone function must return an alias-free copy
// so callers can never mutate the held value through a Get.
type document[T any] struct {
	mu        sync.RWMutex
	path      string
	value     T
	defaults  func() T
	clone     func(T) T
	normalize func(*T) bool // reports whether the document must be rewritten
	logger    zerolog.Logger
}

func openDocument[T any](ctx context.Context, path string, logger zerolog.Logger, defaults func() T, clone func(T) T, normalize func(*T) bool) *document[T] {
	d := &document[T]{
		path:      path,
		defaults:  defaults,
		clone:     clone,
		normalize: normalize,
		logger:    logger,
	}
	d.load(ctx)
	return d
}

// load reads the file, falling back to defaults on absence or corruption.
// Missing keys keep their default values; unknown keys are ignored.
func (d *document[T]) load(ctx context.Context) {
	value := d.defaults()
	rewrite := false

	err := fsio.LoadJSON(d.path, &value)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		d.logger.Info().
			Str("event", "config.created").
			Str("path", d.path).
			Msg("settings file missing, writing defaults")
		rewrite = true
	default:
		// A failed decode may leave partially assigned fields behind.
		d.logger.Warn().
			Err(err).
			Str("event", "config.corrupt").
			Str("path", d.path).
			Msg("settings file unreadable, recreating with defaults")
		value = d.defaults()
		rewrite = true
	}

	if d.normalize != nil && d.normalize(&value) {
		rewrite = true
	}

	d.mu.Lock()
	d.value = value
	d.mu.Unlock()

	if rewrite {
		if err := d.save(ctx, value); err != nil {
			d.logger.Error().
				Err(err).
				Str("path", d.path).
				Msg("persist settings file")
		}
	}
}

func (d *document[T]) save(ctx context.Context, value T) error {
	return fsio.SaveJSON(ctx, d.path, value)
}

// get returns an alias-free copy of the current value.
func (d *document[T]) get() T {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clone(d.value)
}

// update applies mutate to a copy, normalizes, persists, then swaps the
// held value. The held value is untouched when persisting fails.
func (d *document[T]) update(ctx context.Context, mutate func(*T)) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.clone(d.value)
	mutate(&next)
	if d.normalize != nil {
		d.normalize(&next)
	}
	if err := d.save(ctx, next); err != nil {
		return d.clone(d.value), err
	}
	d.value = next
	return d.clone(next), nil
}

// reload re-reads the file from disk, for the fsnotify watcher.
func (d *document[T]) reload(ctx context.Context) {
	d.load(ctx)
}
