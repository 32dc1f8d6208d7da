// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/log"
)

// Settings file names inside the data directory.
const (
	FileCheckerSettings = "stream_checker_config.json"
	FileAutomationState = "automation_config.json"
	FileChannelSettings = "channel_settings.json"
)

// Manager bundles the three settings documents and keeps them fresh by
// watching the data directory. Reload is edit-tool friendly: saves done
// via rename-replace (our own included) surface as Create events, so the
// watch sits on the directory, not the files.
type Manager struct {
	Checker    *CheckerStore
	Automation *AutomationStore
	Channels   *ChannelSettingsStore

	dataDir string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	reloadMu        sync.RWMutex
	reloadListeners []chan<- struct{}
}

// NewManager loads (or creates with defaults) all settings documents
// under dataDir.
func NewManager(ctx context.Context, dataDir string) *Manager {
	return &Manager{
		Checker:    OpenCheckerStore(ctx, filepath.Join(dataDir, FileCheckerSettings)),
		Automation: OpenAutomationStore(ctx, filepath.Join(dataDir, FileAutomationState)),
		Channels:   OpenChannelSettingsStore(ctx, filepath.Join(dataDir, FileChannelSettings)),
		dataDir:    dataDir,
		logger:     log.WithComponent("config"),
	}
}

// StartWatcher begins watching the data directory for settings changes.
func (m *Manager) StartWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.dataDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch data dir: %w", err)
	}
	m.watcher = watcher

	m.logger.Info().
		Str("event", "config.watcher_started").
		Str("path", m.dataDir).
		Msg("watching settings files for changes")

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) tracked(base string) bool {
	switch base {
	case FileCheckerSettings, FileAutomationState, FileChannelSettings:
		return true
	}
	return false
}

// watchLoop is the main file watcher loop. Rapid successive events are
// debounced so one editor save triggers one reload.
func (m *Manager) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond

	var (
		pendingMu sync.Mutex
		pending   = make(map[string]struct{})
		debounce  *time.Timer
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			base := filepath.Base(event.Name)
			if !m.tracked(base) {
				continue
			}
			m.logger.Debug().
				Str("event", "config.file_changed").
				Str("file", base).
				Str("op", event.Op.String()).
				Msg("settings file changed")

			pendingMu.Lock()
			pending[base] = struct{}{}
			pendingMu.Unlock()

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				pendingMu.Lock()
				files := make([]string, 0, len(pending))
				for name := range pending {
					files = append(files, name)
				}
				clear(pending)
				pendingMu.Unlock()

				for _, name := range files {
					m.reloadFile(ctx, name)
				}
				m.notifyListeners()
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error().
				Err(err).
				Str("event", "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

func (m *Manager) reloadFile(ctx context.Context, base string) {
	switch base {
	case FileCheckerSettings:
		m.Checker.Reload(ctx)
	case FileAutomationState:
		m.Automation.Reload(ctx)
	case FileChannelSettings:
		m.Channels.Reload(ctx)
	default:
		return
	}
	m.logger.Info().
		Str("event", "config.reloaded").
		Str("file", base).
		Msg("settings reloaded")
}

// Stop stops the watcher (if running).
func (m *Manager) Stop() {
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}

// RegisterListener registers a channel that receives a signal whenever a
// settings document was reloaded from disk. The send is non-blocking.
func (m *Manager) RegisterListener(ch chan<- struct{}) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	m.reloadListeners = append(m.reloadListeners, ch)
}

func (m *Manager) notifyListeners() {
	m.reloadMu.RLock()
	defer m.reloadMu.RUnlock()
	for _, ch := range m.reloadListeners {
		select {
		case ch <- struct{}{}:
		default:
			// Listener is behind; it will pick up the change on its next read.
		}
	}
}
