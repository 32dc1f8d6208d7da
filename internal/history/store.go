// SPDX-License-Identifier: MIT

// Package history keeps a ledger of every probe outcome in SQLite. The
// JSON state files hold only the latest state per entity; the ledger is
// what answers "how often did provider 7 fail this week".
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/checkarr/checkarr/internal/persistence/sqlite"
)

const schemaVersion = 1

// Record is one probe outcome.
type Record struct {
	ID          int64     `json:"id"`
	StreamID    int       `json:"stream_id"`
	ChannelID   int       `json:"channel_id"`
	ProviderID  int       `json:"provider_id"`
	URL         string    `json:"url"`
	Status      string    `json:"status"` // OK|Timeout|Error|Skipped
	Score       float64   `json:"score"`
	Resolution  string    `json:"resolution,omitempty"`
	FPS         float64   `json:"fps,omitempty"`
	BitrateKbps float64   `json:"bitrate_kbps,omitempty"`
	VideoCodec  string    `json:"video_codec,omitempty"`
	AudioCodec  string    `json:"audio_codec,omitempty"`
	Elapsed     float64   `json:"elapsed_s"`
	ProbedAt    time.Time `json:"probed_at"`
}

// ProviderStats aggregates outcomes for one provider over a window.
type ProviderStats struct {
	ProviderID int     `json:"provider_id"`
	Probes     int     `json:"probes"`
	Failures   int     `json:"failures"`
	FailRate   float64 `json:"fail_rate"`
}

// Store is the SQLite-backed probe ledger.
type Store struct {
	db *sql.DB
}

// Open creates (or migrates) the ledger at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema := `
	CREATE TABLE IF NOT EXISTS probes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stream_id INTEGER NOT NULL,
		channel_id INTEGER NOT NULL,
		provider_id INTEGER NOT NULL DEFAULT 0,
		url TEXT NOT NULL,
		status TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		resolution TEXT NOT NULL DEFAULT '',
		fps REAL NOT NULL DEFAULT 0,
		bitrate_kbps REAL NOT NULL DEFAULT 0,
		video_codec TEXT NOT NULL DEFAULT '',
		audio_codec TEXT NOT NULL DEFAULT '',
		elapsed_s REAL NOT NULL DEFAULT 0,
		probed_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_probes_stream ON probes(stream_id, probed_at_ms);
	CREATE INDEX IF NOT EXISTS idx_probes_provider ON probes(provider_id, probed_at_ms);
	CREATE INDEX IF NOT EXISTS idx_probes_time ON probes(probed_at_ms);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Add appends one probe record.
func (s *Store) Add(ctx context.Context, r Record) error {
	if r.ProbedAt.IsZero() {
		r.ProbedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO probes (stream_id, channel_id, provider_id, url, status, score,
			resolution, fps, bitrate_kbps, video_codec, audio_codec, elapsed_s, probed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StreamID, r.ChannelID, r.ProviderID, r.URL, r.Status, r.Score,
		r.Resolution, r.FPS, r.BitrateKbps, r.VideoCodec, r.AudioCodec, r.Elapsed,
		r.ProbedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// ByStream returns the newest records for one stream, newest first.
func (s *Store) ByStream(ctx context.Context, streamID, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, channel_id, provider_id, url, status, score,
			resolution, fps, bitrate_kbps, video_codec, audio_codec, elapsed_s, probed_at_ms
		FROM probes WHERE stream_id = ? ORDER BY probed_at_ms DESC LIMIT ?`,
		streamID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query stream %d: %w", streamID, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Recent returns the newest records across all streams, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, channel_id, provider_id, url, status, score,
			resolution, fps, bitrate_kbps, video_codec, audio_codec, elapsed_s, probed_at_ms
		FROM probes ORDER BY probed_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var probedAtMs int64
		if err := rows.Scan(&r.ID, &r.StreamID, &r.ChannelID, &r.ProviderID, &r.URL,
			&r.Status, &r.Score, &r.Resolution, &r.FPS, &r.BitrateKbps,
			&r.VideoCodec, &r.AudioCodec, &r.Elapsed, &probedAtMs); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		r.ProbedAt = time.UnixMilli(probedAtMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ProviderFailureRates aggregates probe outcomes per provider since the
// given time. A failure is any probe that did not finish with status OK.
func (s *Store) ProviderFailureRates(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id,
			COUNT(*) AS probes,
			SUM(CASE WHEN status != 'OK' THEN 1 ELSE 0 END) AS failures
		FROM probes
		WHERE probed_at_ms >= ? AND provider_id != 0
		GROUP BY provider_id
		ORDER BY provider_id`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("history: failure rates: %w", err)
	}
	defer rows.Close()

	var out []ProviderStats
	for rows.Next() {
		var st ProviderStats
		if err := rows.Scan(&st.ProviderID, &st.Probes, &st.Failures); err != nil {
			return nil, fmt.Errorf("history: scan rates: %w", err)
		}
		if st.Probes > 0 {
			st.FailRate = float64(st.Failures) / float64(st.Probes)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Prune drops records older than the retention window and reports how
// many were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM probes WHERE probed_at_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
