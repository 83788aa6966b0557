// Package store persists the server's operational configuration across
// restarts: recognized settings, a best-effort audit log of admission
// decisions, and adaptive-quality-ladder tuning overrides (SPEC_FULL.md §3).
// Meetings and transfer sessions themselves stay in-memory, matching
// spec.md's non-goal of meeting-history persistence; nothing here stores
// participant names, chat text, or file contents.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSettingNotFound is returned by GetSetting when no row exists for a key.
var ErrSettingNotFound = errors.New("store: setting not found")

// maxAuditLogRows bounds the audit_log table so a long-lived server doesn't
// grow its database file without bound; entries beyond this count are
// purged, oldest first, after every insert.
const maxAuditLogRows = 10000

// migrations is applied in order, exactly once each, tracked by version
// number (slice index + 1) in schema_migrations. Grounded on the teacher's store/store.go migration
// slice: every entry is additive DDL, never rewritten once released.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		actor_id INTEGER NOT NULL,
		target_id INTEGER NOT NULL,
		meeting_code TEXT NOT NULL,
		at_unix_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_at ON audit_log(at_unix_ms)`,
	`CREATE TABLE IF NOT EXISTS quality_overrides (
		level_index INTEGER PRIMARY KEY,
		fps INTEGER NOT NULL,
		quality INTEGER NOT NULL
	)`,
}

// Store wraps a SQLite connection. All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// migrations not yet recorded in schema_migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: apply pragma %q: %w", p, err)
		}
	}
	return s.migrate(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	const trackingTable = `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`
	if _, err := s.db.ExecContext(ctx, trackingTable); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("store: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterate schema_migrations: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1
		if applied[version] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", version, err)
		}
		slog.Debug("applied migration", "version", version)
	}
	return nil
}

// Close closes the underlying database connection. Safe to call on a nil
// Store or one whose Open call failed.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetSetting returns the value stored for key, or ErrSettingNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("store: set setting %q: %w", key, err)
	}
	slog.Debug("setting updated", "key", key)
	return nil
}

// AllSettings returns every stored setting, for the CLI's `settings list`.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("store: list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// AuditEntry is one recorded admission decision.
type AuditEntry struct {
	ID          int64
	Action      string
	ActorID     uint32
	TargetID    uint32
	MeetingCode string
	At          time.Time
}

// InsertAuditLog records one admission decision and purges rows beyond
// maxAuditLogRows, oldest first. It is intended to be wired as a
// best-effort callback (errors are logged, never surfaced to the control
// connection) via registry.Registry.SetAuditLog.
func (s *Store) InsertAuditLog(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	const insert = `INSERT INTO audit_log (action, actor_id, target_id, meeting_code, at_unix_ms) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, insert, e.Action, e.ActorID, e.TargetID, e.MeetingCode, e.At.UnixMilli()); err != nil {
		return fmt.Errorf("store: insert audit log: %w", err)
	}

	const purge = `DELETE FROM audit_log WHERE id IN (
		SELECT id FROM audit_log ORDER BY id DESC LIMIT -1 OFFSET ?
	)`
	if _, err := s.db.ExecContext(ctx, purge, maxAuditLogRows); err != nil {
		slog.Warn("audit log purge failed", "err", err)
	}
	return nil
}

// GetAuditLog returns the most recent audit entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id, action, actor_id, target_id, meeting_code, at_unix_ms
		FROM audit_log ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var atMs int64
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.TargetID, &e.MeetingCode, &atMs); err != nil {
			return nil, fmt.Errorf("store: scan audit log: %w", err)
		}
		e.At = time.UnixMilli(atMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditLogCount returns the number of recorded audit entries, for the
// CLI's `status` subcommand.
func (s *Store) AuditLogCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count audit log: %w", err)
	}
	return n, nil
}

// QualityOverride is an operator-tuned replacement for one rung of the
// adaptive-quality ladder in internal/quality, persisted so restarts don't
// lose a deployment-specific tuning decision.
type QualityOverride struct {
	LevelIndex int
	FPS        int
	Quality    int
}

// SetQualityOverride upserts a tuning override for one ladder rung.
func (s *Store) SetQualityOverride(ctx context.Context, o QualityOverride) error {
	const q = `INSERT INTO quality_overrides (level_index, fps, quality) VALUES (?, ?, ?)
		ON CONFLICT(level_index) DO UPDATE SET fps = excluded.fps, quality = excluded.quality`
	if _, err := s.db.ExecContext(ctx, q, o.LevelIndex, o.FPS, o.Quality); err != nil {
		return fmt.Errorf("store: set quality override: %w", err)
	}
	return nil
}

// QualityOverrides returns every persisted ladder override, keyed by level
// index.
func (s *Store) QualityOverrides(ctx context.Context) (map[int]QualityOverride, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT level_index, fps, quality FROM quality_overrides`)
	if err != nil {
		return nil, fmt.Errorf("store: list quality overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[int]QualityOverride)
	for rows.Next() {
		var o QualityOverride
		if err := rows.Scan(&o.LevelIndex, &o.FPS, &o.Quality); err != nil {
			return nil, fmt.Errorf("store: scan quality override: %w", err)
		}
		out[o.LevelIndex] = o
	}
	return out, rows.Err()
}
