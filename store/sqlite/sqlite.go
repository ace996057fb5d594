/*
Package sqlite provides a SQLite-backed implementation of the progression
storage interfaces.

INTERFACES IMPLEMENTED:
  progression.TxStore:        progression, locks, transaction log, level-ups
  progression.RepairStore:    orphan scans for the repair pass
  progression.RetentionStore: lock garbage collection

KEY TABLES:
  user_progressions:   one row per user (level, xp)
  progression_unlocks: cumulative content/permission ids
  completed_chapters:  secondary dedup guard for chapter awards
  xp_locks:            idempotency markers, PRIMARY KEY (user_id, source_id)
  xp_transactions:     append-only award log, UNIQUE (user_id, source_id)
  level_ups:           append-only level transitions

UNIQUENESS:
  Constraint violations on xp_locks and xp_transactions come back as
  progression.ErrDuplicateLock. The engine relies on this, not on the
  LockExists shortcut, to keep awards at-most-once.

CONCURRENCY:
  One open connection (SQLite has a single writer, and ":memory:" databases
  are per-connection) plus a RWMutex. WithTx holds the write lock for the
  whole unit, and the tx view never touches s.db, so nothing inside a unit
  waits on the pool.

MIGRATION:
  schema.sql is embedded and idempotent; incremental changes are tracked
  with PRAGMA user_version.
*/
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/xp-engine/progression"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - UNIQUE index on xp_transactions(user_id, source_id)
const currentSchemaVersion = 1

// snapshotVersion is the "v" field of level_ups.snapshot_json.
const snapshotVersion = 1

// Fixed-width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	kindContent    = "content"
	kindPermission = "permission"
)

var (
	_ progression.RepairStore    = (*Store)(nil)
	_ progression.RetentionStore = (*Store)(nil)
	_ progression.RepairTx       = (*txStore)(nil)
)

// Store implements the progression storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	// A recycled connection would drop a ":memory:" database.
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		// Databases created before v1 lack the log's own uniqueness index.
		if _, err := s.db.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_xp_transactions_user_source
			ON xp_transactions(user_id, source_id)
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// SchemaVersion reports PRAGMA user_version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// =============================================================================
// READ SIDE (progression.Store)
// =============================================================================

func (s *Store) GetProgression(ctx context.Context, userID progression.UserID) (*progression.Progression, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProgression(ctx, s.db, userID)
}

func (s *Store) LockExists(ctx context.Context, userID progression.UserID, sourceID progression.SourceID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lockExists(ctx, s.db, userID, sourceID)
}

// Transactions returns up to limit rows for userID, newest first.
func (s *Store) Transactions(ctx context.Context, userID progression.UserID, limit int) ([]progression.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	return queryTransactions(ctx, s.db, `
		SELECT id, user_id, amount, reason, source, source_id, created_at
		FROM xp_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
}

// LevelUps returns every level transition for userID, oldest first.
func (s *Store) LevelUps(ctx context.Context, userID progression.UserID) ([]progression.LevelUp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, from_level, to_level, snapshot_json, created_at
		FROM level_ups
		WHERE user_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query level-ups: %w", err)
	}
	defer rows.Close()

	var out []progression.LevelUp
	for rows.Next() {
		var (
			lu        progression.LevelUp
			snapshot  string
			createdAt string
		)
		if err := rows.Scan(&lu.ID, &lu.UserID, &lu.FromLevel, &lu.ToLevel, &snapshot, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan level-up: %w", err)
		}
		content, perms, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, fmt.Errorf("level-up %s: %w", lu.ID, err)
		}
		lu.UnlockedContent = content
		lu.UnlockedPermissions = perms
		lu.CreatedAt = parseTime(createdAt)
		out = append(out, lu)
	}
	return out, rows.Err()
}

// CreateProgression inserts p unless the user already exists, then returns
// the stored record.
func (s *Store) CreateProgression(ctx context.Context, p progression.Progression) (*progression.Progression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO user_progressions (user_id, total_xp, current_xp, current_level, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, p.UserID, p.TotalXP, p.CurrentXP, p.CurrentLevel, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create progression: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := insertUnlocks(ctx, sqlTx, p); err != nil {
			return nil, err
		}
	}

	stored, err := getProgression(ctx, sqlTx, p.UserID)
	if err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return stored, nil
}

// =============================================================================
// TRANSACTIONAL STORE (progression.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(progression.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetProgression(ctx context.Context, userID progression.UserID) (*progression.Progression, error) {
	return getProgression(ctx, ts.tx, userID)
}

func (ts *txStore) LockExists(ctx context.Context, userID progression.UserID, sourceID progression.SourceID) (bool, error) {
	return lockExists(ctx, ts.tx, userID, sourceID)
}

func (ts *txStore) InsertLock(ctx context.Context, l progression.Lock) error {
	_, err := ts.tx.ExecContext(ctx,
		"INSERT INTO xp_locks (user_id, source_id, created_at) VALUES (?, ?, ?)",
		l.UserID, l.SourceID, formatTime(l.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return progression.ErrDuplicateLock
	}
	if err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	return nil
}

// SaveProgression updates the aggregate row. Unlocks and chapters are
// inserted with OR IGNORE and never deleted.
func (ts *txStore) SaveProgression(ctx context.Context, p progression.Progression) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE user_progressions
		SET total_xp = ?, current_xp = ?, current_level = ?, updated_at = ?
		WHERE user_id = ?
	`, p.TotalXP, p.CurrentXP, p.CurrentLevel, formatTime(p.UpdatedAt), p.UserID)
	if err != nil {
		return fmt.Errorf("failed to update progression: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return progression.ErrUserNotFound
	}
	return insertUnlocks(ctx, ts.tx, p)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx progression.Transaction) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO xp_transactions (id, user_id, amount, reason, source, source_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.UserID, tx.Amount, nullString(tx.Reason), tx.Source, tx.SourceID, formatTime(tx.CreatedAt))
	if isUniqueConstraintError(err) {
		return progression.ErrDuplicateLock
	}
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (ts *txStore) AppendLevelUp(ctx context.Context, lu progression.LevelUp) error {
	snapshot, err := encodeSnapshot(lu.UnlockedContent, lu.UnlockedPermissions)
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO level_ups (id, user_id, from_level, to_level, snapshot_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, lu.ID, lu.UserID, lu.FromLevel, lu.ToLevel, snapshot, formatTime(lu.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append level-up: %w", err)
	}
	return nil
}

func (ts *txStore) DeleteLock(ctx context.Context, userID progression.UserID, sourceID progression.SourceID) error {
	_, err := ts.tx.ExecContext(ctx,
		"DELETE FROM xp_locks WHERE user_id = ? AND source_id = ?", userID, sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	return nil
}

// =============================================================================
// REPAIR / RETENTION
// =============================================================================

func (s *Store) OrphanedLocks(ctx context.Context) ([]progression.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.user_id, l.source_id, l.created_at
		FROM xp_locks l
		LEFT JOIN xp_transactions t
			ON t.user_id = l.user_id AND t.source_id = l.source_id
		WHERE t.id IS NULL
		ORDER BY l.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan orphaned locks: %w", err)
	}
	defer rows.Close()

	var out []progression.Lock
	for rows.Next() {
		var (
			l         progression.Lock
			createdAt string
		)
		if err := rows.Scan(&l.UserID, &l.SourceID, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = parseTime(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) OrphanedTransactions(ctx context.Context) ([]progression.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryTransactions(ctx, s.db, `
		SELECT t.id, t.user_id, t.amount, t.reason, t.source, t.source_id, t.created_at
		FROM xp_transactions t
		LEFT JOIN xp_locks l
			ON l.user_id = t.user_id AND l.source_id = t.source_id
		WHERE l.user_id IS NULL
		ORDER BY t.created_at
	`)
}

func (s *Store) UserIDs(ctx context.Context) ([]progression.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM user_progressions ORDER BY user_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []progression.UserID
	for rows.Next() {
		var id progression.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PurgeLocks deletes locks created before cutoff.
func (s *Store) PurgeLocks(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM xp_locks WHERE created_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge locks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Reset deletes all data. Development only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{
		"level_ups", "xp_transactions", "xp_locks",
		"completed_chapters", "progression_unlocks", "user_progressions",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Exec runs a raw statement. Tests use it to simulate corruption.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

func getProgression(ctx context.Context, q querier, userID progression.UserID) (*progression.Progression, error) {
	var (
		p                    progression.Progression
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, total_xp, current_xp, current_level, created_at, updated_at
		FROM user_progressions WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.TotalXP, &p.CurrentXP, &p.CurrentLevel, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, progression.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progression: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)

	rows, err := q.QueryContext(ctx,
		"SELECT kind, item_id FROM progression_unlocks WHERE user_id = ? ORDER BY item_id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load unlocks: %w", err)
	}
	defer rows.Close()
	p.UnlockedContent = progression.Set{}
	p.UnlockedPermissions = progression.Set{}
	for rows.Next() {
		var kind, item string
		if err := rows.Scan(&kind, &item); err != nil {
			return nil, err
		}
		if kind == kindContent {
			p.UnlockedContent = append(p.UnlockedContent, item)
		} else {
			p.UnlockedPermissions = append(p.UnlockedPermissions, item)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	chRows, err := q.QueryContext(ctx,
		"SELECT chapter FROM completed_chapters WHERE user_id = ? ORDER BY chapter", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chapters: %w", err)
	}
	defer chRows.Close()
	p.CompletedChapters = []int{}
	for chRows.Next() {
		var ch int
		if err := chRows.Scan(&ch); err != nil {
			return nil, err
		}
		p.CompletedChapters = append(p.CompletedChapters, ch)
	}
	return &p, chRows.Err()
}

func insertUnlocks(ctx context.Context, q querier, p progression.Progression) error {
	for _, group := range []struct {
		kind  string
		items progression.Set
	}{
		{kindContent, p.UnlockedContent},
		{kindPermission, p.UnlockedPermissions},
	} {
		for _, item := range group.items {
			if _, err := q.ExecContext(ctx,
				"INSERT OR IGNORE INTO progression_unlocks (user_id, kind, item_id) VALUES (?, ?, ?)",
				p.UserID, group.kind, item,
			); err != nil {
				return fmt.Errorf("failed to insert unlock: %w", err)
			}
		}
	}
	for _, ch := range p.CompletedChapters {
		if _, err := q.ExecContext(ctx,
			"INSERT OR IGNORE INTO completed_chapters (user_id, chapter) VALUES (?, ?)",
			p.UserID, ch,
		); err != nil {
			return fmt.Errorf("failed to insert chapter: %w", err)
		}
	}
	return nil
}

func lockExists(ctx context.Context, q querier, userID progression.UserID, sourceID progression.SourceID) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM xp_locks WHERE user_id = ? AND source_id = ?",
		userID, sourceID,
	).Scan(&count)
	return count > 0, err
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]progression.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []progression.Transaction
	for rows.Next() {
		var (
			tx        progression.Transaction
			reason    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &reason, &tx.Source, &tx.SourceID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Reason = reason.String
		tx.CreatedAt = parseTime(createdAt)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// LEVEL-UP SNAPSHOT CODEC
// =============================================================================

type levelUpSnapshot struct {
	V           int      `json:"v"`
	Content     []string `json:"content"`
	Permissions []string `json:"permissions"`
}

func encodeSnapshot(content, perms progression.Set) (string, error) {
	b, err := json.Marshal(levelUpSnapshot{
		V:           snapshotVersion,
		Content:     append([]string{}, content...),
		Permissions: append([]string{}, perms...),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return string(b), nil
}

func decodeSnapshot(raw string) (progression.Set, progression.Set, error) {
	var snap levelUpSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.V != snapshotVersion {
		return nil, nil, fmt.Errorf("unsupported snapshot version %d", snap.V)
	}
	return progression.NewSet(snap.Content...), progression.NewSet(snap.Permissions...), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
