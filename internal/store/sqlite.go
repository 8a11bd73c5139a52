package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fzhlian/codexbridge/internal/audit"
)

// SQLiteDB is the durable backend. One database file in WAL mode holds the
// idempotency keys, the inflight records, the audit event log, and the
// status histogram, so relay instances on the same host can share state.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the relay database at path and ensures
// the schema exists.
func OpenSQLite(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	s := &SQLiteDB{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS idempotency (
		key TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS inflight (
		command_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		machine_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id TEXT NOT NULL,
		ts_ns INTEGER NOT NULL,
		status TEXT NOT NULL,
		user_id TEXT,
		machine_id TEXT,
		kind TEXT,
		summary TEXT,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_command ON audit_events(command_id);
	CREATE TABLE IF NOT EXISTS status_counts (
		status TEXT PRIMARY KEY,
		n INTEGER NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Idempotency returns the sqlite-backed IdempotencyStore.
func (s *SQLiteDB) Idempotency() IdempotencyStore { return &sqliteIdempotency{db: s.db} }

// Inflight returns the sqlite-backed InflightStore.
func (s *SQLiteDB) Inflight() InflightStore { return &sqliteInflight{db: s.db} }

// AuditSink returns the sqlite-backed audit.Sink.
func (s *SQLiteDB) AuditSink() audit.Sink { return &sqliteSink{db: s.db} }

type sqliteIdempotency struct {
	db *sql.DB
}

// MarkIfUnseen is a single conditional upsert: it claims the key unless an
// unexpired row already holds it. RowsAffected tells whether this call won.
func (s *sqliteIdempotency) MarkIfUnseen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency (key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
		WHERE idempotency.expires_at <= ?`,
		key, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, fmt.Errorf("store: mark idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteIdempotency) Seen(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM idempotency WHERE key = ? AND expires_at > ?`,
		key, time.Now().UnixMilli()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: check idempotency key: %w", err)
	}
	return n > 0, nil
}

func (s *sqliteIdempotency) Mark(ctx context.Context, key string, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency (key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
		key, now+ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("store: mark idempotency key: %w", err)
	}
	return nil
}

type sqliteInflight struct {
	db *sql.DB
}

func (s *sqliteInflight) Set(ctx context.Context, rec InflightRecord, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inflight (command_id, user_id, machine_id, kind, created_at_ms, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO UPDATE SET
			user_id = excluded.user_id,
			machine_id = excluded.machine_id,
			kind = excluded.kind,
			created_at_ms = excluded.created_at_ms,
			expires_at = excluded.expires_at`,
		rec.CommandID, rec.UserID, rec.MachineID, rec.Kind, rec.CreatedAtMs,
		time.Now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("store: set inflight %s: %w", rec.CommandID, err)
	}
	return nil
}

func (s *sqliteInflight) Get(ctx context.Context, commandID string) (*InflightRecord, error) {
	var rec InflightRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT command_id, user_id, machine_id, kind, created_at_ms
		FROM inflight WHERE command_id = ? AND expires_at > ?`,
		commandID, time.Now().UnixMilli()).
		Scan(&rec.CommandID, &rec.UserID, &rec.MachineID, &rec.Kind, &rec.CreatedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get inflight %s: %w", commandID, err)
	}
	return &rec, nil
}

func (s *sqliteInflight) Remove(ctx context.Context, commandID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inflight WHERE command_id = ?`, commandID)
	if err != nil {
		return false, fmt.Errorf("store: remove inflight %s: %w", commandID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteInflight) List(ctx context.Context) ([]InflightRecord, error) {
	now := time.Now().UnixMilli()
	// Opportunistic cleanup: the TTL is a safety net behind the sweep.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inflight WHERE expires_at <= ?`, now); err != nil {
		return nil, fmt.Errorf("store: expire inflight: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, user_id, machine_id, kind, created_at_ms
		FROM inflight ORDER BY created_at_ms`)
	if err != nil {
		return nil, fmt.Errorf("store: list inflight: %w", err)
	}
	defer rows.Close()

	var out []InflightRecord
	for rows.Next() {
		var rec InflightRecord
		if err := rows.Scan(&rec.CommandID, &rec.UserID, &rec.MachineID, &rec.Kind, &rec.CreatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type sqliteSink struct {
	db *sql.DB
}

// Append writes the event and, when the folded status changed, fixes up the
// status histogram in the same transaction. The increment/decrement pair is
// the one store operation that is not independently idempotent, so it never
// runs as two separate statements outside a transaction.
func (s *sqliteSink) Append(ctx context.Context, ev audit.Event, prevStatus, newStatus string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin audit tx: %w", err)
	}
	defer tx.Rollback()

	var metadata any
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("store: marshal audit metadata: %w", err)
		}
		metadata = string(raw)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (command_id, ts_ns, status, user_id, machine_id, kind, summary, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.CommandID, ev.Timestamp.UnixNano(), ev.Status,
		ev.UserID, ev.MachineID, ev.Kind, ev.Summary, metadata); err != nil {
		return fmt.Errorf("store: append audit event: %w", err)
	}

	if prevStatus != newStatus {
		if prevStatus != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE status_counts SET n = n - 1 WHERE status = ?`, prevStatus); err != nil {
				return fmt.Errorf("store: decrement %s: %w", prevStatus, err)
			}
		}
		if newStatus != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO status_counts (status, n) VALUES (?, 1)
				ON CONFLICT(status) DO UPDATE SET n = n + 1`, newStatus); err != nil {
				return fmt.Errorf("store: increment %s: %w", newStatus, err)
			}
		}
	}
	return tx.Commit()
}

// Remove deletes a command's event log and decrements its histogram bucket.
func (s *sqliteSink) Remove(ctx context.Context, commandID, lastStatus string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin audit tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM audit_events WHERE command_id = ?`, commandID)
	if err != nil {
		return fmt.Errorf("store: delete audit events %s: %w", commandID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 && lastStatus != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE status_counts SET n = n - 1 WHERE status = ?`, lastStatus); err != nil {
			return fmt.Errorf("store: decrement %s: %w", lastStatus, err)
		}
	}
	return tx.Commit()
}

// Replay streams every retained event in write order.
func (s *sqliteSink) Replay(ctx context.Context, fn func(audit.Event) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, ts_ns, status, user_id, machine_id, kind, summary, metadata
		FROM audit_events ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("store: replay audit events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev       audit.Event
			tsNs     int64
			userID   sql.NullString
			machine  sql.NullString
			kind     sql.NullString
			summary  sql.NullString
			metadata sql.NullString
		)
		if err := rows.Scan(&ev.CommandID, &tsNs, &ev.Status, &userID, &machine, &kind, &summary, &metadata); err != nil {
			return err
		}
		ev.Timestamp = time.Unix(0, tsNs).UTC()
		ev.UserID = userID.String
		ev.MachineID = machine.String
		ev.Kind = kind.String
		ev.Summary = summary.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &ev.Metadata)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}
