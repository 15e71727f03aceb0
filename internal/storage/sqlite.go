package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// Timestamps are stored as Unix nanoseconds so range predicates compare
// numbers rather than text.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
    seq              INTEGER PRIMARY KEY AUTOINCREMENT,
    action_id        TEXT NOT NULL,
    kind             TEXT NOT NULL,
    rollback_of      TEXT NOT NULL DEFAULT '',
    service          TEXT NOT NULL,
    source           TEXT NOT NULL,
    target           TEXT NOT NULL,
    requested_by     TEXT NOT NULL,
    actor            TEXT NOT NULL,
    from_state       TEXT NOT NULL,
    to_state         TEXT NOT NULL,
    reason           TEXT NOT NULL DEFAULT '',
    pending_approval INTEGER NOT NULL DEFAULT 0,
    checks           TEXT,
    at_ns            INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_records_action ON audit_records(action_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_records_service ON audit_records(service, to_state, at_ns);
`

// SQLiteStore is the single-node audit backend. All access goes through one
// connection, which also makes every statement atomic with respect to the
// others.
type SQLiteStore struct {
	db     *sql.DB
	locks  *keyedLock
	logger *zap.Logger
}

// OpenSQLite creates or opens a database file at path.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	return openSQLite(path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", logger)
}

// OpenSQLiteMemory creates an in-memory database, used by tests.
func OpenSQLiteMemory(logger *zap.Logger) (*SQLiteStore, error) {
	return openSQLite(":memory:", logger)
}

func openSQLite(dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: db, locks: newKeyedLock(), logger: logger}, nil
}

func sqliteArgs(rec *model.AuditRecord) ([]any, error) {
	checks, err := encodeChecks(rec.Checks)
	if err != nil {
		return nil, err
	}
	pending := 0
	if rec.PendingApproval {
		pending = 1
	}
	return []any{
		rec.ActionID, string(rec.Kind), rec.RollbackOf, rec.Service, rec.Source, rec.Target,
		rec.RequestedBy, rec.Actor, string(rec.From), string(rec.To), string(rec.Reason),
		pending, string(checks), rec.At.UnixNano(),
	}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec *model.AuditRecord) error {
	args, err := sqliteArgs(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (action_id, kind, rollback_of, service, source, target,
			requested_by, actor, from_state, to_state, reason, pending_approval, checks, at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	if rec.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading audit sequence: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendApplied(ctx context.Context, rec *model.AuditRecord, window time.Duration) error {
	args, err := sqliteArgs(rec)
	if err != nil {
		return err
	}
	args = append(args, rec.Service, rec.ActionID, rec.At.Add(-window).UnixNano(), rec.At.Add(window).UnixNano())

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (action_id, kind, rollback_of, service, source, target,
			requested_by, actor, from_state, to_state, reason, pending_approval, checks, at_ns)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM audit_records
			WHERE service = ? AND to_state = 'applied' AND action_id <> ?
			  AND at_ns > ? AND at_ns < ?
		)`, args...)
	if err != nil {
		return fmt.Errorf("appending applied record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		s.logger.Debug("Applied record refused inside cooldown window",
			zap.String("service", rec.Service),
			zap.String("action_id", rec.ActionID))
		return ErrCooldownActive
	}
	if rec.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading audit sequence: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LastAppliedWithin(ctx context.Context, service string, window time.Duration, now time.Time) (*model.FailoverAction, error) {
	rec, err := s.queryOne(ctx, `
		SELECT `+auditColumns+`, at_ns FROM audit_records
		WHERE service = ? AND to_state = 'applied' AND at_ns > ? AND at_ns <= ?
		ORDER BY at_ns DESC, seq DESC LIMIT 1`,
		service, now.Add(-window).UnixNano(), now.UnixNano())
	if err != nil || rec == nil {
		return nil, err
	}
	return appliedAction(rec), nil
}

func (s *SQLiteStore) LatestApplied(ctx context.Context, service string) (*model.AuditRecord, error) {
	return s.queryOne(ctx, `
		SELECT `+auditColumns+`, at_ns FROM audit_records
		WHERE service = ? AND to_state = 'applied'
		ORDER BY at_ns DESC, seq DESC LIMIT 1`, service)
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (*model.AuditRecord, error) {
	var ns int64
	rec, err := scanAuditRecord(s.db.QueryRowContext(ctx, query, args...), &ns, func(r *model.AuditRecord) {
		r.At = time.Unix(0, ns).UTC()
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) History(ctx context.Context, service string, limit int) ([]model.AuditRecord, error) {
	return s.queryMany(ctx, `
		SELECT `+auditColumns+`, at_ns FROM audit_records
		WHERE (? = '' OR service = ?)
		ORDER BY seq DESC LIMIT ?`, service, service, historyLimit(limit))
}

func (s *SQLiteStore) Trail(ctx context.Context, actionID string) ([]model.AuditRecord, error) {
	return s.queryMany(ctx, `
		SELECT `+auditColumns+`, at_ns FROM audit_records
		WHERE action_id = ? ORDER BY seq ASC`, actionID)
}

func (s *SQLiteStore) queryMany(ctx context.Context, query string, args ...any) ([]model.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var records []model.AuditRecord
	for rows.Next() {
		var ns int64
		rec, err := scanAuditRecord(rows, &ns, func(r *model.AuditRecord) { r.At = time.Unix(0, ns).UTC() })
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LockService uses an in-process lock; a SQLite file is owned by one process.
func (s *SQLiteStore) LockService(ctx context.Context, service string) (func(), error) {
	return s.locks.lock(ctx, service)
}

func (s *SQLiteStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
