package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// Advisory lock namespaces. LockService holds a session lock on one
// connection while AppendApplied takes a transaction lock on another, so the
// two must never share a key.
const (
	lockClassService = 1
	lockClassApplied = 2
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	seq              BIGSERIAL PRIMARY KEY,
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
	pending_approval BOOLEAN NOT NULL DEFAULT FALSE,
	checks           JSONB,
	at               TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_records_action ON audit_records(action_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_records_applied ON audit_records(service, at) WHERE to_state = 'applied';
CREATE INDEX IF NOT EXISTS idx_audit_records_service ON audit_records(service, seq DESC);
`

type PostgresClient struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresClient(connectionURL string, logger *zap.Logger) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection URL: %w", err)
	}

	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute
	config.ConnConfig.ConnectTimeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresClient{
		pool:   pool,
		logger: logger,
	}, nil
}

func (c *PostgresClient) Close() error {
	c.pool.Close()
	return nil
}

func (c *PostgresClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.pool.Ping(ctx)
}

func (c *PostgresClient) GetPoolStats() *pgxpool.Stat {
	return c.pool.Stat()
}

func recordArgs(rec *model.AuditRecord) ([]any, error) {
	checks, err := encodeChecks(rec.Checks)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.ActionID,
		string(rec.Kind),
		rec.RollbackOf,
		rec.Service,
		rec.Source,
		rec.Target,
		rec.RequestedBy,
		rec.Actor,
		string(rec.From),
		string(rec.To),
		string(rec.Reason),
		rec.PendingApproval,
		checks,
		rec.At,
	}, nil
}

func (c *PostgresClient) Append(ctx context.Context, rec *model.AuditRecord) error {
	query := `
		INSERT INTO audit_records (action_id, kind, rollback_of, service, source, target,
			requested_by, actor, from_state, to_state, reason, pending_approval, checks, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq
	`

	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.pool.QueryRow(ctx, query, args...).Scan(&rec.Seq); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	c.logger.Debug("Appended audit record",
		zap.Int64("seq", rec.Seq),
		zap.String("action_id", rec.ActionID),
		zap.String("to", string(rec.To)))
	return nil
}

func (c *PostgresClient) AppendApplied(ctx context.Context, rec *model.AuditRecord, window time.Duration) error {
	query := `
		INSERT INTO audit_records (action_id, kind, rollback_of, service, source, target,
			requested_by, actor, from_state, to_state, reason, pending_approval, checks, at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		WHERE NOT EXISTS (
			SELECT 1 FROM audit_records
			WHERE service = $4
			  AND to_state = 'applied'
			  AND action_id <> $1
			  AND at > $15
			  AND at < $16
		)
		RETURNING seq
	`

	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	args = append(args, rec.At.Add(-window), rec.At.Add(window))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, lockClassApplied, rec.Service); err != nil {
		return fmt.Errorf("failed to take applied lock: %w", err)
	}

	err = tx.QueryRow(ctx, query, args...).Scan(&rec.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCooldownActive
	}
	if err != nil {
		return fmt.Errorf("failed to append applied record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit applied record: %w", err)
	}
	return nil
}

func (c *PostgresClient) LastAppliedWithin(ctx context.Context, service string, window time.Duration, now time.Time) (*model.FailoverAction, error) {
	query := `
		SELECT ` + auditColumns + `, at
		FROM audit_records
		WHERE service = $1
		  AND to_state = 'applied'
		  AND at > $2
		  AND at <= $3
		ORDER BY at DESC, seq DESC
		LIMIT 1
	`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec, err := c.queryOne(ctx, query, service, now.Add(-window), now)
	if err != nil || rec == nil {
		return nil, err
	}
	return appliedAction(rec), nil
}

func (c *PostgresClient) LatestApplied(ctx context.Context, service string) (*model.AuditRecord, error) {
	query := `
		SELECT ` + auditColumns + `, at
		FROM audit_records
		WHERE service = $1 AND to_state = 'applied'
		ORDER BY at DESC, seq DESC
		LIMIT 1
	`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return c.queryOne(ctx, query, service)
}

func (c *PostgresClient) queryOne(ctx context.Context, query string, args ...any) (*model.AuditRecord, error) {
	var at time.Time
	rec, err := scanAuditRecord(c.pool.QueryRow(ctx, query, args...), &at, func(r *model.AuditRecord) {
		r.At = at.UTC()
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *PostgresClient) History(ctx context.Context, service string, limit int) ([]model.AuditRecord, error) {
	query := `
		SELECT ` + auditColumns + `, at
		FROM audit_records
		WHERE ($1 = '' OR service = $1)
		ORDER BY seq DESC
		LIMIT $2
	`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.queryMany(ctx, query, service, historyLimit(limit))
}

func (c *PostgresClient) Trail(ctx context.Context, actionID string) ([]model.AuditRecord, error) {
	query := `
		SELECT ` + auditColumns + `, at
		FROM audit_records
		WHERE action_id = $1
		ORDER BY seq ASC
	`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.queryMany(ctx, query, actionID)
}

func (c *PostgresClient) queryMany(ctx context.Context, query string, args ...any) ([]model.AuditRecord, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []model.AuditRecord
	for rows.Next() {
		var at time.Time
		rec, err := scanAuditRecord(rows, &at, func(r *model.AuditRecord) { r.At = at.UTC() })
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}

// LockService takes a session advisory lock on a dedicated connection, so
// separate AEGIS processes sharing the database serialize per service.
func (c *PostgresClient) LockService(ctx context.Context, service string) (func(), error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, lockClassService, service); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to lock service %s: %w", service, err)
	}

	return sync.OnceFunc(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1, hashtext($2))`, lockClassService, service); err != nil {
			c.logger.Warn("Failed to release service lock, dropping connection",
				zap.String("service", service),
				zap.Error(err))
			conn.Conn().Close(ctx)
		}
		conn.Release()
	}), nil
}
