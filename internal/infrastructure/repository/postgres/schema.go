package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaLockID int64 = 2026051001

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS deals (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	company_name TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	website TEXT NOT NULL DEFAULT '',
	founder_name TEXT NOT NULL DEFAULT '',
	founder_email TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL DEFAULT '',
	ask_amount DOUBLE PRECISION,
	status TEXT NOT NULL,
	base_score INTEGER,
	current_score INTEGER CHECK (current_score BETWEEN 0 AND 100),
	score_breakdown JSONB,
	score_trend TEXT NOT NULL DEFAULT '',
	score_trend_delta DOUBLE PRECISION NOT NULL DEFAULT 0,
	score_updated_at TIMESTAMPTZ,
	source_proposal_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deals_org_name ON deals(organization_id, normalized_name);
CREATE UNIQUE INDEX IF NOT EXISTS idx_deals_source_proposal ON deals(source_proposal_id) WHERE source_proposal_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS score_events (
	id TEXT PRIMARY KEY,
	deal_id TEXT NOT NULL REFERENCES deals(id),
	source TEXT NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL,
	signal TEXT NOT NULL,
	impact DOUBLE PRECISION NOT NULL,
	confidence DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
	evidence TEXT NOT NULL DEFAULT '',
	analyzed_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_events_deal_created ON score_events(deal_id, created_at);

CREATE TABLE IF NOT EXISTS score_alerts (
	id TEXT PRIMARY KEY,
	deal_id TEXT NOT NULL REFERENCES deals(id),
	alert_type TEXT NOT NULL,
	previous_score INTEGER NOT NULL,
	new_score INTEGER NOT NULL,
	trigger_text TEXT NOT NULL,
	urgency TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_score_alerts_deal_created ON score_alerts(deal_id, created_at DESC);

CREATE TABLE IF NOT EXISTS proposal_queue (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	email_message_id TEXT NOT NULL UNIQUE,
	email_subject TEXT NOT NULL DEFAULT '',
	email_from TEXT NOT NULL DEFAULT '',
	email_body TEXT NOT NULL DEFAULT '',
	email_date TIMESTAMPTZ,
	sender_email TEXT NOT NULL DEFAULT '',
	startup_name TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	website TEXT NOT NULL DEFAULT '',
	founder_name TEXT NOT NULL DEFAULT '',
	founder_email TEXT NOT NULL DEFAULT '',
	ask_amount DOUBLE PRECISION,
	stage TEXT NOT NULL DEFAULT '',
	extraction JSONB NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	attachments JSONB NOT NULL DEFAULT '[]'::jsonb,
	status TEXT NOT NULL,
	reviewed_at TIMESTAMPTZ,
	reviewed_by TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	snoozed_until TIMESTAMPTZ,
	snooze_count INTEGER NOT NULL DEFAULT 0,
	progress_notes TEXT NOT NULL DEFAULT '',
	created_deal_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_proposal_queue_org_status ON proposal_queue(organization_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_proposal_queue_org_name ON proposal_queue(organization_id, normalized_name);
CREATE INDEX IF NOT EXISTS idx_proposal_queue_org_sender ON proposal_queue(organization_id, sender_email, status);

CREATE TABLE IF NOT EXISTS rejected_emails (
	organization_id TEXT NOT NULL,
	email_address TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	rejection_count INTEGER NOT NULL DEFAULT 1,
	first_rejected_at TIMESTAMPTZ NOT NULL,
	last_rejected_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (organization_id, email_address)
);
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
