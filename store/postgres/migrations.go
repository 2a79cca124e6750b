package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward schema step. Versions sort lexically.
type migration struct {
	Name    string
	Version string
	Up      string
}

// Migrations is the ordered schema history of the Tollgate store.
var Migrations = []migration{
	{
		Name:    "create_tollgate_operators",
		Version: "20260101000001",
		Up: `
CREATE TABLE IF NOT EXISTS tollgate_operators (
    id               TEXT PRIMARY KEY,
    display_name     TEXT NOT NULL DEFAULT '',
    contact          TEXT NOT NULL DEFAULT '',
    active           BOOLEAN NOT NULL DEFAULT TRUE,
    currency         TEXT NOT NULL DEFAULT '',
    rate_per_minute  BIGINT NOT NULL DEFAULT 0 CHECK (rate_per_minute >= 0),
    connect_fee      BIGINT NOT NULL DEFAULT 0 CHECK (connect_fee >= 0),
    rate_per_message BIGINT NOT NULL DEFAULT 0 CHECK (rate_per_message >= 0),
    metadata         JSONB NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tollgate_operators_active ON tollgate_operators (active);
`,
	},
	{
		Name:    "create_tollgate_accounts",
		Version: "20260101000002",
		Up: `
CREATE TABLE IF NOT EXISTS tollgate_accounts (
    customer_id TEXT PRIMARY KEY,
    balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    currency    TEXT NOT NULL,
    contact     TEXT NOT NULL DEFAULT '',
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
	},
	{
		Name:    "create_tollgate_grants",
		Version: "20260101000003",
		Up: `
CREATE TABLE IF NOT EXISTS tollgate_grants (
    customer_id TEXT NOT NULL,
    operator_id TEXT NOT NULL,
    remaining   BIGINT NOT NULL DEFAULT 0 CHECK (remaining >= 0),
    granted     BIGINT NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (customer_id, operator_id)
);
`,
	},
	{
		Name:    "create_tollgate_sessions",
		Version: "20260101000004",
		Up: `
CREATE TABLE IF NOT EXISTS tollgate_sessions (
    id                      TEXT PRIMARY KEY,
    customer_id             TEXT NOT NULL,
    operator_id             TEXT NOT NULL,
    domain                  TEXT NOT NULL DEFAULT '',
    state                   TEXT NOT NULL,
    answered_at             TIMESTAMPTZ,
    ended_at                TIMESTAMPTZ,
    duration_seconds        BIGINT NOT NULL DEFAULT 0,
    free_minutes_reserved   BIGINT NOT NULL DEFAULT 0,
    free_minutes_applied    BIGINT NOT NULL DEFAULT 0,
    paid_minutes_billed     BIGINT NOT NULL DEFAULT 0,
    currency                TEXT NOT NULL DEFAULT '',
    rate_per_minute         BIGINT NOT NULL DEFAULT 0,
    connect_fee             BIGINT NOT NULL DEFAULT 0,
    connect_fee_charged     BIGINT NOT NULL DEFAULT 0,
    connect_fee_entry_id    TEXT,
    is_free_minutes_session BOOLEAN NOT NULL DEFAULT FALSE,
    provider_ref            TEXT NOT NULL DEFAULT '',
    failure_reason          TEXT NOT NULL DEFAULT '',
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tollgate_sessions_customer ON tollgate_sessions (customer_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tollgate_sessions_operator ON tollgate_sessions (operator_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tollgate_sessions_state ON tollgate_sessions (state);
`,
	},
	{
		Name:    "create_tollgate_entries",
		Version: "20260101000005",
		Up: `
CREATE TABLE IF NOT EXISTS tollgate_entries (
    seq             BIGSERIAL UNIQUE,
    id              TEXT PRIMARY KEY,
    customer_id     TEXT NOT NULL,
    operator_id     TEXT NOT NULL,
    domain          TEXT NOT NULL DEFAULT '',
    kind            TEXT NOT NULL,
    currency        TEXT NOT NULL,
    total           BIGINT NOT NULL,
    operator_amount BIGINT NOT NULL,
    platform_amount BIGINT NOT NULL,
    session_id      TEXT,
    reverses_id     TEXT,
    description     TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT tollgate_entries_balanced CHECK (operator_amount + platform_amount = total)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tollgate_entries_reverses ON tollgate_entries (reverses_id) WHERE reverses_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tollgate_entries_customer ON tollgate_entries (customer_id, seq);
CREATE INDEX IF NOT EXISTS idx_tollgate_entries_operator ON tollgate_entries (operator_id, seq);
CREATE INDEX IF NOT EXISTS idx_tollgate_entries_session ON tollgate_entries (session_id) WHERE session_id IS NOT NULL;
`,
	},
	{
		Name:    "add_tollgate_sessions_funds_held",
		Version: "20260101000006",
		Up: `
ALTER TABLE tollgate_sessions ADD COLUMN IF NOT EXISTS funds_held BIGINT NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS idx_tollgate_sessions_state_order ON tollgate_sessions (state, created_at, id);
`,
	},
}

// reversesIndex is the constraint a duplicate reversal violates.
const reversesIndex = "idx_tollgate_entries_reverses"

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS tollgate_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// migrate applies every pending migration, each in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("tollgate/postgres: create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM tollgate_migrations`)
	if err != nil {
		return fmt.Errorf("tollgate/postgres: read migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range Migrations {
		if applied[m.Version] {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return fmt.Errorf("tollgate/postgres: migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tollgate_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return err
	}
	return tx.Commit()
}
