// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crm-pipeline/internal/common/config"

	_ "github.com/lib/pq"
)

// PostgresClient wraps the SQL database connection
type PostgresClient struct {
	DB *sql.DB
}

// NewPostgres creates a new PostgreSQL client
func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db}, nil
}

// Ping tests the database connection
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS applications (
		id               TEXT PRIMARY KEY,
		business_name    TEXT NOT NULL,
		requested_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		stage            TEXT NOT NULL DEFAULT 'New',
		contact_name     TEXT NOT NULL DEFAULT '',
		contact_email    TEXT NOT NULL DEFAULT '',
		contact_phone    TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS applications_business_contact_uq
		ON applications (business_name, contact_email)`,
	`CREATE INDEX IF NOT EXISTS applications_stage_idx ON applications (stage)`,
	`CREATE TABLE IF NOT EXISTS pipeline_activity (
		id             UUID PRIMARY KEY,
		application_id TEXT NOT NULL REFERENCES applications(id),
		from_stage     TEXT NOT NULL DEFAULT '',
		to_stage       TEXT NOT NULL,
		actor          TEXT NOT NULL DEFAULT '',
		note           TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS pipeline_activity_app_created_idx
		ON pipeline_activity (application_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS pipeline_outbox (
		id           BIGSERIAL PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		payload      JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ,
		attempts     INT NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		delivered_sinks TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`ALTER TABLE pipeline_outbox ADD COLUMN IF NOT EXISTS delivered_sinks TEXT[] NOT NULL DEFAULT '{}'`,
	`CREATE INDEX IF NOT EXISTS pipeline_outbox_pending_idx
		ON pipeline_outbox (id) WHERE published_at IS NULL`,
}

// Migrate creates the pipeline tables when they are missing.
func (c *PostgresClient) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}
	return nil
}
