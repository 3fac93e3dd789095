package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// NewDB connects to Postgres and verifies the connection
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &DB{DB: db}, nil
}

// Migrate creates the audit tables if they do not exist
func (db *DB) Migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS scheduler_events (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			meta JSONB
		);
		CREATE TABLE IF NOT EXISTS scaling_decisions (
			id UUID PRIMARY KEY,
			decision_type TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			planned_at TIMESTAMPTZ NOT NULL,
			node_count INT,
			estimated_cost DOUBLE PRECISION,
			estimated_benefit DOUBLE PRECISION,
			risk TEXT,
			success BOOLEAN,
			actual_cost DOUBLE PRECISION,
			actual_benefit DOUBLE PRECISION,
			duration_ms BIGINT,
			error TEXT
		);
	`
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrating audit schema: %w", err)
	}
	return nil
}
