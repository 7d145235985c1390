package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/raidguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS baselines (
			guild_id TEXT NOT NULL,
			metric_type TEXT NOT NULL,
			baseline DOUBLE PRECISION NOT NULL,
			std_dev DOUBLE PRECISION NOT NULL,
			sample_size INTEGER NOT NULL,
			last_updated_ms BIGINT NOT NULL,
			PRIMARY KEY (guild_id, metric_type)
		)`,
		`CREATE TABLE IF NOT EXISTS guild_settings (
			guild_id TEXT PRIMARY KEY,
			risk_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.75,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id BIGSERIAL PRIMARY KEY,
			incident_id TEXT NOT NULL UNIQUE,
			guild_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity DOUBLE PRECISION NOT NULL,
			description TEXT NOT NULL,
			risk_factors JSONB NOT NULL,
			action_taken TEXT NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_guild_created ON incidents(guild_id, created_at_ms)`,
		`CREATE TABLE IF NOT EXISTS log_channels (
			guild_id TEXT NOT NULL,
			category TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			PRIMARY KEY (guild_id, category)
		)`,
	})
}
