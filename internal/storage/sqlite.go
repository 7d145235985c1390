package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:raidguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// every pooled connection to an in-memory database sees a fresh, empty one
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS baselines (
			guild_id TEXT NOT NULL,
			metric_type TEXT NOT NULL,
			baseline REAL NOT NULL,
			std_dev REAL NOT NULL,
			sample_size INTEGER NOT NULL,
			last_updated_ms INTEGER NOT NULL,
			PRIMARY KEY (guild_id, metric_type)
		)`,
		`CREATE TABLE IF NOT EXISTS guild_settings (
			guild_id TEXT PRIMARY KEY,
			risk_threshold REAL NOT NULL DEFAULT 0.75,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			incident_id TEXT NOT NULL UNIQUE,
			guild_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity REAL NOT NULL,
			description TEXT NOT NULL,
			risk_factors TEXT NOT NULL,
			action_taken TEXT NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
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
