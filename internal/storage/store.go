package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"raidguard/internal/config"
	"raidguard/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

type Store interface {
	Init(ctx context.Context) error
	Close() error

	GetBaseline(ctx context.Context, guildID string, metric model.MetricType) (model.BaselineRecord, bool, error)
	UpsertBaseline(ctx context.Context, rec model.BaselineRecord) error
	ListBaselines(ctx context.Context, guildID string) ([]model.BaselineRecord, error)

	EnsureGuildSettings(ctx context.Context, guildID string, defaultThreshold float64) (model.GuildSettings, error)

	SaveIncident(ctx context.Context, inc model.Incident) error
	ListIncidents(ctx context.Context, guildID string, limit int) ([]model.Incident, error)

	GetLogChannel(ctx context.Context, guildID, category string) (string, bool, error)
	SaveLogChannel(ctx context.Context, guildID, category, channelID string) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, ErrUnsupportedDriver
	}
}

// baseStore carries the queries shared by both drivers. Queries are written
// with '?' placeholders and rebound for drivers that number them.
type baseStore struct {
	db       *sql.DB
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) bind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) initSchema(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) GetBaseline(ctx context.Context, guildID string, metric model.MetricType) (model.BaselineRecord, bool, error) {
	row := b.db.QueryRowContext(ctx, b.bind(
		`SELECT baseline, std_dev, sample_size, last_updated_ms FROM baselines WHERE guild_id = ? AND metric_type = ?`),
		guildID, string(metric))
	rec := model.BaselineRecord{GuildID: guildID, MetricType: metric}
	var updated int64
	if err := row.Scan(&rec.Baseline, &rec.StdDev, &rec.SampleSize, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.BaselineRecord{}, false, nil
		}
		return model.BaselineRecord{}, false, err
	}
	rec.LastUpdated = fromMillis(updated)
	return rec, true, nil
}

// UpsertBaseline writes rec unless the stored row is further along. A racing
// pair resolves to the higher sample size, then the later update time.
func (b *baseStore) UpsertBaseline(ctx context.Context, rec model.BaselineRecord) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO baselines (guild_id, metric_type, baseline, std_dev, sample_size, last_updated_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (guild_id, metric_type) DO UPDATE SET
			baseline = excluded.baseline,
			std_dev = excluded.std_dev,
			sample_size = excluded.sample_size,
			last_updated_ms = excluded.last_updated_ms
		WHERE excluded.sample_size > baselines.sample_size
			OR (excluded.sample_size = baselines.sample_size AND excluded.last_updated_ms >= baselines.last_updated_ms)`),
		rec.GuildID,
		string(rec.MetricType),
		rec.Baseline,
		rec.StdDev,
		rec.SampleSize,
		toMillis(rec.LastUpdated),
	)
	return err
}

func (b *baseStore) ListBaselines(ctx context.Context, guildID string) ([]model.BaselineRecord, error) {
	rows, err := b.db.QueryContext(ctx, b.bind(
		`SELECT metric_type, baseline, std_dev, sample_size, last_updated_ms FROM baselines WHERE guild_id = ? ORDER BY metric_type`),
		guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.BaselineRecord, 0, len(model.MetricTypes))
	for rows.Next() {
		rec := model.BaselineRecord{GuildID: guildID}
		var metric string
		var updated int64
		if err := rows.Scan(&metric, &rec.Baseline, &rec.StdDev, &rec.SampleSize, &updated); err != nil {
			return nil, err
		}
		rec.MetricType = model.MetricType(metric)
		rec.LastUpdated = fromMillis(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *baseStore) EnsureGuildSettings(ctx context.Context, guildID string, defaultThreshold float64) (model.GuildSettings, error) {
	if _, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO guild_settings (guild_id, risk_threshold, created_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (guild_id) DO NOTHING`),
		guildID, defaultThreshold, toMillis(nowUTC())); err != nil {
		return model.GuildSettings{}, err
	}
	settings := model.GuildSettings{GuildID: guildID}
	var created int64
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT risk_threshold, created_at_ms FROM guild_settings WHERE guild_id = ?`), guildID).
		Scan(&settings.RiskThreshold, &created)
	if err != nil {
		return model.GuildSettings{}, err
	}
	settings.CreatedAt = fromMillis(created)
	return settings, nil
}

func (b *baseStore) SaveIncident(ctx context.Context, inc model.Incident) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO incidents (incident_id, guild_id, type, severity, description, risk_factors, action_taken, resolved, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inc.IncidentID,
		inc.GuildID,
		inc.Type,
		inc.Severity,
		inc.Description,
		inc.RiskFactors,
		string(inc.ActionTaken),
		inc.Resolved,
		toMillis(inc.CreatedAt),
	)
	return err
}

func (b *baseStore) ListIncidents(ctx context.Context, guildID string, limit int) ([]model.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT incident_id, guild_id, type, severity, description, risk_factors, action_taken, resolved, created_at_ms FROM incidents`
	args := []any{}
	if guildID != "" {
		query += ` WHERE guild_id = ?`
		args = append(args, guildID)
	}
	query += ` ORDER BY created_at_ms DESC LIMIT ?`
	args = append(args, limit)
	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Incident
	for rows.Next() {
		var inc model.Incident
		var action string
		var created int64
		if err := rows.Scan(&inc.IncidentID, &inc.GuildID, &inc.Type, &inc.Severity, &inc.Description,
			&inc.RiskFactors, &action, &inc.Resolved, &created); err != nil {
			return nil, err
		}
		inc.ActionTaken = model.Action(action)
		inc.CreatedAt = fromMillis(created)
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (b *baseStore) GetLogChannel(ctx context.Context, guildID, category string) (string, bool, error) {
	var channelID string
	err := b.db.QueryRowContext(ctx, b.bind(
		`SELECT channel_id FROM log_channels WHERE guild_id = ? AND category = ?`), guildID, category).
		Scan(&channelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return channelID, true, nil
}

func (b *baseStore) SaveLogChannel(ctx context.Context, guildID, category, channelID string) error {
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO log_channels (guild_id, category, channel_id) VALUES (?, ?, ?)
		ON CONFLICT (guild_id, category) DO UPDATE SET channel_id = excluded.channel_id`),
		guildID, category, channelID)
	return err
}

// EncodeJSON is the serialisation used for incident risk factors.
func EncodeJSON(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
