// Package baseline learns per-community activity rates. Each event is turned
// into an instantaneous rate from its inter-arrival gap and folded into an
// exponentially weighted mean and deviation per (community, metric).
package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"raidguard/internal/config"
	"raidguard/internal/model"
)

// Store is the durable side of the baseline records.
type Store interface {
	GetBaseline(ctx context.Context, guildID string, metric model.MetricType) (model.BaselineRecord, bool, error)
	UpsertBaseline(ctx context.Context, rec model.BaselineRecord) error
	ListBaselines(ctx context.Context, guildID string) ([]model.BaselineRecord, error)
}

const seedRate = 1.0

// Tracker is the in-memory state of one community: the last event time and
// rate per metric, plus a cache of the persisted records. It is owned by a
// single goroutine and is not safe for concurrent use.
type Tracker struct {
	guildID  string
	last     map[model.MetricType]time.Time
	lastRate map[model.MetricType]float64
	records  map[model.MetricType]model.BaselineRecord
	loaded   bool
}

func NewTracker(guildID string) *Tracker {
	return &Tracker{
		guildID:  guildID,
		last:     make(map[model.MetricType]time.Time),
		lastRate: make(map[model.MetricType]float64),
		records:  make(map[model.MetricType]model.BaselineRecord),
	}
}

// SampleRate returns the events-per-minute rate implied by the gap since the
// previous event of the same metric. Gaps below minGap reuse the last rate.
func (t *Tracker) SampleRate(metric model.MetricType, now time.Time, minGap time.Duration) float64 {
	last, seen := t.last[metric]
	t.last[metric] = now

	rate := seedRate
	if seen {
		gap := now.Sub(last)
		if gap >= minGap {
			rate = float64(time.Minute) / float64(gap)
		} else if prev, ok := t.lastRate[metric]; ok {
			rate = prev
		}
	}
	t.lastRate[metric] = rate
	return rate
}

// Update folds one sample rate into prev. A nil prev seeds the record.
func Update(prev *model.BaselineRecord, rate, alpha float64) model.BaselineRecord {
	if prev == nil {
		return model.BaselineRecord{Baseline: rate, StdDev: 0, SampleSize: 1}
	}
	delta := rate - prev.Baseline
	variance := (1-alpha)*prev.StdDev*prev.StdDev + alpha*delta*delta
	return model.BaselineRecord{
		GuildID:    prev.GuildID,
		MetricType: prev.MetricType,
		Baseline:   prev.Baseline + alpha*delta,
		StdDev:     math.Sqrt(variance),
		SampleSize: prev.SampleSize + 1,
	}
}

type Engine struct {
	store  Store
	logger *slog.Logger
	alpha  float64
	minGap time.Duration
}

func NewEngine(store Store, cfg config.DetectionConfig, logger *slog.Logger) *Engine {
	def := config.DefaultDetection()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.MinInterArrival <= 0 {
		cfg.MinInterArrival = def.MinInterArrival
	}
	return &Engine{store: store, logger: logger, alpha: cfg.Alpha, minGap: cfg.MinInterArrival}
}

// RecordEvent samples the rate for metric, updates the EWMA record and
// upserts it. Invalid input is a no-op returning nil, nil. On a store error
// the rate state keeps the observed event and the cache keeps the last
// persisted record.
func (e *Engine) RecordEvent(ctx context.Context, t *Tracker, metric model.MetricType, now time.Time) (*model.BaselineRecord, error) {
	if t == nil || t.guildID == "" || !metric.Valid() {
		return nil, nil
	}
	rate := t.SampleRate(metric, now, e.minGap)

	var prev *model.BaselineRecord
	if rec, ok := t.records[metric]; ok {
		prev = &rec
	} else if !t.loaded && e.store != nil {
		rec, found, err := e.store.GetBaseline(ctx, t.guildID, metric)
		if err != nil {
			return nil, fmt.Errorf("load baseline %s: %w", metric, err)
		}
		if found {
			prev = &rec
		}
	}

	next := Update(prev, rate, e.alpha)
	next.GuildID = t.guildID
	next.MetricType = metric
	next.LastUpdated = now.UTC()

	if e.store != nil {
		if err := e.store.UpsertBaseline(ctx, next); err != nil {
			return nil, fmt.Errorf("upsert baseline %s: %w", metric, err)
		}
	}
	t.records[metric] = next
	if e.logger != nil {
		e.logger.Debug("baseline updated",
			"guild_id", t.guildID,
			"metric", string(metric),
			"sample_rate", rate,
			"baseline", next.Baseline,
			"std_dev", next.StdDev,
			"sample_size", next.SampleSize,
		)
	}
	return &next, nil
}

func (e *Engine) RecordJoin(ctx context.Context, t *Tracker, now time.Time) (*model.BaselineRecord, error) {
	return e.RecordEvent(ctx, t, model.MetricJoins, now)
}

// RecordMessage records MESSAGES and, for messages carrying a link, LINKS.
// The MESSAGES record is returned.
func (e *Engine) RecordMessage(ctx context.Context, t *Tracker, hasLink bool, now time.Time) (*model.BaselineRecord, error) {
	rec, err := e.RecordEvent(ctx, t, model.MetricMessages, now)
	if err != nil {
		return nil, err
	}
	if hasLink {
		if _, err := e.RecordEvent(ctx, t, model.MetricLinks, now); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func (e *Engine) RecordPermissionChange(ctx context.Context, t *Tracker, now time.Time) (*model.BaselineRecord, error) {
	return e.RecordEvent(ctx, t, model.MetricPermissionChanges, now)
}

// Snapshot returns every baseline of the tracker's community. The first call
// loads persisted records; afterwards the cache is authoritative. A failed
// load still returns what the cache holds.
func (e *Engine) Snapshot(ctx context.Context, t *Tracker) (model.BaselineSnapshot, error) {
	if t == nil || t.guildID == "" {
		return model.BaselineSnapshot{Metrics: map[model.MetricType]model.BaselineRecord{}}, nil
	}
	var loadErr error
	if !t.loaded && e.store != nil {
		rows, err := e.store.ListBaselines(ctx, t.guildID)
		if err != nil {
			loadErr = fmt.Errorf("list baselines: %w", err)
		} else {
			for _, rec := range rows {
				if cached, ok := t.records[rec.MetricType]; ok && cached.SampleSize >= rec.SampleSize {
					continue
				}
				t.records[rec.MetricType] = rec
			}
			t.loaded = true
		}
	}
	snap := model.BaselineSnapshot{
		GuildID: t.guildID,
		Metrics: make(map[model.MetricType]model.BaselineRecord, len(t.records)),
	}
	for metric, rec := range t.records {
		snap.Metrics[metric] = rec
	}
	return snap, loadErr
}
