package storage

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"raidguard/internal/config"
	"raidguard/internal/model"
)

func newMemoryStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestBaselineUpsertKeepsHigherSampleSize(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newer := model.BaselineRecord{GuildID: "g1", MetricType: model.MetricJoins, Baseline: 4, StdDev: 1, SampleSize: 3, LastUpdated: ts}
	older := model.BaselineRecord{GuildID: "g1", MetricType: model.MetricJoins, Baseline: 2, StdDev: 0, SampleSize: 2, LastUpdated: ts.Add(time.Second)}
	if err := s.UpsertBaseline(ctx, newer); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertBaseline(ctx, older); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, ok, err := s.GetBaseline(ctx, "g1", model.MetricJoins)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.SampleSize != 3 || got.Baseline != 4 {
		t.Fatalf("stale write won: %+v", got)
	}
	if !got.LastUpdated.Equal(ts) {
		t.Fatalf("last updated: %v", got.LastUpdated)
	}
}

func TestGetBaselineMissing(t *testing.T) {
	s := newMemoryStore(t)
	_, ok, err := s.GetBaseline(context.Background(), "nobody", model.MetricLinks)
	if err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
}

func TestListBaselines(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()
	for i, m := range model.MetricTypes {
		rec := model.BaselineRecord{GuildID: "g1", MetricType: m, Baseline: float64(i + 1), SampleSize: 1, LastUpdated: time.Now()}
		if err := s.UpsertBaseline(ctx, rec); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	_ = s.UpsertBaseline(ctx, model.BaselineRecord{GuildID: "g2", MetricType: model.MetricJoins, SampleSize: 1})
	list, err := s.ListBaselines(ctx, "g1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != len(model.MetricTypes) {
		t.Fatalf("expected %d baselines, got %d", len(model.MetricTypes), len(list))
	}
}

func TestEnsureGuildSettingsCreatesOnce(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()
	first, err := s.EnsureGuildSettings(ctx, "g1", 0.75)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if first.RiskThreshold != 0.75 {
		t.Fatalf("threshold: %v", first.RiskThreshold)
	}
	second, err := s.EnsureGuildSettings(ctx, "g1", 0.5)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if second.RiskThreshold != 0.75 {
		t.Fatalf("existing settings overwritten: %v", second.RiskThreshold)
	}
}

func TestIncidentsAppendOnly(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		factors, err := EncodeJSON(map[string]any{"i": i})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		inc := model.Incident{
			IncidentID:  fmt.Sprintf("RAID_g1_%d", i),
			GuildID:     "g1",
			Type:        model.IncidentRaidPrediction,
			Severity:    0.5,
			Description: "test",
			RiskFactors: factors,
			ActionTaken: model.ActionFlag,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveIncident(ctx, inc); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	dup := model.Incident{IncidentID: "RAID_g1_0", GuildID: "g1", Type: model.IncidentRaidPrediction, RiskFactors: "{}", CreatedAt: base}
	if err := s.SaveIncident(ctx, dup); err == nil {
		t.Fatalf("expected duplicate incident id to be rejected")
	}
	list, err := s.ListIncidents(ctx, "g1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].IncidentID != "RAID_g1_2" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if list[0].Resolved || list[0].ActionTaken != model.ActionFlag {
		t.Fatalf("unexpected incident: %+v", list[0])
	}
}

func TestEncodeJSONReportsErrors(t *testing.T) {
	if _, err := EncodeJSON(map[string]float64{"ratio": math.NaN()}); err == nil {
		t.Fatalf("expected NaN to fail encoding")
	}
	out, err := EncodeJSON(map[string]int{"i": 1})
	if err != nil || out != `{"i":1}` {
		t.Fatalf("encode: %q %v", out, err)
	}
}

func TestLogChannels(t *testing.T) {
	s := newMemoryStore(t)
	ctx := context.Background()
	if _, ok, err := s.GetLogChannel(ctx, "g1", "SECURITY_INCIDENT"); ok || err != nil {
		t.Fatalf("expected miss")
	}
	if err := s.SaveLogChannel(ctx, "g1", "SECURITY_INCIDENT", "c1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveLogChannel(ctx, "g1", "SECURITY_INCIDENT", "c2"); err != nil {
		t.Fatalf("save: %v", err)
	}
	id, ok, err := s.GetLogChannel(ctx, "g1", "SECURITY_INCIDENT")
	if err != nil || !ok || id != "c2" {
		t.Fatalf("channel: %q ok=%v err=%v", id, ok, err)
	}
}

func TestBindNumbersPlaceholders(t *testing.T) {
	b := baseStore{numbered: true}
	got := b.bind("a = ? AND b = ?")
	if got != "a = $1 AND b = $2" {
		t.Fatalf("bind: %s", got)
	}
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := NewStore(config.StorageConfig{Driver: "mongo"}); err != ErrUnsupportedDriver {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}
