package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"raidguard/internal/alerts"
	"raidguard/internal/config"
	"raidguard/internal/metrics"
	"raidguard/internal/model"
	"raidguard/internal/raid"
)

type fakeEngine struct {
	resets int
}

func (f *fakeEngine) Reset()                { f.resets++ }
func (f *fakeEngine) WorkerCount() int      { return 3 }
func (f *fakeEngine) Uptime() time.Duration { return 90 * time.Second }

type fakeHistory struct {
	err error
}

func (f *fakeHistory) ListBaselines(_ context.Context, guildID string) ([]model.BaselineRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []model.BaselineRecord{{GuildID: guildID, MetricType: model.MetricJoins, Baseline: 2.5, SampleSize: 4}}, nil
}

func (f *fakeHistory) ListIncidents(_ context.Context, guildID string, limit int) ([]model.Incident, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []model.Incident{{IncidentID: "RAID_" + guildID + "_1", GuildID: guildID}}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func newTestServer(history History) (*Server, *fakeEngine) {
	eng := &fakeEngine{}
	s := NewServer(config.NewStaticManager(config.DefaultConfig()), metrics.NewStore(10), alerts.NewStore(10), history, eng, nil, "test")
	return s, eng
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return rec, out
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(nil)
	rec, body := do(t, s.Handler(), http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d", rec.Code)
	}
	if body["workers"].(float64) != 3 || body["uptime"] != "1m30s" || body["version"] != "test" {
		t.Fatalf("status body: %v", body)
	}
}

func TestAssessments(t *testing.T) {
	s, _ := newTestServer(nil)
	s.metrics.Update(raid.Assessment{GuildID: "g1", RiskScore: 0.4, Level: model.RiskLow})
	h := s.Handler()

	rec, body := do(t, h, http.MethodGet, "/assessments", "")
	if rec.Code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("list: %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodGet, "/assessments/g1", "")
	if rec.Code != http.StatusOK || body["guild_id"] != "g1" {
		t.Fatalf("get: %d %v", rec.Code, body)
	}
	rec, _ = do(t, h, http.MethodGet, "/assessments/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing guild: %d", rec.Code)
	}
}

func TestIncidentsFilters(t *testing.T) {
	s, _ := newTestServer(nil)
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	for i, g := range []string{"g1", "g2", "g1", "g1"} {
		s.alerts.Add(model.Incident{IncidentID: string(rune('a' + i)), GuildID: g, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	h := s.Handler()

	_, body := do(t, h, http.MethodGet, "/incidents?guild=g1&limit=2", "")
	if body["count"].(float64) != 2 {
		t.Fatalf("guild+limit: %v", body)
	}
	_, body = do(t, h, http.MethodGet, "/incidents?since="+base.Add(90*time.Second).Format(time.RFC3339), "")
	if body["count"].(float64) != 2 {
		t.Fatalf("since: %v", body)
	}
	rec, _ := do(t, h, http.MethodGet, "/incidents?since=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", rec.Code)
	}
	rec, _ = do(t, h, http.MethodGet, "/incidents?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestGuildHistory(t *testing.T) {
	s, _ := newTestServer(&fakeHistory{})
	h := s.Handler()
	rec, body := do(t, h, http.MethodGet, "/guilds/g1/baselines", "")
	if rec.Code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("baselines: %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodGet, "/guilds/g1/incidents", "")
	if rec.Code != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("incidents: %d %v", rec.Code, body)
	}
	rec, _ = do(t, h, http.MethodGet, "/guilds/g1/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown resource: %d", rec.Code)
	}

	failing, _ := newTestServer(&fakeHistory{err: errors.New("db down")})
	rec, _ = do(t, failing.Handler(), http.MethodGet, "/guilds/g1/baselines", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("store error: %d", rec.Code)
	}

	none, _ := newTestServer(nil)
	rec, _ = do(t, none.Handler(), http.MethodGet, "/guilds/g1/baselines", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no history: %d", rec.Code)
	}
}

func TestAdminClearAndReset(t *testing.T) {
	s, eng := newTestServer(nil)
	s.metrics.Update(raid.Assessment{GuildID: "g1"})
	s.alerts.Add(model.Incident{GuildID: "g1"})
	h := s.Handler()

	rec, _ := do(t, h, http.MethodPost, "/admin/clear", `{"target":"incidents"}`)
	if rec.Code != http.StatusOK || s.alerts.Len() != 0 || s.metrics.Len() != 1 {
		t.Fatalf("clear incidents: %d alerts=%d metrics=%d", rec.Code, s.alerts.Len(), s.metrics.Len())
	}
	rec, _ = do(t, h, http.MethodPost, "/admin/clear", `{"target":"everything"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown target: %d", rec.Code)
	}
	rec, _ = do(t, h, http.MethodGet, "/admin/reset", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reset: %d", rec.Code)
	}
	rec, _ = do(t, h, http.MethodPost, "/admin/reset", "")
	if rec.Code != http.StatusOK || eng.resets != 1 || s.metrics.Len() != 0 {
		t.Fatalf("reset: %d resets=%d", rec.Code, eng.resets)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(nil)
	metrics.EventsProcessed.WithLabelValues("join").Inc()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "raidguard_events_processed_total") {
		t.Fatalf("metrics output missing counter: %d", rec.Code)
	}
}
