// Package api serves read-only views of assessments, incidents and
// baselines, a few admin actions and the Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"raidguard/internal/alerts"
	"raidguard/internal/config"
	"raidguard/internal/metrics"
	"raidguard/internal/model"
)

type EngineControl interface {
	Reset()
	WorkerCount() int
	Uptime() time.Duration
}

// History is the persisted side: baselines and the incident log.
type History interface {
	ListBaselines(ctx context.Context, guildID string) ([]model.BaselineRecord, error)
	ListIncidents(ctx context.Context, guildID string, limit int) ([]model.Incident, error)
}

type Server struct {
	cfg     *config.Manager
	metrics *metrics.Store
	alerts  *alerts.Store
	history History
	engine  EngineControl
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Uptime     string          `json:"uptime"`
	Workers    int             `json:"workers"`
	Ingest     ingestStatus    `json:"ingest"`
	API        apiStatus       `json:"api"`
	Detection  detectionStatus `json:"detection"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	FileTail  bool `json:"file_tail"`
	Kafka     bool `json:"kafka"`
	Discord   bool `json:"discord"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type detectionStatus struct {
	JoinWindow       string  `json:"join_window"`
	DefaultThreshold float64 `json:"default_threshold"`
	SkipBelow        float64 `json:"skip_below"`
	NotifySink       string  `json:"notify_sink"`
}

func NewServer(cfg *config.Manager, metricsStore *metrics.Store, alertsStore *alerts.Store, history History, engine EngineControl, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		metrics: metricsStore,
		alerts:  alertsStore,
		history: history,
		engine:  engine,
		logger:  logger,
		version: version,
	}
}

func (s *Server) String() string { return "api" }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/assessments", s.handleAssessments)
	mux.HandleFunc("/assessments/", s.handleAssessments)
	mux.HandleFunc("/incidents", s.handleIncidents)
	mux.HandleFunc("/guilds/", s.handleGuild)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/reset", s.handleReset)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve listens on api.addr until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.cfg.Get().API.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}
	if s.logger != nil {
		s.logger.Info("api enabled", "addr", ln.Addr().String())
	}
	httpServer := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return ctx.Err()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			Discord:   cfg.Ingest.Discord.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Detection: detectionStatus{
			JoinWindow:       cfg.Detection.JoinWindow.String(),
			DefaultThreshold: cfg.Detection.Decision.DefaultThreshold,
			SkipBelow:        cfg.Detection.Decision.SkipBelow,
			NotifySink:       cfg.Notify.Sink,
		},
	}
	if s.engine != nil {
		resp.Uptime = s.engine.Uptime().Truncate(time.Second).String()
		resp.Workers = s.engine.WorkerCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssessments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	guildID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/assessments"), "/")
	if guildID != "" {
		a, updated, ok := s.metrics.Get(guildID)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"guild_id":   guildID,
			"updated_at": updated.Format(time.RFC3339Nano),
			"assessment": a,
		})
		return
	}
	all := s.metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"assessments": all,
		"count":       len(all),
	})
}

// handleIncidents lists the in-memory incident history. guild, limit and
// since (RFC 3339) filter it.
func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	guildID := strings.TrimSpace(q.Get("guild"))
	limit, ok := parseLimit(q.Get("limit"))
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var list []model.Incident
	if sinceStr := q.Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, inc := range s.alerts.Since(ts) {
			if guildID == "" || inc.GuildID == guildID {
				list = append(list, inc)
			}
		}
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	} else {
		list = s.alerts.List(guildID, limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": list,
		"count":     len(list),
	})
}

// handleGuild serves /guilds/{id}/baselines and /guilds/{id}/incidents from
// the database.
func (s *Server) handleGuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/guilds/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if s.history == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	guildID := parts[0]
	switch parts[1] {
	case "baselines":
		recs, err := s.history.ListBaselines(r.Context(), guildID)
		if err != nil {
			s.storeError(w, "list baselines", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"guild_id":  guildID,
			"baselines": recs,
			"count":     len(recs),
		})
	case "incidents":
		limit, ok := parseLimit(r.URL.Query().Get("limit"))
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if limit == 0 {
			limit = 50
		}
		list, err := s.history.ListIncidents(r.Context(), guildID, limit)
		if err != nil {
			s.storeError(w, "list incidents", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"guild_id":  guildID,
			"incidents": list,
			"count":     len(list),
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error("api "+op, "err", err)
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": op + " failed"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.metrics.Clear()
		s.alerts.Clear()
	case "incidents", "alerts":
		s.alerts.Clear()
	case "assessments":
		s.metrics.Clear()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cleared": target})
}

// handleReset drops all in-memory community state. Persisted baselines and
// incidents survive.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.engine != nil {
		s.engine.Reset()
	}
	s.metrics.Clear()
	s.alerts.Clear()
	if s.logger != nil {
		s.logger.Info("engine state reset via api")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func parseLimit(v string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
