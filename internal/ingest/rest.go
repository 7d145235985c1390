package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"raidguard/internal/config"
	"raidguard/internal/model"
	"raidguard/internal/normalize"
)

// REST accepts POST /events with one JSON object or an array of them.
type REST struct {
	cfg    *config.Manager
	out    chan<- model.Event
	logger *slog.Logger
}

func NewREST(cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) *REST {
	return &REST{cfg: cfg, out: out, logger: logger}
}

func (s *REST) String() string { return "ingest-rest" }

func (s *REST) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func (s *REST) Serve(ctx context.Context) error {
	addr := s.cfg.Get().Ingest.REST.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rest ingest listen %s: %w", addr, err)
	}
	if s.logger != nil {
		s.logger.Info("rest ingest enabled", "addr", ln.Addr().String())
	}
	httpServer := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest ingest: %w", err)
	}
	return ctx.Err()
}

func (s *REST) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	cfg := s.cfg.Get()
	accepted := 0
	failed := 0

	var list []map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(trim))
	dec.UseNumber()
	if trim[0] == '[' {
		if err := dec.Decode(&list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		var obj map[string]interface{}
		if err := dec.Decode(&obj); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = append(list, obj)
	}
	for _, obj := range list {
		if err := s.processMap(r.Context(), obj, cfg); err != nil {
			failed++
			continue
		}
		accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": accepted,
		"failed":   failed,
	})
}

func (s *REST) processMap(ctx context.Context, obj map[string]interface{}, cfg *config.Config) error {
	fields := ParseJSONMap(obj)
	fields.Raw = "rest"
	ev, err := normalize.Normalize(*fields, cfg)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("rest normalize error", "err", err)
		}
		return err
	}
	ev.Source = "rest"
	if !SendNonBlocking(ctx, s.out, ev, s.logger) {
		return errors.New("event channel full")
	}
	return nil
}
