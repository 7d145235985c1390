// Package engine routes platform events to per-community workers. Each
// community's events are handled one at a time, in arrival order, by a
// goroutine that owns that community's rate state and join window, so
// different communities are processed in parallel without shared locks.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"raidguard/internal/alerts"
	"raidguard/internal/baseline"
	"raidguard/internal/config"
	"raidguard/internal/decision"
	"raidguard/internal/metrics"
	"raidguard/internal/model"
	"raidguard/internal/notify"
	"raidguard/internal/raid"
)

var (
	ErrStopped   = errors.New("engine: worker stopped")
	ErrQueueFull = errors.New("engine: community queue full")
)

// Store is everything the pipeline persists.
type Store interface {
	baseline.Store
	decision.Store
}

// Result is the outcome of one event. Assessment and Decision are only set
// for joins.
type Result struct {
	GuildID    string                `json:"guild_id"`
	Kind       model.EventKind       `json:"kind"`
	Timestamp  time.Time             `json:"timestamp"`
	Baseline   *model.BaselineRecord `json:"baseline,omitempty"`
	Assessment *raid.Assessment      `json:"assessment,omitempty"`
	Decision   *decision.Decision    `json:"decision,omitempty"`
}

// pipeline is rebuilt whenever the configuration changes.
type pipeline struct {
	cfg       *config.Config
	baselines *baseline.Engine
	predictor *raid.Predictor
	decider   *decision.Engine
}

type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Store
	alerts   *alerts.Store
	store    Store
	notifier notify.Notifier
	in       <-chan model.Event
	pipe     atomic.Pointer[pipeline]
	now      func() time.Time
	started  time.Time

	mu      sync.Mutex
	workers map[string]*worker
}

// NewEngine builds the engine. Notifications go through a per-guild queue,
// so workers never wait on delivery.
func NewEngine(cfg *config.Config, logger *slog.Logger, metricsStore *metrics.Store, alertsStore *alerts.Store, store Store, notifier notify.Notifier) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if _, ok := notifier.(*notify.Async); !ok {
		notifier = notify.NewAsync(notifier, cfg.Notify.QueueSize, cfg.Engine.IdleTimeout, logger)
	}
	e := &Engine{
		logger:   logger,
		metrics:  metricsStore,
		alerts:   alertsStore,
		store:    store,
		notifier: notifier,
		now:      time.Now,
		started:  time.Now().UTC(),
		workers:  make(map[string]*worker),
	}
	e.UpdateConfig(cfg)
	return e
}

// UpdateConfig swaps the pipeline. Live workers pick it up with their next
// event; window length applies to workers created afterwards.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	var bs baseline.Store
	var ds decision.Store
	if e.store != nil {
		bs, ds = e.store, e.store
	} else {
		ds = nopStore{}
	}
	e.pipe.Store(&pipeline{
		cfg:       cfg,
		baselines: baseline.NewEngine(bs, cfg.Detection, e.logger),
		predictor: raid.NewPredictor(cfg.Detection),
		decider:   decision.NewEngine(cfg.Detection.Decision, ds, e.notifier, e.logger),
	})
}

func (e *Engine) config() *config.Config {
	return e.pipe.Load().cfg
}

// SetClock replaces the wall clock used to clamp event timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Attach sets the channel consumed by Serve.
func (e *Engine) Attach(in <-chan model.Event) {
	e.in = in
}

func (e *Engine) String() string { return "engine" }

// Serve hands events from the attached channel to their community workers
// without waiting for the result. An event for a community whose queue is
// full is dropped and counted; other communities are not held up.
func (e *Engine) Serve(ctx context.Context) error {
	defer e.stopWorkers()
	if e.in == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case ev, ok := <-e.in:
			if !ok {
				return nil
			}
			if _, err := e.enqueue(ctx, ev, nil, false); err != nil && !errors.Is(err, context.Canceled) {
				reason := "enqueue"
				if errors.Is(err, ErrQueueFull) {
					reason = "queue_full"
				}
				metrics.EventsDropped.WithLabelValues(reason).Inc()
				if e.logger != nil {
					e.logger.Warn("event dropped", "guild_id", ev.GuildID, "kind", string(ev.Kind), "err", err)
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ProcessEvent runs ev through its community worker and waits for the
// result. Events without a community or with an unknown kind are ignored.
func (e *Engine) ProcessEvent(ctx context.Context, ev model.Event) (Result, error) {
	reply := make(chan outcome, 1)
	w, err := e.enqueue(ctx, ev, reply, true)
	if err != nil {
		return Result{}, err
	}
	var done <-chan struct{}
	if w != nil {
		done = w.done
	}
	select {
	case out := <-reply:
		return out.res, out.err
	case <-done:
		select {
		case out := <-reply:
			return out.res, out.err
		default:
			return Result{}, ErrStopped
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// enqueue queues ev on its community worker. Invalid events are answered
// directly and return a nil worker. Unless block is set, a full queue
// returns ErrQueueFull.
func (e *Engine) enqueue(ctx context.Context, ev model.Event, reply chan outcome, block bool) (*worker, error) {
	if ev.GuildID == "" || !validKind(ev.Kind) {
		if reply != nil {
			reply <- outcome{res: Result{GuildID: ev.GuildID, Kind: ev.Kind}}
		}
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		return nil, nil
	}
	cfg := e.config()
	ev.Timestamp = clampTimestamp(ev.Timestamp, e.now().UTC(), cfg.Engine.MaxClockSkew, cfg.Engine.MaxFutureSkew)

	w := e.acquire(ev.GuildID, cfg)
	j := job{ctx: ctx, ev: ev, reply: reply}
	if !block {
		select {
		case w.jobs <- j:
			return w, nil
		case <-w.done:
			e.release(w)
			return nil, ErrStopped
		default:
			e.release(w)
			return nil, ErrQueueFull
		}
	}
	select {
	case w.jobs <- j:
		return w, nil
	case <-w.done:
		e.release(w)
		return nil, ErrStopped
	case <-ctx.Done():
		e.release(w)
		return nil, ctx.Err()
	}
}

func validKind(k model.EventKind) bool {
	switch k {
	case model.EventJoin, model.EventMessage, model.EventPermissionChange:
		return true
	}
	return false
}

// acquire returns the live worker for guildID, creating it if needed, and
// counts the caller as pending so the worker is not reaped underneath it.
func (e *Engine) acquire(guildID string, cfg *config.Config) *worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[guildID]
	if !ok {
		w = newWorker(guildID, cfg, e.logger)
		e.workers[guildID] = w
		metrics.ActiveWorkers.Inc()
		go e.run(w, cfg.Engine.IdleTimeout)
	}
	w.pending++
	return w
}

func (e *Engine) release(w *worker) {
	e.mu.Lock()
	w.pending--
	e.mu.Unlock()
}

// reap removes w if nothing is queued for it. It reports whether w should
// exit.
func (e *Engine) reap(w *worker) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w.pending > 0 {
		return false
	}
	if e.workers[w.guildID] == w {
		delete(e.workers, w.guildID)
		metrics.ActiveWorkers.Dec()
	}
	return true
}

// WorkerCount is the number of live community workers.
func (e *Engine) WorkerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Reset drops all in-memory community state. Persisted baselines and
// incidents are kept.
func (e *Engine) Reset() {
	e.stopWorkers()
}

func (e *Engine) stopWorkers() {
	e.mu.Lock()
	stopped := make([]*worker, 0, len(e.workers))
	for id, w := range e.workers {
		close(w.quit)
		delete(e.workers, id)
		metrics.ActiveWorkers.Dec()
		stopped = append(stopped, w)
	}
	e.mu.Unlock()
	for _, w := range stopped {
		<-w.done
	}
}

// Uptime is the time since the engine was created.
func (e *Engine) Uptime() time.Duration {
	return time.Since(e.started)
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 {
		if now.Sub(ts) > maxPast {
			return now
		}
	}
	if maxFuture > 0 {
		if ts.Sub(now) > maxFuture {
			return now
		}
	}
	return ts
}

type nopStore struct{}

func (nopStore) EnsureGuildSettings(_ context.Context, guildID string, def float64) (model.GuildSettings, error) {
	return model.GuildSettings{GuildID: guildID, RiskThreshold: def}, nil
}

func (nopStore) SaveIncident(context.Context, model.Incident) error { return nil }
