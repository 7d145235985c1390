package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"raidguard/internal/baseline"
	"raidguard/internal/config"
	"raidguard/internal/decision"
	"raidguard/internal/logging"
	"raidguard/internal/metrics"
	"raidguard/internal/model"
	"raidguard/internal/raid"
)

type job struct {
	ctx   context.Context
	ev    model.Event
	reply chan outcome
}

type outcome struct {
	res Result
	err error
}

// worker owns the in-memory state of one community. Only its own goroutine
// touches tracker and window; pending is guarded by Engine.mu.
type worker struct {
	guildID string
	logger  *slog.Logger
	tracker *baseline.Tracker
	window  *raid.JoinWindow
	jobs    chan job
	quit    chan struct{}
	done    chan struct{}
	pending int
}

func newWorker(guildID string, cfg *config.Config, logger *slog.Logger) *worker {
	size := cfg.Engine.QueueSize
	if size <= 0 {
		size = 256
	}
	return &worker{
		guildID: guildID,
		logger:  logging.WithGuild(logger, guildID),
		tracker: baseline.NewTracker(guildID),
		window:  raid.NewJoinWindow(cfg.Detection.JoinWindow),
		jobs:    make(chan job, size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (e *Engine) run(w *worker, idle time.Duration) {
	defer close(w.done)
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case j := <-w.jobs:
			e.handle(w, j)
			e.release(w)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		case <-timer.C:
			if e.reap(w) {
				if w.logger != nil {
					w.logger.Debug("community worker idle, state dropped")
				}
				return
			}
			timer.Reset(idle)
		case <-w.quit:
			return
		}
	}
}

func (e *Engine) handle(w *worker, j job) {
	start := time.Now()
	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := e.process(ctx, w, j.ev)
	metrics.ObserveEvent(string(j.ev.Kind), time.Since(start))
	if err != nil && w.logger != nil {
		w.logger.Error("event processing failed", "kind", string(j.ev.Kind), "err", err)
	}
	if j.reply != nil {
		j.reply <- outcome{res: res, err: err}
	}
}

// process runs the pipeline for one event. A failing stage is reported and
// the stages that do not depend on it still run.
func (e *Engine) process(ctx context.Context, w *worker, ev model.Event) (Result, error) {
	p := e.pipe.Load()
	now := ev.Timestamp
	res := Result{GuildID: ev.GuildID, Kind: ev.Kind, Timestamp: now}
	var errs []error

	switch ev.Kind {
	case model.EventMessage:
		rec, err := p.baselines.RecordMessage(ctx, w.tracker, ev.ContainsLink, now)
		res.Baseline = rec
		errs = appendStoreErr(errs, "baseline", err)
	case model.EventPermissionChange:
		rec, err := p.baselines.RecordPermissionChange(ctx, w.tracker, now)
		res.Baseline = rec
		errs = appendStoreErr(errs, "baseline", err)
	case model.EventJoin:
		rec, err := p.baselines.RecordJoin(ctx, w.tracker, now)
		res.Baseline = rec
		errs = appendStoreErr(errs, "baseline", err)

		snap, err := p.baselines.Snapshot(ctx, w.tracker)
		errs = appendStoreErr(errs, "snapshot", err)

		account := &raid.Account{UserID: ev.UserID, Username: ev.Username, CreatedAt: ev.AccountCreatedAt}
		a := p.predictor.Assess(w.window, ev.GuildID, account, snap, now)
		res.Assessment = &a
		if e.metrics != nil {
			e.metrics.Update(a)
		}

		d, err := p.decider.Decide(ctx, decision.Guild{ID: ev.GuildID, Name: ev.GuildName}, a, snap)
		if err != nil {
			errs = appendStoreErr(errs, "decision", err)
			break
		}
		res.Decision = &d
		if d.Incident != nil && e.alerts != nil {
			e.alerts.Add(*d.Incident)
		}
	}
	return res, errors.Join(errs...)
}

func appendStoreErr(errs []error, op string, err error) []error {
	if err == nil {
		return errs
	}
	metrics.StoreErrors.WithLabelValues(op).Inc()
	return append(errs, fmt.Errorf("%s: %w", op, err))
}
