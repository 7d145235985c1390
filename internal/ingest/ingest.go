// Package ingest feeds platform events into the engine channel from REST,
// a newline-delimited TCP stream, tailed files, Kafka and the Discord
// gateway. Every adapter is a suture service.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"raidguard/internal/config"
	"raidguard/internal/metrics"
	"raidguard/internal/model"
	"raidguard/internal/normalize"
)

// SendNonBlocking hands ev to out, dropping it when the channel is full.
func SendNonBlocking(ctx context.Context, out chan<- model.Event, ev model.Event, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		metrics.EventsDropped.WithLabelValues("ingest_full").Inc()
		if logger != nil {
			logger.Warn("event channel full, dropping event", "guild_id", ev.GuildID, "kind", string(ev.Kind), "timestamp", ev.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleLine parses, normalizes and forwards one text line.
func handleLine(ctx context.Context, parser *Parser, cfg *config.Manager, line, source string, out chan<- model.Event, logger *slog.Logger) bool {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		return false
	}
	ev, err := normalize.Normalize(*fields, cfg.Get())
	if err != nil {
		metrics.EventsDropped.WithLabelValues("normalize").Inc()
		if logger != nil {
			logger.Warn(source+" normalize error", "err", err)
		}
		return false
	}
	ev.Source = source
	return SendNonBlocking(ctx, out, ev, logger)
}
