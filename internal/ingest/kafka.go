package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"raidguard/internal/config"
	"raidguard/internal/model"
)

// Kafka reads one event per message from a topic.
type Kafka struct {
	cfg    *config.Manager
	out    chan<- model.Event
	logger *slog.Logger
}

func NewKafka(cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) *Kafka {
	return &Kafka{cfg: cfg, out: out, logger: logger}
}

func (k *Kafka) String() string { return "ingest-kafka" }

func (k *Kafka) Serve(ctx context.Context) error {
	current := k.cfg.Get().Ingest.Kafka
	if k.logger != nil {
		k.logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()
	parser := NewParser()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if k.logger != nil {
				k.logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return ctx.Err()
			}
			continue
		}
		handleLine(ctx, parser, k.cfg, string(m.Value), "kafka", k.out, k.logger)
	}
}
