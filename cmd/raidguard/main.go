// Command raidguard watches community events for join raids and records an
// advisory incident when a raid looks likely.
//
// Events arrive from the Discord gateway, REST, a TCP line stream, tailed
// files or Kafka. Each adapter, the engine and the API run under one suture
// tree and stop on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"raidguard/internal/alerts"
	"raidguard/internal/api"
	"raidguard/internal/config"
	"raidguard/internal/engine"
	"raidguard/internal/ingest"
	"raidguard/internal/logging"
	"raidguard/internal/metrics"
	"raidguard/internal/model"
	"raidguard/internal/notify"
	"raidguard/internal/storage"
	"raidguard/internal/supervisor"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "raidguard.yaml", "path to the YAML or JSON config file")
	flag.Parse()

	if err := run(config.ResolvePath(*configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "raidguard: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfgManager, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg := cfgManager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = store.Init(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	var session *discordgo.Session
	if cfg.Ingest.Discord.Enabled || strings.EqualFold(cfg.Notify.Sink, "discord") {
		session, err = ingest.NewDiscordSession(cfg.Ingest.Discord.Token)
		if err != nil {
			return err
		}
	}
	notifier := newNotifier(cfg, session, store, logger)

	metricsStore := metrics.NewStore(cfg.Metrics.StoreLimit)
	alertsStore := alerts.NewStore(cfg.Alerts.StoreLimit)
	events := make(chan model.Event, cfg.Ingest.ChannelBuffer)

	eng := engine.NewEngine(cfg, logger, metricsStore, alertsStore, store, notifier)
	eng.Attach(events)

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.AddProcessing(eng)
	tree.AddProcessing(supervisor.Func{Name: "config-watch", Run: func(ctx context.Context) error {
		cfgManager.Watch(3*time.Second, func(next *config.Config) {
			logger.Info("config reloaded", "path", cfgManager.Path())
			eng.UpdateConfig(next)
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
		return ctx.Err()
	}})

	if cfg.Ingest.REST.Enabled {
		tree.AddIngest(ingest.NewREST(cfgManager, events, logger))
	}
	if cfg.Ingest.TCPStream.Enabled {
		tree.AddIngest(ingest.NewTCPStream(cfgManager, events, logger))
	}
	if cfg.Ingest.FileTail.Enabled {
		tree.AddIngest(ingest.NewFileTail(cfgManager, events, logger))
	}
	if cfg.Ingest.Kafka.Enabled {
		tree.AddIngest(ingest.NewKafka(cfgManager, events, logger))
	}
	if cfg.Ingest.Discord.Enabled {
		tree.AddIngest(ingest.NewDiscord(session, events, notifier, logger))
	}
	if cfg.API.Enabled {
		tree.AddAPI(api.NewServer(cfgManager, metricsStore, alertsStore, store, eng, logger, version))
	} else {
		logger.Info("api disabled")
	}

	logger.Info("raidguard starting", "version", version, "config", cfgManager.Path(), "storage", cfg.Storage.Driver, "notify", cfg.Notify.Sink)
	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logger.Warn("service did not stop in time", "service", svc.Name)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// loadConfig falls back to the defaults when the file does not exist.
func loadConfig(path string) (*config.Manager, error) {
	m, err := config.NewManager(path)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg := config.DefaultConfig()
	config.ApplyEnv(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return config.NewStaticManager(cfg), nil
}

func newNotifier(cfg *config.Config, session *discordgo.Session, store storage.Store, logger *slog.Logger) notify.Notifier {
	logNotifier := notify.NewLogNotifier(logger)
	if session == nil || !strings.EqualFold(cfg.Notify.Sink, "discord") {
		return logNotifier
	}
	return notify.NewDiscordNotifier(notify.SessionAPI(session), store, logNotifier, cfg.Notify.RatePerSec, cfg.Notify.Burst, logger)
}
