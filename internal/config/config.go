package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"raidguard/internal/model"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Discord       DiscordConfig   `json:"discord" yaml:"discord"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// DiscordConfig drives both the gateway adapter and the Discord notifier.
type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
}

type ParserConfig struct {
	Timezone string `json:"timezone" yaml:"timezone"`
}

// DetectionConfig holds the heuristic constants of the baseline, predictor
// and decision stages. None of the defaults are calibrated against real raid
// data.
type DetectionConfig struct {
	Alpha              float64         `json:"alpha" yaml:"alpha"`
	MinInterArrival    time.Duration   `json:"min_inter_arrival" yaml:"min_inter_arrival"`
	JoinWindow         time.Duration   `json:"join_window" yaml:"join_window"`
	Horizons           HorizonsConfig  `json:"horizons" yaml:"horizons"`
	YoungAccountAge    time.Duration   `json:"young_account_age" yaml:"young_account_age"`
	VelocitySaturation float64         `json:"velocity_saturation" yaml:"velocity_saturation"`
	Weights            WeightsConfig   `json:"weights" yaml:"weights"`
	BurstJoins         int             `json:"burst_joins" yaml:"burst_joins"`
	BurstBonus         float64         `json:"burst_bonus" yaml:"burst_bonus"`
	Levels             LevelsConfig    `json:"levels" yaml:"levels"`
	Decision           DecisionConfig  `json:"decision" yaml:"decision"`
}

type HorizonsConfig struct {
	Burst  time.Duration `json:"burst" yaml:"burst"`
	Short  time.Duration `json:"short" yaml:"short"`
	Minute time.Duration `json:"minute" yaml:"minute"`
	Long   time.Duration `json:"long" yaml:"long"`
}

type WeightsConfig struct {
	Velocity float64 `json:"velocity" yaml:"velocity"`
	Young    float64 `json:"young" yaml:"young"`
	Username float64 `json:"username" yaml:"username"`
}

// LevelsConfig holds the exclusive upper bounds of NONE, LOW, MEDIUM and HIGH.
type LevelsConfig struct {
	Low      float64 `json:"low" yaml:"low"`
	Medium   float64 `json:"medium" yaml:"medium"`
	High     float64 `json:"high" yaml:"high"`
	Critical float64 `json:"critical" yaml:"critical"`
}

type DecisionConfig struct {
	SkipBelow        float64 `json:"skip_below" yaml:"skip_below"`
	DefaultThreshold float64 `json:"default_threshold" yaml:"default_threshold"`
	LogOnlyRatio     float64 `json:"log_only_ratio" yaml:"log_only_ratio"`
	FlagMargin       float64 `json:"flag_margin" yaml:"flag_margin"`
	LockdownAt       float64 `json:"lockdown_at" yaml:"lockdown_at"`
}

type EngineConfig struct {
	QueueSize     int           `json:"queue_size" yaml:"queue_size"`
	IdleTimeout   time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	MaxClockSkew  time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// NotifyConfig limits are per guild. QueueSize bounds the notifications
// waiting for one guild; more are dropped.
type NotifyConfig struct {
	Sink       string  `json:"sink" yaml:"sink"`
	RatePerSec float64 `json:"rate_per_sec" yaml:"rate_per_sec"`
	Burst      int     `json:"burst" yaml:"burst"`
	QueueSize  int     `json:"queue_size" yaml:"queue_size"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		Alpha:           0.3,
		MinInterArrival: time.Second,
		JoinWindow:      10 * time.Minute,
		Horizons: HorizonsConfig{
			Burst:  10 * time.Second,
			Short:  30 * time.Second,
			Minute: 60 * time.Second,
			Long:   5 * time.Minute,
		},
		YoungAccountAge:    7 * 24 * time.Hour,
		VelocitySaturation: 3,
		Weights:            WeightsConfig{Velocity: 0.5, Young: 0.3, Username: 0.2},
		BurstJoins:         5,
		BurstBonus:         0.1,
		Levels:             LevelsConfig{Low: 0.3, Medium: 0.5, High: 0.75, Critical: 0.9},
		Decision: DecisionConfig{
			SkipBelow:        0.25,
			DefaultThreshold: model.DefaultRiskThreshold,
			LogOnlyRatio:     0.6,
			FlagMargin:       0.1,
			LockdownAt:       0.95,
		},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Discord:       DiscordConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC"},
		},
		Detection: DefaultDetection(),
		Engine: EngineConfig{
			QueueSize:     256,
			IdleTimeout:   10 * time.Minute,
			MaxClockSkew:  2 * time.Second,
			MaxFutureSkew: 2 * time.Second,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:raidguard.db?_pragma=busy_timeout(5000)"},
		Notify:  NotifyConfig{Sink: "log", RatePerSec: 1, Burst: 5, QueueSize: 64},
		Metrics: MetricsConfig{StoreLimit: 5000},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv lets DISCORD_TOKEN and DATABASE_URL override the file.
func ApplyEnv(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("DISCORD_TOKEN")); token != "" {
		cfg.Ingest.Discord.Token = token
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Storage.DSN = dsn
	}
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultDetection()
	d := &cfg.Detection
	if d.Alpha <= 0 || d.Alpha > 1 {
		d.Alpha = def.Alpha
	}
	if d.MinInterArrival <= 0 {
		d.MinInterArrival = def.MinInterArrival
	}
	if d.JoinWindow <= 0 {
		d.JoinWindow = def.JoinWindow
	}
	if d.Horizons == (HorizonsConfig{}) {
		d.Horizons = def.Horizons
	}
	if d.YoungAccountAge <= 0 {
		d.YoungAccountAge = def.YoungAccountAge
	}
	if d.VelocitySaturation <= 0 {
		d.VelocitySaturation = def.VelocitySaturation
	}
	if d.Weights == (WeightsConfig{}) {
		d.Weights = def.Weights
	}
	if d.BurstJoins <= 0 {
		d.BurstJoins = def.BurstJoins
	}
	if d.Levels == (LevelsConfig{}) {
		d.Levels = def.Levels
	}
	if d.Decision == (DecisionConfig{}) {
		d.Decision = def.Decision
	}
	if d.Decision.DefaultThreshold <= 0 {
		d.Decision.DefaultThreshold = def.Decision.DefaultThreshold
	}
	if d.Decision.LogOnlyRatio <= 0 {
		d.Decision.LogOnlyRatio = def.Decision.LogOnlyRatio
	}
	if d.Decision.LockdownAt <= 0 {
		d.Decision.LockdownAt = def.Decision.LockdownAt
	}
	if cfg.Engine.QueueSize <= 0 {
		cfg.Engine.QueueSize = 256
	}
	if cfg.Engine.IdleTimeout <= 0 {
		cfg.Engine.IdleTimeout = 10 * time.Minute
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 5000
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Notify.Sink == "" {
		cfg.Notify.Sink = "log"
	}
	if cfg.Notify.RatePerSec <= 0 {
		cfg.Notify.RatePerSec = 1
	}
	if cfg.Notify.Burst <= 0 {
		cfg.Notify.Burst = 5
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 64
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if (cfg.Ingest.Discord.Enabled || cfg.Notify.Sink == "discord") && cfg.Ingest.Discord.Token == "" {
		return errors.New("ingest.discord.token (or DISCORD_TOKEN) required when discord is used")
	}
	switch strings.ToLower(cfg.Notify.Sink) {
	case "log", "discord":
	default:
		return fmt.Errorf("notify.sink must be log or discord, got %q", cfg.Notify.Sink)
	}
	d := cfg.Detection
	if d.Levels.Low > d.Levels.Medium || d.Levels.Medium > d.Levels.High || d.Levels.High > d.Levels.Critical {
		return errors.New("detection.levels must be ascending")
	}
	for name, h := range map[string]time.Duration{
		"burst":  d.Horizons.Burst,
		"short":  d.Horizons.Short,
		"minute": d.Horizons.Minute,
		"long":   d.Horizons.Long,
	} {
		if h <= 0 {
			return fmt.Errorf("detection.horizons.%s must be > 0", name)
		}
		if h > d.JoinWindow {
			return fmt.Errorf("detection.horizons.%s exceeds detection.join_window", name)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
