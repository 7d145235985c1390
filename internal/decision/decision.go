// Package decision maps raid assessments to advisory action tiers, records
// an incident for every non-trivial assessment and announces it. Actions are
// recommendations only; nothing here touches platform permissions.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"raidguard/internal/config"
	"raidguard/internal/metrics"
	"raidguard/internal/model"
	"raidguard/internal/notify"
	"raidguard/internal/raid"
	"raidguard/internal/storage"
)

type Store interface {
	EnsureGuildSettings(ctx context.Context, guildID string, defaultThreshold float64) (model.GuildSettings, error)
	SaveIncident(ctx context.Context, inc model.Incident) error
}

type Guild struct {
	ID   string
	Name string
}

type Decision struct {
	Skipped   bool            `json:"skipped"`
	Action    model.Action    `json:"action"`
	Threshold float64         `json:"threshold"`
	Incident  *model.Incident `json:"incident,omitempty"`
	Notified  bool            `json:"notified"`
}

type Engine struct {
	cfg      config.DecisionConfig
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewEngine(cfg config.DecisionConfig, store Store, notifier notify.Notifier, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, store: store, notifier: notifier, logger: logger}
}

// ActionFor maps a score to a tier. A non-positive or NaN threshold falls
// back to the configured default.
func (e *Engine) ActionFor(score, threshold float64) model.Action {
	if math.IsNaN(threshold) || threshold <= 0 {
		threshold = e.cfg.DefaultThreshold
	}
	switch {
	case score < threshold*e.cfg.LogOnlyRatio:
		return model.ActionNone
	case score < threshold:
		return model.ActionLogOnly
	case score < threshold+e.cfg.FlagMargin:
		return model.ActionFlag
	case score < e.cfg.LockdownAt:
		return model.ActionIsolate
	}
	return model.ActionLockdown
}

// Decide records and announces the assessment. Degenerate assessments and
// scores below the skip floor return a skipped decision with no side
// effects. The incident is persisted before the notification is handed to
// the notifier, and a failed notification is logged, not returned. Notified
// reports that the notifier accepted the line.
func (e *Engine) Decide(ctx context.Context, guild Guild, a raid.Assessment, snap model.BaselineSnapshot) (Decision, error) {
	if guild.ID == "" || a.Degenerate() || math.IsNaN(a.RiskScore) || a.RiskScore < e.cfg.SkipBelow {
		return Decision{Skipped: true, Action: model.ActionNone}, nil
	}

	settings, err := e.store.EnsureGuildSettings(ctx, guild.ID, e.cfg.DefaultThreshold)
	if err != nil {
		return Decision{}, fmt.Errorf("guild settings: %w", err)
	}
	threshold := settings.RiskThreshold
	if math.IsNaN(threshold) || threshold <= 0 {
		threshold = e.cfg.DefaultThreshold
	}
	action := e.ActionFor(a.RiskScore, threshold)

	createdAt := a.At.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	factors, err := storage.EncodeJSON(riskFactors{
		Level:     a.Level,
		Features:  a.Features,
		Action:    action,
		Baselines: snap.Metrics,
		Timestamp: createdAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("encode risk factors: %w", err)
	}
	inc := model.Incident{
		IncidentID:  IncidentID(guild.ID, createdAt),
		GuildID:     guild.ID,
		Type:        model.IncidentRaidPrediction,
		Severity:    a.RiskScore,
		Description: describe(guild, a),
		RiskFactors: factors,
		ActionTaken: action,
		Resolved:    false,
		CreatedAt:   createdAt,
	}
	if err := e.store.SaveIncident(ctx, inc); err != nil {
		return Decision{}, fmt.Errorf("save incident %s: %w", inc.IncidentID, err)
	}
	metrics.IncidentsRecorded.WithLabelValues(string(action)).Inc()
	if e.logger != nil {
		e.logger.Warn("raid prediction recorded",
			"guild_id", guild.ID,
			"incident_id", inc.IncidentID,
			"risk_score", a.RiskScore,
			"level", string(a.Level),
			"action", string(action),
			"threshold", threshold,
		)
	}

	d := Decision{Action: action, Threshold: threshold, Incident: &inc}
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, guild.ID, notify.SecurityIncident, Summary(inc.IncidentID, a, action)); err != nil {
			metrics.NotificationFailures.Inc()
			if e.logger != nil {
				e.logger.Error("raid notification failed", "guild_id", guild.ID, "incident_id", inc.IncidentID, "err", err)
			}
		} else {
			d.Notified = true
		}
	}
	return d, nil
}

type riskFactors struct {
	Level     model.RiskLevel                           `json:"level"`
	Features  *raid.Features                            `json:"features"`
	Action    model.Action                              `json:"action"`
	Baselines map[model.MetricType]model.BaselineRecord `json:"baselines"`
	Timestamp string                                    `json:"timestamp"`
}

// IncidentID is RAID_<guild>_<unix ms base36>_<random suffix>. The suffix
// keeps ids unique when several joins share a timestamp.
func IncidentID(guildID string, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "RAID_" + guildID + "_" + strconv.FormatInt(at.UnixMilli(), 36) + "_" + suffix
}

func percent(score float64) string {
	return strconv.FormatFloat(score*100, 'f', 1, 64)
}

func describe(guild Guild, a raid.Assessment) string {
	name := guild.Name
	if name == "" {
		name = guild.ID
	}
	user := a.Username
	if user == "" {
		user = a.UserID
	}
	if user == "" {
		user = "unknown"
	}
	return fmt.Sprintf("Raid prediction %s (%s%%) for guild %s, user %s", a.Level, percent(a.RiskScore), name, user)
}

// Summary is the one-line notification for an incident.
func Summary(incidentID string, a raid.Assessment, action model.Action) string {
	f := a.Features
	if f == nil {
		f = &raid.Features{}
	}
	parts := []string{
		"[RAID_PREDICTION] Incident " + incidentID,
		"Level: " + string(a.Level),
		"Risk: " + percent(a.RiskScore) + "%",
		fmt.Sprintf("Joins60s: %d", f.JoinsLast60s),
		fmt.Sprintf("BaselineJoinRate: %.2f", f.BaselineJoinRate),
		fmt.Sprintf("YoungRatio: %.2f", f.YoungRatio),
		fmt.Sprintf("UsernameSim: %.2f", f.UsernameSimilarity),
		"Action: " + string(action) + " (advisory, not enforced)",
	}
	return strings.Join(parts, " | ")
}
