// Package raid scores how likely it is that a join is part of a raid, from
// the recent join history of the community and its learned join baseline.
package raid

import (
	"math"
	"time"

	"raidguard/internal/config"
	"raidguard/internal/model"
)

// Account is the member whose join is being assessed.
type Account struct {
	UserID    string
	Username  string
	CreatedAt time.Time
}

type AssessmentKind string

const (
	// AssessmentScored is a real evaluation; its score may still be zero.
	AssessmentScored AssessmentKind = "scored"
	// AssessmentDegenerate marks input that could not be evaluated.
	AssessmentDegenerate AssessmentKind = "degenerate"
)

type Features struct {
	JoinsLast10s          int     `json:"joinsLast10s"`
	JoinsLast30s          int     `json:"joinsLast30s"`
	JoinsLast60s          int     `json:"joinsLast60s"`
	JoinsLast5m           int     `json:"joinsLast5m"`
	BaselineJoinRate      float64 `json:"baselineJoinRate"`
	VelocityRatio         float64 `json:"velocityRatio"`
	YoungRatio            float64 `json:"youngRatio"`
	UsernameSimilarity    float64 `json:"usernameSimilarity"`
	MaxUsernameSimilarity float64 `json:"maxUsernameSimilarity"`
	AccountAgeDays        float64 `json:"accountAgeDays"`
	JoinVelocityScore     float64 `json:"joinVelocityScore"`
	YoungScore            float64 `json:"youngScore"`
	UsernameScore         float64 `json:"usernameScore"`
	BurstBonus            float64 `json:"burstBonus"`
}

type Assessment struct {
	Kind      AssessmentKind  `json:"kind"`
	GuildID   string          `json:"guild_id"`
	UserID    string          `json:"user_id,omitempty"`
	Username  string          `json:"username,omitempty"`
	RiskScore float64         `json:"risk_score"`
	Level     model.RiskLevel `json:"level"`
	Features  *Features       `json:"features,omitempty"`
	At        time.Time       `json:"at"`
}

func (a Assessment) Degenerate() bool {
	return a.Kind == AssessmentDegenerate
}

func neutral(guildID string, now time.Time) Assessment {
	return Assessment{Kind: AssessmentDegenerate, GuildID: guildID, RiskScore: 0, Level: model.RiskNone, At: now}
}

type Predictor struct {
	cfg config.DetectionConfig
}

func NewPredictor(cfg config.DetectionConfig) *Predictor {
	return &Predictor{cfg: cfg}
}

// AccountAgeDays is the age of an account at now, in fractional days. An
// unknown creation time counts as a brand new account.
func AccountAgeDays(created, now time.Time) float64 {
	if created.IsZero() {
		return 0
	}
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	return age.Hours() / 24
}

// Assess records the join in w and evaluates it. Degenerate input leaves the
// window untouched.
func (p *Predictor) Assess(w *JoinWindow, guildID string, account *Account, snap model.BaselineSnapshot, now time.Time) Assessment {
	if w == nil || guildID == "" || account == nil {
		return neutral(guildID, now)
	}
	events := w.Record(JoinEvent{
		Timestamp:      now,
		AccountAgeDays: AccountAgeDays(account.CreatedAt, now),
		Username:       account.Username,
	})
	return p.Evaluate(guildID, account, events, snap, now)
}

// Evaluate scores the last event of events, which must already be pruned to
// the join window.
func (p *Predictor) Evaluate(guildID string, account *Account, events []JoinEvent, snap model.BaselineSnapshot, now time.Time) Assessment {
	if guildID == "" || account == nil || len(events) == 0 {
		return neutral(guildID, now)
	}
	cfg := p.cfg
	latest := events[len(events)-1]
	youngDays := cfg.YoungAccountAge.Hours() / 24

	f := &Features{AccountAgeDays: latest.AccountAgeDays}
	young := 0
	for _, ev := range events {
		age := now.Sub(ev.Timestamp)
		if age <= cfg.Horizons.Burst {
			f.JoinsLast10s++
		}
		if age <= cfg.Horizons.Short {
			f.JoinsLast30s++
		}
		if age <= cfg.Horizons.Minute {
			f.JoinsLast60s++
		}
		if age <= cfg.Horizons.Long {
			f.JoinsLast5m++
		}
		if ev.AccountAgeDays <= youngDays {
			young++
		}
	}
	f.YoungRatio = float64(young) / float64(len(events))

	var sum float64
	var positive int
	for _, ev := range events[:len(events)-1] {
		sim := UsernameSimilarity(latest.Username, ev.Username)
		if sim <= 0 {
			continue
		}
		sum += sim
		positive++
		if sim > f.MaxUsernameSimilarity {
			f.MaxUsernameSimilarity = sim
		}
	}
	if positive > 0 {
		f.UsernameSimilarity = sum / float64(positive)
	}

	f.BaselineJoinRate = snap.Baseline(model.MetricJoins)
	effective := f.BaselineJoinRate
	if effective <= 0 {
		effective = 1
	}
	f.VelocityRatio = float64(f.JoinsLast60s) / effective
	f.JoinVelocityScore = math.Min(1, f.VelocityRatio/cfg.VelocitySaturation)
	f.YoungScore = math.Min(1, f.YoungRatio)
	f.UsernameScore = math.Min(1, f.UsernameSimilarity)

	score := cfg.Weights.Velocity*f.JoinVelocityScore +
		cfg.Weights.Young*f.YoungScore +
		cfg.Weights.Username*f.UsernameScore
	if f.JoinsLast10s >= cfg.BurstJoins {
		f.BurstBonus = cfg.BurstBonus
		score += cfg.BurstBonus
	}
	score = clamp01(score)

	return Assessment{
		Kind:      AssessmentScored,
		GuildID:   guildID,
		UserID:    account.UserID,
		Username:  account.Username,
		RiskScore: score,
		Level:     p.Level(score),
		Features:  f,
		At:        now,
	}
}

func (p *Predictor) Level(score float64) model.RiskLevel {
	l := p.cfg.Levels
	switch {
	case score < l.Low:
		return model.RiskNone
	case score < l.Medium:
		return model.RiskLow
	case score < l.High:
		return model.RiskMedium
	case score < l.Critical:
		return model.RiskHigh
	}
	return model.RiskCritical
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
