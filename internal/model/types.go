package model

import "time"

type EventKind string

const (
	EventJoin             EventKind = "join"
	EventMessage          EventKind = "message"
	EventPermissionChange EventKind = "permission_change"
)

// Event is a platform event after normalization. AccountCreatedAt and
// Username are only meaningful for joins, ContainsLink only for messages.
type Event struct {
	Kind             EventKind `json:"kind"`
	Timestamp        time.Time `json:"timestamp"`
	GuildID          string    `json:"guild_id"`
	GuildName        string    `json:"guild_name,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	Username         string    `json:"username,omitempty"`
	AccountCreatedAt time.Time `json:"account_created_at,omitempty"`
	ContainsLink     bool      `json:"contains_link,omitempty"`
	Source           string    `json:"source,omitempty"`
}

type MetricType string

const (
	MetricJoins             MetricType = "joins_per_minute"
	MetricMessages          MetricType = "messages_per_minute"
	MetricLinks             MetricType = "links_per_minute"
	MetricPermissionChanges MetricType = "perm_changes_per_minute"
)

var MetricTypes = []MetricType{MetricJoins, MetricMessages, MetricLinks, MetricPermissionChanges}

func (m MetricType) Valid() bool {
	switch m {
	case MetricJoins, MetricMessages, MetricLinks, MetricPermissionChanges:
		return true
	}
	return false
}

type BaselineRecord struct {
	GuildID     string     `json:"guild_id"`
	MetricType  MetricType `json:"metric_type"`
	Baseline    float64    `json:"baseline"`
	StdDev      float64    `json:"std_dev"`
	SampleSize  int        `json:"sample_size"`
	LastUpdated time.Time  `json:"last_updated"`
}

// BaselineSnapshot is every known baseline of one guild, keyed by metric.
type BaselineSnapshot struct {
	GuildID string                        `json:"guild_id"`
	Metrics map[MetricType]BaselineRecord `json:"metrics"`
}

func (s BaselineSnapshot) Baseline(metric MetricType) float64 {
	if s.Metrics == nil {
		return 0
	}
	return s.Metrics[metric].Baseline
}

const DefaultRiskThreshold = 0.75

type GuildSettings struct {
	GuildID       string    `json:"guild_id"`
	RiskThreshold float64   `json:"risk_threshold"`
	CreatedAt     time.Time `json:"created_at"`
}

type RiskLevel string

const (
	RiskNone     RiskLevel = "NONE"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Action is an advisory response tier. Tiers are ordered by severity.
type Action string

const (
	ActionNone     Action = "NONE"
	ActionLogOnly  Action = "LOG_ONLY"
	ActionFlag     Action = "FLAG"
	ActionIsolate  Action = "ISOLATE"
	ActionLockdown Action = "LOCKDOWN"
)

func (a Action) Rank() int {
	switch a {
	case ActionLogOnly:
		return 1
	case ActionFlag:
		return 2
	case ActionIsolate:
		return 3
	case ActionLockdown:
		return 4
	}
	return 0
}

const IncidentRaidPrediction = "RAID_PREDICTION"

type Incident struct {
	IncidentID  string    `json:"incident_id"`
	GuildID     string    `json:"guild_id"`
	Type        string    `json:"type"`
	Severity    float64   `json:"severity"`
	Description string    `json:"description"`
	RiskFactors string    `json:"risk_factors"`
	ActionTaken Action    `json:"action_taken"`
	Resolved    bool      `json:"resolved"`
	CreatedAt   time.Time `json:"created_at"`
}
