// Package notify delivers human readable incident lines to a community's
// log channels.
package notify

import (
	"context"
	"log/slog"
)

type Category string

const (
	System           Category = "SYSTEM"
	SecurityIncident Category = "SECURITY_INCIDENT"
	UserIntel        Category = "USER_INTEL"
	PermissionWatch  Category = "PERMISSION_WATCH"
	ContentIntel     Category = "CONTENT_INTEL"
	VoiceSecurity    Category = "VOICE_SECURITY"
	AuditTrail       Category = "AUDIT_TRAIL"
)

const fallbackChannelName = "raidguard-log"

var channelNames = map[Category]string{
	System:           "bot-system-logs",
	SecurityIncident: "security-incidents",
	UserIntel:        "user-intelligence-logs",
	PermissionWatch:  "permission-watch",
	ContentIntel:     "content-intel",
	VoiceSecurity:    "voice-security",
	AuditTrail:       "audit-trail",
}

// ChannelName is the text channel name used for category.
func ChannelName(c Category) string {
	if name, ok := channelNames[c]; ok {
		return name
	}
	return fallbackChannelName
}

type Notifier interface {
	Notify(ctx context.Context, guildID string, category Category, text string) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, guildID string, category Category, text string) error {
	if guildID == "" {
		guildID = "no-guild"
	}
	n.logger.InfoContext(ctx, text, "category", string(category), "guild_id", guildID)
	return nil
}
