// Package normalize turns loosely typed event fields from any ingest source
// into model.Event values.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"raidguard/internal/config"
	"raidguard/internal/model"
)

var (
	ErrMissingGuild = errors.New("missing guild id")
	ErrUnknownKind  = errors.New("unknown event kind")
)

type EventFields struct {
	Timestamp      string
	Kind           string
	GuildID        string
	GuildName      string
	UserID         string
	Username       string
	AccountCreated string
	Content        string
	ContainsLink   string
	Extras         map[string]string
	Raw            string
}

func Normalize(fields EventFields, cfg *config.Config) (model.Event, error) {
	kind, err := ParseKind(fields.Kind)
	if err != nil {
		return model.Event{}, err
	}
	guild := strings.TrimSpace(fields.GuildID)
	if guild == "" {
		return model.Event{}, ErrMissingGuild
	}

	loc := time.UTC
	if cfg != nil && cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Event{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	ev := model.Event{
		Kind:      kind,
		Timestamp: ts,
		GuildID:   guild,
		GuildName: strings.TrimSpace(fields.GuildName),
		UserID:    strings.TrimSpace(fields.UserID),
		Username:  strings.TrimSpace(fields.Username),
		Source:    "log",
	}
	switch kind {
	case model.EventJoin:
		created, err := AccountCreatedAt(fields.AccountCreated, ev.UserID, loc)
		if err != nil {
			return model.Event{}, err
		}
		ev.AccountCreatedAt = created
	case model.EventMessage:
		if b, ok := parseBool(fields.ContainsLink); ok {
			ev.ContainsLink = b
		} else {
			ev.ContainsLink = ContainsLink(fields.Content)
		}
	}
	return ev, nil
}

func ParseKind(kind string) (model.EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "join", "member_join", "member_add", "guild_member_add", "joined":
		return model.EventJoin, nil
	case "message", "message_create", "msg", "chat":
		return model.EventMessage, nil
	case "permission_change", "perm_change", "permissions", "role_update", "channel_update", "overwrite_update":
		return model.EventPermissionChange, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// AccountCreatedAt prefers an explicit creation time and falls back to the
// time encoded in a Discord snowflake user id. Unknown stays zero.
func AccountCreatedAt(explicit, userID string, loc *time.Location) (time.Time, error) {
	if strings.TrimSpace(explicit) != "" {
		t, err := ParseTimestamp(explicit, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse account creation time: %w", err)
		}
		return t.UTC(), nil
	}
	if len(userID) >= 15 && isNumeric(userID) {
		if t, err := discordgo.SnowflakeTimestamp(userID); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, nil
}

var linkMarkers = []string{"http://", "https://", "discord.gg/"}

func ContainsLink(content string) bool {
	lower := strings.ToLower(content)
	for _, m := range linkMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y":
		return true, true
	case "0", "false", "no", "n":
		return false, true
	}
	return false, false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// parseUnix reads seconds, or milliseconds for 13 digits and more.
func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
