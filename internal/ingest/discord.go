package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"raidguard/internal/model"
	"raidguard/internal/normalize"
	"raidguard/internal/notify"
)

const discordIntents = discordgo.IntentGuilds |
	discordgo.IntentGuildMembers |
	discordgo.IntentGuildMessages |
	discordgo.IntentMessageContent

// NewDiscordSession creates a bot session with the intents the gateway
// adapter needs. The session is not opened.
func NewDiscordSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordIntents
	return dg, nil
}

// Discord turns gateway events into engine events: member joins, messages,
// role updates and channel permission overwrite changes.
type Discord struct {
	session  *discordgo.Session
	out      chan<- model.Event
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewDiscord(session *discordgo.Session, out chan<- model.Event, notifier notify.Notifier, logger *slog.Logger) *Discord {
	return &Discord{session: session, out: out, notifier: notifier, logger: logger}
}

func (d *Discord) String() string { return "ingest-discord" }

func (d *Discord) Serve(ctx context.Context) error {
	remove := []func(){
		d.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) { d.onReady(ctx, r) }),
		d.session.AddHandler(func(s *discordgo.Session, g *discordgo.GuildCreate) { d.onGuildCreate(ctx, g) }),
		d.session.AddHandler(func(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
			if ev, ok := memberAddEvent(m, d.guildName(m.GuildID)); ok {
				SendNonBlocking(ctx, d.out, ev, d.logger)
			}
		}),
		d.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
			if ev, ok := messageEvent(m); ok {
				SendNonBlocking(ctx, d.out, ev, d.logger)
			}
		}),
		d.session.AddHandler(func(s *discordgo.Session, r *discordgo.GuildRoleUpdate) {
			if r.GuildRole != nil && r.GuildID != "" {
				SendNonBlocking(ctx, d.out, permissionEvent(r.GuildID, time.Now()), d.logger)
			}
		}),
		d.session.AddHandler(func(s *discordgo.Session, c *discordgo.ChannelUpdate) {
			if c.Channel != nil && c.GuildID != "" && overwritesChanged(c.BeforeUpdate, c.Channel) {
				SendNonBlocking(ctx, d.out, permissionEvent(c.GuildID, time.Now()), d.logger)
			}
		}),
	}
	defer func() {
		for _, r := range remove {
			r()
		}
	}()

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	if d.logger != nil {
		d.logger.Info("discord gateway ingest enabled")
	}
	<-ctx.Done()
	if err := d.session.Close(); err != nil && d.logger != nil {
		d.logger.Warn("discord close failed", "err", err)
	}
	return ctx.Err()
}

func (d *Discord) onReady(ctx context.Context, r *discordgo.Ready) {
	tag := "unknown"
	if r.User != nil {
		tag = fmt.Sprintf("%s (%s)", r.User.Username, r.User.ID)
	}
	if d.logger != nil {
		d.logger.Info("discord gateway ready", "user", tag, "guilds", len(r.Guilds))
	}
	if d.notifier == nil {
		return
	}
	for _, g := range r.Guilds {
		if err := d.notifier.Notify(ctx, g.ID, notify.System, "raidguard started as "+tag); err != nil && d.logger != nil {
			d.logger.Warn("system notification failed", "guild_id", g.ID, "err", err)
		}
	}
}

func (d *Discord) onGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	if d.logger != nil {
		d.logger.Info("guild available", "guild_id", g.ID, "guild_name", g.Name)
	}
	// GuildCreate also fires for every guild on connect; only announce joins.
	if d.notifier == nil || time.Since(g.JoinedAt) > time.Minute {
		return
	}
	if err := d.notifier.Notify(ctx, g.ID, notify.System, "raidguard added to guild"); err != nil && d.logger != nil {
		d.logger.Warn("system notification failed", "guild_id", g.ID, "err", err)
	}
}

func (d *Discord) guildName(guildID string) string {
	if d.session == nil || d.session.State == nil {
		return ""
	}
	if g, err := d.session.State.Guild(guildID); err == nil && g != nil {
		return g.Name
	}
	return ""
}

func memberAddEvent(m *discordgo.GuildMemberAdd, guildName string) (model.Event, bool) {
	if m == nil || m.Member == nil || m.User == nil || m.GuildID == "" {
		return model.Event{}, false
	}
	ts := m.JoinedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	created, _ := normalize.AccountCreatedAt("", m.User.ID, time.UTC)
	return model.Event{
		Kind:             model.EventJoin,
		Timestamp:        ts.UTC(),
		GuildID:          m.GuildID,
		GuildName:        guildName,
		UserID:           m.User.ID,
		Username:         m.User.Username,
		AccountCreatedAt: created,
		Source:           "discord",
	}, true
}

func messageEvent(m *discordgo.MessageCreate) (model.Event, bool) {
	if m == nil || m.Message == nil || m.GuildID == "" {
		return model.Event{}, false
	}
	if m.Author != nil && m.Author.Bot {
		return model.Event{}, false
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ev := model.Event{
		Kind:         model.EventMessage,
		Timestamp:    ts.UTC(),
		GuildID:      m.GuildID,
		ContainsLink: normalize.ContainsLink(m.Content),
		Source:       "discord",
	}
	if m.Author != nil {
		ev.UserID = m.Author.ID
		ev.Username = m.Author.Username
	}
	return ev, true
}

func permissionEvent(guildID string, at time.Time) model.Event {
	return model.Event{
		Kind:      model.EventPermissionChange,
		Timestamp: at.UTC(),
		GuildID:   guildID,
		Source:    "discord",
	}
}

// overwritesChanged reports whether the permission overwrites differ. An
// unknown previous state counts as a change.
func overwritesChanged(before, after *discordgo.Channel) bool {
	if before == nil || after == nil {
		return true
	}
	if len(before.PermissionOverwrites) != len(after.PermissionOverwrites) {
		return true
	}
	prev := make(map[string]discordgo.PermissionOverwrite, len(before.PermissionOverwrites))
	for _, o := range before.PermissionOverwrites {
		if o != nil {
			prev[o.ID] = *o
		}
	}
	for _, o := range after.PermissionOverwrites {
		if o == nil {
			continue
		}
		p, ok := prev[o.ID]
		if !ok || p.Allow != o.Allow || p.Deny != o.Deny || p.Type != o.Type {
			return true
		}
	}
	return false
}
