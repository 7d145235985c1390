package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ChannelStore persists the channel chosen for each guild and category.
type ChannelStore interface {
	GetLogChannel(ctx context.Context, guildID, category string) (string, bool, error)
	SaveLogChannel(ctx context.Context, guildID, category, channelID string) error
}

// ChannelAPI is the subset of the Discord REST API the notifier needs.
type ChannelAPI interface {
	ChannelExists(channelID string) bool
	CreateTextChannel(guildID, name string) (string, error)
	Send(channelID, text string) error
}

type sessionAPI struct {
	s *discordgo.Session
}

// SessionAPI adapts a discordgo session.
func SessionAPI(s *discordgo.Session) ChannelAPI {
	return sessionAPI{s: s}
}

func (a sessionAPI) ChannelExists(channelID string) bool {
	if ch, err := a.s.State.Channel(channelID); err == nil && ch != nil {
		return true
	}
	ch, err := a.s.Channel(channelID)
	return err == nil && ch != nil
}

func (a sessionAPI) CreateTextChannel(guildID, name string) (string, error) {
	ch, err := a.s.GuildChannelCreate(guildID, name, discordgo.ChannelTypeGuildText)
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

func (a sessionAPI) Send(channelID, text string) error {
	_, err := a.s.ChannelMessageSend(channelID, text)
	return err
}

// DiscordNotifier posts to a per-category text channel in the guild,
// creating it on first use. When no channel can be resolved the line goes to
// the fallback notifier instead. Each guild has its own send budget.
type DiscordNotifier struct {
	api      ChannelAPI
	store    ChannelStore
	fallback Notifier
	limit    rate.Limit
	burst    int
	logger   *slog.Logger
	resolve  singleflight.Group

	mu       sync.Mutex
	channels map[string]string
	limiters map[string]*rate.Limiter
}

func NewDiscordNotifier(api ChannelAPI, store ChannelStore, fallback Notifier, perSec float64, burst int, logger *slog.Logger) *DiscordNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == nil {
		fallback = NewLogNotifier(logger)
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	return &DiscordNotifier{
		api:      api,
		store:    store,
		fallback: fallback,
		limit:    limit,
		burst:    burst,
		logger:   logger,
		channels: make(map[string]string),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (n *DiscordNotifier) Notify(ctx context.Context, guildID string, category Category, text string) error {
	if guildID == "" {
		return n.fallback.Notify(ctx, guildID, category, text)
	}
	channelID, err := n.channel(ctx, guildID, category)
	if err != nil {
		n.logger.Warn("log channel unavailable", "guild_id", guildID, "category", string(category), "err", err)
		return n.fallback.Notify(ctx, guildID, category, text)
	}
	if err := n.limiter(guildID).Wait(ctx); err != nil {
		return err
	}
	if err := n.api.Send(channelID, text); err != nil {
		n.forget(guildID, category)
		return fmt.Errorf("send to channel %s: %w", channelID, err)
	}
	return nil
}

func (n *DiscordNotifier) limiter(guildID string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[guildID]
	if !ok {
		l = rate.NewLimiter(n.limit, n.burst)
		n.limiters[guildID] = l
	}
	return l
}

// channel resolves the channel for guildID and category: cache, then the
// stored id, then a new channel. Concurrent callers for the same key share
// one resolution. A store read error fails the lookup rather than creating a
// channel that may already exist.
func (n *DiscordNotifier) channel(ctx context.Context, guildID string, category Category) (string, error) {
	key := guildID + "/" + string(category)
	n.mu.Lock()
	id, ok := n.channels[key]
	n.mu.Unlock()
	if ok {
		return id, nil
	}

	v, err, _ := n.resolve.Do(key, func() (any, error) {
		n.mu.Lock()
		id, ok := n.channels[key]
		n.mu.Unlock()
		if ok {
			return id, nil
		}
		if n.store != nil {
			stored, found, err := n.store.GetLogChannel(ctx, guildID, string(category))
			if err != nil {
				return "", fmt.Errorf("load log channel: %w", err)
			}
			if found && n.api.ChannelExists(stored) {
				n.remember(key, stored)
				return stored, nil
			}
		}

		created, err := n.api.CreateTextChannel(guildID, ChannelName(category))
		if err != nil {
			return "", fmt.Errorf("create channel: %w", err)
		}
		if n.store != nil {
			if err := n.store.SaveLogChannel(ctx, guildID, string(category), created); err != nil {
				n.logger.Warn("persist log channel failed", "guild_id", guildID, "category", string(category), "err", err)
			}
		}
		n.remember(key, created)
		return created, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (n *DiscordNotifier) remember(key, channelID string) {
	n.mu.Lock()
	n.channels[key] = channelID
	n.mu.Unlock()
}

func (n *DiscordNotifier) forget(guildID string, category Category) {
	n.mu.Lock()
	delete(n.channels, guildID+"/"+string(category))
	n.mu.Unlock()
}
