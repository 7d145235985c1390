package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"raidguard/internal/metrics"
)

var ErrQueueFull = errors.New("notification queue full")

type message struct {
	ctx      context.Context
	guildID  string
	category Category
	text     string
}

// Async hands notifications to one sender goroutine per guild, so a slow or
// rate limited guild never holds up the caller or any other guild. Notify
// only queues; delivery errors are logged and counted by the sender.
type Async struct {
	next      Notifier
	queueSize int
	idle      time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	senders map[string]chan message
}

func NewAsync(next Notifier, queueSize int, idle time.Duration, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = NewLogNotifier(logger)
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if idle <= 0 {
		idle = time.Minute
	}
	return &Async{
		next:      next,
		queueSize: queueSize,
		idle:      idle,
		logger:    logger,
		senders:   make(map[string]chan message),
	}
}

// Notify queues text for delivery. It returns ErrQueueFull when the guild
// already has queueSize notifications waiting.
func (a *Async) Notify(ctx context.Context, guildID string, category Category, text string) error {
	msg := message{ctx: context.WithoutCancel(ctx), guildID: guildID, category: category, text: text}
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.senders[guildID]
	if !ok {
		ch = make(chan message, a.queueSize)
		a.senders[guildID] = ch
		go a.send(guildID, ch)
	}
	select {
	case ch <- msg:
		return nil
	default:
		metrics.NotificationsDropped.Inc()
		return ErrQueueFull
	}
}

// Pending is the number of queued notifications across all guilds.
func (a *Async) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ch := range a.senders {
		n += len(ch)
	}
	return n
}

func (a *Async) send(guildID string, ch chan message) {
	timer := time.NewTimer(a.idle)
	defer timer.Stop()
	for {
		select {
		case msg := <-ch:
			if err := a.next.Notify(msg.ctx, msg.guildID, msg.category, msg.text); err != nil {
				metrics.NotificationFailures.Inc()
				a.logger.Error("notification failed", "guild_id", guildID, "category", string(msg.category), "err", err)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.idle)
		case <-timer.C:
			if a.retire(guildID, ch) {
				return
			}
			timer.Reset(a.idle)
		}
	}
}

// retire removes an empty sender. Notify sends under the same lock, so
// nothing can be queued on ch after it is removed.
func (a *Async) retire(guildID string, ch chan message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(ch) > 0 {
		return false
	}
	if a.senders[guildID] == ch {
		delete(a.senders, guildID)
	}
	return true
}
