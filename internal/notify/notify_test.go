package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeAPI struct {
	mu        sync.Mutex
	existing  map[string]bool
	createErr error
	sendErr   error
	created   []string
	sent      map[string][]string
	nextID    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{existing: map[string]bool{}, sent: map[string][]string{}}
}

func (f *fakeAPI) ChannelExists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[id]
}

func (f *fakeAPI) CreateTextChannel(guildID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := guildID + "-" + name
	f.created = append(f.created, name)
	f.existing[id] = true
	return id, nil
}

func (f *fakeAPI) Send(channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[channelID] = append(f.sent[channelID], text)
	return nil
}

type memChannels struct {
	m       map[string]string
	loadErr error
}

func (s *memChannels) GetLogChannel(_ context.Context, guildID, category string) (string, bool, error) {
	if s.loadErr != nil {
		return "", false, s.loadErr
	}
	id, ok := s.m[guildID+"/"+category]
	return id, ok, nil
}

func (s *memChannels) SaveLogChannel(_ context.Context, guildID, category, channelID string) error {
	s.m[guildID+"/"+category] = channelID
	return nil
}

type recordingNotifier struct {
	lines []string
}

func (r *recordingNotifier) Notify(_ context.Context, _ string, _ Category, text string) error {
	r.lines = append(r.lines, text)
	return nil
}

func TestChannelNames(t *testing.T) {
	if ChannelName(SecurityIncident) != "security-incidents" || ChannelName(System) != "bot-system-logs" {
		t.Fatalf("unexpected channel names")
	}
	if ChannelName(Category("OTHER")) != fallbackChannelName {
		t.Fatalf("unknown category should use fallback name")
	}
}

func TestDiscordNotifierCreatesChannelOnce(t *testing.T) {
	api := newFakeAPI()
	store := &memChannels{m: map[string]string{}}
	n := NewDiscordNotifier(api, store, nil, 0, 1, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := n.Notify(ctx, "g1", SecurityIncident, "line"); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	if len(api.created) != 1 || api.created[0] != "security-incidents" {
		t.Fatalf("created channels: %v", api.created)
	}
	if got := store.m["g1/SECURITY_INCIDENT"]; got != "g1-security-incidents" {
		t.Fatalf("channel not persisted: %q", got)
	}
	if len(api.sent["g1-security-incidents"]) != 3 {
		t.Fatalf("sent: %v", api.sent)
	}
}

func TestDiscordNotifierReusesStoredChannel(t *testing.T) {
	api := newFakeAPI()
	api.existing["chan-42"] = true
	store := &memChannels{m: map[string]string{"g1/SECURITY_INCIDENT": "chan-42"}}
	n := NewDiscordNotifier(api, store, nil, 0, 1, nil)
	if err := n.Notify(context.Background(), "g1", SecurityIncident, "hello"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(api.created) != 0 || len(api.sent["chan-42"]) != 1 {
		t.Fatalf("stored channel not reused: created=%v sent=%v", api.created, api.sent)
	}
}

func TestDiscordNotifierFallsBack(t *testing.T) {
	api := newFakeAPI()
	api.createErr = errors.New("missing permissions")
	fallback := &recordingNotifier{}
	n := NewDiscordNotifier(api, nil, fallback, 0, 1, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err := n.Notify(context.Background(), "g1", SecurityIncident, "line"); err != nil {
		t.Fatalf("fallback should absorb the error: %v", err)
	}
	if len(fallback.lines) != 1 {
		t.Fatalf("fallback not used")
	}
}

func TestDiscordNotifierSendError(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errors.New("boom")
	n := NewDiscordNotifier(api, nil, nil, 0, 1, nil)
	if err := n.Notify(context.Background(), "g1", System, "line"); err == nil {
		t.Fatalf("expected send error")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err := n.Notify(context.Background(), "", SecurityIncident, "[RAID_PREDICTION] x"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "SECURITY_INCIDENT") || !strings.Contains(out, "no-guild") {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestDiscordNotifierStoreErrorFallsBack(t *testing.T) {
	api := newFakeAPI()
	store := &memChannels{m: map[string]string{}, loadErr: errors.New("database is locked")}
	fallback := &recordingNotifier{}
	n := NewDiscordNotifier(api, store, fallback, 0, 1, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	for i := 0; i < 3; i++ {
		if err := n.Notify(context.Background(), "g1", SecurityIncident, "line"); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	if len(api.created) != 0 {
		t.Fatalf("channels created despite store error: %v", api.created)
	}
	if len(fallback.lines) != 3 {
		t.Fatalf("fallback lines: %d", len(fallback.lines))
	}
}

func TestDiscordNotifierConcurrentFirstUseCreatesOneChannel(t *testing.T) {
	api := newFakeAPI()
	store := &memChannels{m: map[string]string{}}
	var storeMu sync.Mutex
	n := NewDiscordNotifier(api, &lockedChannels{mu: &storeMu, inner: store}, nil, 0, 1, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.Notify(context.Background(), "g1", SecurityIncident, "line")
		}()
	}
	wg.Wait()
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.created) != 1 {
		t.Fatalf("created %d channels, want 1", len(api.created))
	}
	if len(api.sent["g1-security-incidents"]) != 8 {
		t.Fatalf("sent %d lines, want 8", len(api.sent["g1-security-incidents"]))
	}
}

type lockedChannels struct {
	mu    *sync.Mutex
	inner *memChannels
}

func (l *lockedChannels) GetLogChannel(ctx context.Context, guildID, category string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.GetLogChannel(ctx, guildID, category)
}

func (l *lockedChannels) SaveLogChannel(ctx context.Context, guildID, category, channelID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.SaveLogChannel(ctx, guildID, category, channelID)
}

func TestDiscordNotifierBudgetIsPerGuild(t *testing.T) {
	api := newFakeAPI()
	n := NewDiscordNotifier(api, nil, nil, 1, 1, nil)
	ctx := context.Background()
	if err := n.Notify(ctx, "A", SecurityIncident, "first"); err != nil {
		t.Fatalf("notify A: %v", err)
	}
	start := time.Now()
	if err := n.Notify(ctx, "B", SecurityIncident, "first"); err != nil {
		t.Fatalf("notify B: %v", err)
	}
	if took := time.Since(start); took > 300*time.Millisecond {
		t.Fatalf("guild B waited %v on guild A's budget", took)
	}
}

// gatedNotifier blocks deliveries for one guild until released.
type gatedNotifier struct {
	blocked string
	release chan struct{}

	mu    sync.Mutex
	lines map[string][]string
}

func (g *gatedNotifier) Notify(_ context.Context, guildID string, _ Category, text string) error {
	if guildID == g.blocked {
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lines[guildID] = append(g.lines[guildID], text)
	return nil
}

func (g *gatedNotifier) count(guildID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lines[guildID])
}

func TestAsyncIsolatesGuilds(t *testing.T) {
	next := &gatedNotifier{blocked: "A", release: make(chan struct{}), lines: map[string][]string{}}
	a := NewAsync(next, 2, time.Minute, nil)
	ctx := context.Background()

	start := time.Now()
	var full int
	for i := 0; i < 5; i++ {
		if err := a.Notify(ctx, "A", SecurityIncident, "raid"); errors.Is(err, ErrQueueFull) {
			full++
		}
	}
	if err := a.Notify(ctx, "B", SecurityIncident, "raid"); err != nil {
		t.Fatalf("notify B: %v", err)
	}
	if took := time.Since(start); took > 200*time.Millisecond {
		t.Fatalf("queuing took %v", took)
	}
	if full == 0 {
		t.Fatalf("expected guild A's queue to overflow")
	}

	deadline := time.Now().Add(2 * time.Second)
	for next.count("B") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if next.count("B") != 1 {
		t.Fatalf("guild B not delivered while guild A is blocked")
	}

	close(next.release)
	for next.count("A") < 5-full && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if next.count("A") != 5-full {
		t.Fatalf("guild A delivered %d, want %d", next.count("A"), 5-full)
	}
}

func TestAsyncRetiresIdleSenders(t *testing.T) {
	next := &gatedNotifier{lines: map[string][]string{}}
	a := NewAsync(next, 4, 20*time.Millisecond, nil)
	if err := a.Notify(context.Background(), "g1", System, "hello"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		n := len(a.senders)
		a.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.senders) != 0 || next.count("g1") != 1 {
		t.Fatalf("senders=%d delivered=%d", len(a.senders), next.count("g1"))
	}
}
