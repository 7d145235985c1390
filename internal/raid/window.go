package raid

import "time"

type JoinEvent struct {
	Timestamp      time.Time
	AccountAgeDays float64
	Username       string
}

// JoinWindow is the sliding join history of one community. It is owned by
// the community's worker and is not safe for concurrent use.
type JoinWindow struct {
	duration time.Duration
	events   []JoinEvent
}

func NewJoinWindow(duration time.Duration) *JoinWindow {
	return &JoinWindow{
		duration: duration,
		events:   make([]JoinEvent, 0, 32),
	}
}

// Record appends ev and prunes everything older than the window relative to
// ev.Timestamp. The returned slice aliases the window; the new event is last.
func (w *JoinWindow) Record(ev JoinEvent) []JoinEvent {
	w.events = append(w.events, ev)
	w.Evict(ev.Timestamp)
	return w.events
}

// Evict drops every event with now - ts > duration. Events are kept in
// arrival order, which is not necessarily timestamp order, so the whole
// slice is scanned.
func (w *JoinWindow) Evict(now time.Time) {
	kept := w.events[:0]
	for _, ev := range w.events {
		if now.Sub(ev.Timestamp) <= w.duration {
			kept = append(kept, ev)
		}
	}
	for i := len(kept); i < len(w.events); i++ {
		w.events[i] = JoinEvent{}
	}
	w.events = kept
	if cap(w.events) > 1024 && len(w.events) < cap(w.events)/4 {
		w.events = append(make([]JoinEvent, 0, len(w.events)*2), w.events...)
	}
}

func (w *JoinWindow) Events() []JoinEvent {
	out := make([]JoinEvent, len(w.events))
	copy(out, w.events)
	return out
}

func (w *JoinWindow) Len() int {
	return len(w.events)
}
