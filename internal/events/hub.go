// Package events is the in-process progress feed shared by the dispatcher,
// the runner, the collector's SSE stream and the watch dashboard.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the hub.
const (
	DispatchInjected       = "dispatch.injected"
	DispatchPromptAnswered = "dispatch.prompt_answered"
	DispatchResult         = "dispatch.result"
	DispatchTimeout        = "dispatch.timeout"
	DispatchFailed         = "dispatch.failed"
	RunnerClaimed          = "runner.claimed"
	RunnerRecovered        = "runner.recovered"
	OutboxSwept            = "outbox.swept"
	CollectorReceived      = "collector.received"
)

const subscriberBuffer = 128

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

type subscriber struct {
	ch    chan Event
	types map[string]bool // nil means every type
}

func (s *subscriber) wants(t string) bool {
	return s.types == nil || s.types[t]
}

// Hub fans events out to subscribers and keeps the most recent ones so a
// reconnecting client can catch up. A nil *Hub discards everything.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	backlog []Event
	keep    int
	subs    map[int]*subscriber
	nextSub int
	dropped int64
	now     func() time.Time
}

// NewHub keeps up to backlog events for replay.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = 100
	}
	return &Hub{
		keep: backlog,
		subs: make(map[int]*subscriber),
		now:  time.Now,
	}
}

// Publish assigns the next ID and delivers to matching subscribers. data is
// marshalled to JSON; values that fail to marshal are published as {}.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: h.now().UTC(), Data: payload}

	h.backlog = append(h.backlog, ev)
	if over := len(h.backlog) - h.keep; over > 0 {
		h.backlog = append(h.backlog[:0], h.backlog[over:]...)
	}

	for _, s := range h.subs {
		if !s.wants(eventType) {
			continue
		}
		// Slow subscribers lose events rather than stall the dispatch loop.
		select {
		case s.ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Subscribe returns a channel of future events, restricted to types when any
// are given, and a cancel func that closes it.
func (h *Hub) Subscribe(types ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer), types: typeSet(types)}

	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(s.ch)
			h.mu.Unlock()
		})
	}
	return s.ch, cancel
}

// SnapshotSince returns kept events with ID > lastID, oldest first,
// restricted to types when any are given.
func (h *Hub) SnapshotSince(lastID int64, types ...string) []Event {
	if h == nil {
		return nil
	}
	want := typeSet(types)

	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.backlog))
	for _, ev := range h.backlog {
		if ev.ID <= lastID {
			continue
		}
		if want != nil && !want[ev.Type] {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func typeSet(types []string) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}
