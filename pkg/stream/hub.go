// Package stream fans gateway activity events out to live subscribers.
package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	TypeUploadStaged    = "upload.staged"
	TypeUploadReleased  = "upload.released"
	TypeBridgeForwarded = "bridge.forwarded"
	TypeBridgeError     = "bridge.error"
)

type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	At        string          `json:"at"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, requestID string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
		Data:      raw,
	}
}

// Subscription receives events whose type starts with one of its prefixes,
// or every event when it has none.
type Subscription struct {
	C        chan Event
	prefixes []string
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

func (h *Hub) Subscribe(buffer int, prefixes ...string) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &Subscription{C: make(chan Event, buffer)}
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			sub.prefixes = append(sub.prefixes, p)
		}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe closes sub.C; repeated calls are no-ops.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, exists := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if exists {
		close(sub.C)
	}
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.C <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }
