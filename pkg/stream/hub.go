package stream

import (
	"encoding/json"
	"sync"
	"time"

	"orbitgate/pkg/models"
)

// Event types published by the pipeline.
const (
	EventDecision      = "decision"
	EventKeyRegistered = "key_registered"
	EventKeyRevoked    = "key_revoked"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// DecisionEvent is the payload carried by EventDecision events. Code
// and signatures never leave the pipeline; only the verdict does.
type DecisionEvent struct {
	DecisionID string `json:"decision_id"`
	Principal  string `json:"principal"`
	Orbit      string `json:"orbit"`
	Path       string `json:"path"`
	Function   string `json:"function"`
	Allowed    bool   `json:"allowed"`
	ReasonCode string `json:"reason_code"`
}

func NewDecisionEvent(req models.ExecutionRequest, v models.SecurityVerification) Event {
	return NewEvent(EventDecision, DecisionEvent{
		DecisionID: v.DecisionID,
		Principal:  v.Principal,
		Orbit:      v.Orbit,
		Path:       req.Path,
		Function:   req.Function,
		Allowed:    v.Allowed,
		ReasonCode: v.ReasonCode,
	})
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish fans the event out to every subscriber. Slow subscribers
// drop events rather than stalling the pipeline.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
