// Package websocket pushes analysis changes to connected staff dashboards.
// Clients subscribe to topics; every analysis event is delivered to the
// subscribers of that analysis and to the subscribers of TopicAnalyses.
package websocket

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types.
const (
	EventVisitCreated         = "visit.created"
	EventVisitUpdated         = "visit.updated"
	EventVisitDeleted         = "visit.deleted"
	EventMessageStatusChanged = "message_status.changed"
)

// TopicAnalyses receives the events of every analysis.
const TopicAnalyses = "analyses"

// AnalysisTopic is the topic of a single analysis.
func AnalysisTopic(id int64) string {
	return "analysis/" + strconv.FormatInt(id, 10)
}

type Event struct {
	Type          string    `json:"type"`
	Topic         string    `json:"topic"`
	AnalysisID    int64     `json:"analysis_id"`
	MessageStatus string    `json:"message_status,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewAnalysisEvent fills Topic and Timestamp for an analysis event.
func NewAnalysisEvent(typ string, analysisID int64, status string) Event {
	return Event{
		Type:          typ,
		Topic:         AnalysisTopic(analysisID),
		AnalysisID:    analysisID,
		MessageStatus: status,
		Timestamp:     time.Now().UTC(),
	}
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one dashboard connection.
type Client struct {
	ID     string
	UserID int64
	Topics []string
	Send   chan []byte
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client with its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister drops the client and closes its Send channel. Safe to call twice.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if topic == "" || hasTopic(client.Topics, topic) {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if hasTopic(topics, t) {
			h.removeLocked(t, client)
			continue
		}
		remaining = append(remaining, t)
	}
	client.Topics = remaining
}

// ProcessMessage applies a subscribe or unsubscribe request. Unknown actions
// are ignored.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish delivers the event to the subscribers of its topic and of
// TopicAnalyses. A client whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[*Client]struct{})
	for c := range h.clients[event.Topic] {
		targets[c] = struct{}{}
	}
	for c := range h.clients[TopicAnalyses] {
		targets[c] = struct{}{}
	}
	for c := range targets {
		select {
		case c.Send <- data:
		default:
			h.logger.Warn().Str("client", c.ID).Str("type", event.Type).Msg("client buffer full, event dropped")
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	subs, ok := h.clients[topic]
	if !ok {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.clients, topic)
	}
}

func hasTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}
