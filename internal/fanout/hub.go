package fanout

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type Subscription struct {
	CounterID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	CounterID string `json:"counter_id"`
}

// Hub is the in-process sink behind the realtime endpoint.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), log: log}
}

func (h *Hub) Name() string { return "hub" }

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Deliver(ctx context.Context, event Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	h.Broadcast(payload, event.Scope)
	return nil
}

// Broadcast never blocks: a client whose buffer is full misses the message.
func (h *Hub) Broadcast(payload []byte, scope Scope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, scope) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.log.Warn("drop message for client", zap.String("client_id", client.ID))
		}
	}
}

// match delivers global events to everyone and counter events only to
// subscribers of that counter.
func match(sub Subscription, scope Scope) bool {
	if scope.CounterID == "" {
		return true
	}
	return sub.CounterID == scope.CounterID
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
