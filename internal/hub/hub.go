package hub

import (
	"sync"

	"github.com/weiawesome/wes-io-live/discussion-service/internal/metrics"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
)

// Hub tracks connected overlay clients by id and topic.
type Hub struct {
	clients    map[string]*Client
	topics     map[int64]map[string]*Client
	register   chan *Client
	unregister chan *Client
	shutdown   chan chan struct{}
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		topics:     make(map[int64]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			if _, ok := h.topics[client.TopicID]; !ok {
				h.topics[client.TopicID] = make(map[string]*Client)
			}
			h.topics[client.TopicID][client.ID] = client
			h.mu.Unlock()
			metrics.OverlaysMounted.Inc()
			l := log.L()
			l.Debug().Str(log.FieldClientID, client.ID).Int64(log.FieldTopicID, client.TopicID).Msg("client registered")

		case client := <-h.unregister:
			h.remove(client)

		case done := <-h.shutdown:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for _, c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()
			for _, c := range clients {
				h.remove(c)
			}
			close(h.done)
			close(done)
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ID]
	if ok {
		delete(h.clients, client.ID)
		if tc, exists := h.topics[client.TopicID]; exists {
			delete(tc, client.ID)
			if len(tc) == 0 {
				delete(h.topics, client.TopicID)
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	client.close()
	metrics.OverlaysMounted.Dec()
	l := log.L()
	l.Debug().Str(log.FieldClientID, client.ID).Msg("client unregistered")
}

// Register adds the client. After Shutdown the client is closed immediately.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister removes the client. It is a no-op after Shutdown.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicClientCount returns the number of overlays mounted on a topic.
func (h *Hub) TopicClientCount(topicID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topicID])
}

// Shutdown closes every client connection and stops Run.
func (h *Hub) Shutdown() {
	done := make(chan struct{})
	select {
	case h.shutdown <- done:
		<-done
	case <-h.done:
	}
}
