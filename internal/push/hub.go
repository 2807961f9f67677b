// Package push fans events out to websocket clients by topic.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"omnidesk/internal/metrics"
	"omnidesk/internal/models"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// Publisher delivers an event to every subscriber of any of the topics.
// Implementations must not block on slow consumers.
type Publisher interface {
	Publish(evt models.Event, topics ...string)
}

// PresenceToucher is notified of client activity.
type PresenceToucher interface {
	Touch(userID, companyID string)
	TouchAgent(agentID string)
}

const (
	sendBuffer     = 64
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxClientTopic = 100
	readLimit      = 4096
)

var topicPrefixes = []string{"conversation:", "user:", "agent:", "company:"}

// ValidTopic reports whether t names a known topic family with an id.
func ValidTopic(t string) bool {
	for _, p := range topicPrefixes {
		if strings.HasPrefix(t, p) && len(t) > len(p) && len(t) <= 256 {
			return true
		}
	}
	return false
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	agentID   string
	companyID string

	// guarded by Hub.mu
	topics map[string]struct{}
}

// Hub tracks websocket clients and their topic subscriptions.
type Hub struct {
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	presence PresenceToucher
	origins  []string

	mu      sync.RWMutex
	clients map[*client]struct{}
	topics  map[string]map[*client]struct{}
	closed  bool
}

// NewHub creates a hub. origins are websocket.AcceptOptions origin patterns;
// empty allows same-origin requests only.
func NewHub(logger *logrus.Logger, m *metrics.Metrics, origins []string) *Hub {
	return &Hub{
		logger:  logger,
		metrics: m,
		origins: origins,
		clients: make(map[*client]struct{}),
		topics:  make(map[string]map[*client]struct{}),
	}
}

// SetPresence wires ping handling to a presence tracker.
func (h *Hub) SetPresence(p PresenceToucher) {
	h.mu.Lock()
	h.presence = p
	h.mu.Unlock()
}

// Publish marshals evt once and queues it to each matching client once.
func (h *Hub) Publish(evt models.Event, topics ...string) {
	if len(topics) == 0 {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.WithError(err).WithField("event", evt.Type).Error("Failed to marshal push event")
		return
	}

	h.mu.RLock()
	targets := make(map[*client]struct{})
	for _, t := range topics {
		for c := range h.topics[t] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		select {
		case c.send <- data:
		default:
			h.metrics.PushDropped()
			h.logger.WithFields(logrus.Fields{"event": evt.Type, "user_id": c.userID, "agent_id": c.agentID}).
				Debug("Dropping push event for slow client")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns how many clients follow topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

type clientAction struct {
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
// Query parameters: topics (comma separated), user, agent, company.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var topics []string
	for _, t := range strings.Split(q.Get("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			if !ValidTopic(t) {
				http.Error(w, "invalid topic: "+t, http.StatusBadRequest)
				return
			}
			topics = append(topics, t)
		}
	}
	if len(topics) > maxClientTopic {
		http.Error(w, "too many topics", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.WithError(err).Warn("Websocket accept failed")
		return
	}
	conn.SetReadLimit(readLimit)

	c := &client{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		userID:    q.Get("user"),
		agentID:   q.Get("agent"),
		companyID: q.Get("company"),
		topics:    make(map[string]struct{}),
	}
	if !h.register(c, topics) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unregister(c)
	h.touch(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, cancel, c)

	h.readLoop(ctx, c)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				h.logger.WithError(err).Debug("Websocket read ended")
			}
			return
		}

		var action clientAction
		if err := json.Unmarshal(data, &action); err != nil {
			continue
		}
		switch action.Action {
		case "subscribe":
			if ValidTopic(action.Topic) {
				h.subscribe(c, action.Topic)
			}
		case "unsubscribe":
			h.unsubscribe(c, action.Topic)
		case "ping":
			h.touch(c)
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, cancel context.CancelFunc, c *client) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) touch(c *client) {
	h.mu.RLock()
	p := h.presence
	h.mu.RUnlock()
	if p == nil {
		return
	}
	if c.userID != "" {
		p.Touch(c.userID, c.companyID)
	}
	if c.agentID != "" {
		p.TouchAgent(c.agentID)
	}
}

func (h *Hub) register(c *client, topics []string) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	for _, t := range topics {
		h.subscribeLocked(c, t)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.PushClients(n)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for t := range c.topics {
		h.unsubscribeLocked(c, t)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.PushClients(n)
}

func (h *Hub) subscribe(c *client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok && len(c.topics) < maxClientTopic {
		h.subscribeLocked(c, topic)
	}
}

func (h *Hub) unsubscribe(c *client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, topic)
}

func (h *Hub) subscribeLocked(c *client, topic string) {
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribeLocked(c *client, topic string) {
	delete(c.topics, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
