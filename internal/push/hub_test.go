package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"omnidesk/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	mu     sync.Mutex
	users  []string
	agents []string
}

func (f *fakePresence) Touch(userID, companyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, companyID+"/"+userID)
}

func (f *fakePresence) TouchAgent(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = append(f.agents, agentID)
}

func (f *fakePresence) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), len(f.agents)
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	hub := NewHub(logger, nil, nil)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var evt map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	return evt
}

func TestValidTopic(t *testing.T) {
	assert.True(t, ValidTopic("conversation:c1"))
	assert.True(t, ValidTopic("company:acme"))
	assert.True(t, ValidTopic(models.AgentTopic("a1")))
	assert.False(t, ValidTopic("user:"))
	assert.False(t, ValidTopic("tenant:acme"))
	assert.False(t, ValidTopic(""))
}

func TestHub_PublishToInitialTopics(t *testing.T) {
	hub, server := newTestHub(t)
	conn := dial(t, server, "topics=company:acme,conversation:c1")

	require.Eventually(t, func() bool { return hub.Subscribers("company:acme") == 1 }, 2*time.Second, 10*time.Millisecond)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	// both topics match; the client must receive the event once
	hub.Publish(models.NewEvent(models.EventMessageReceived, map[string]string{"id": "m1"}, now), "company:acme", "conversation:c1")
	hub.Publish(models.NewEvent(models.EventPresenceChanged, nil, now), "company:other")
	hub.Publish(models.NewEvent(models.EventEscalationCreated, nil, now), "conversation:c1")

	first := readEvent(t, conn)
	assert.Equal(t, models.EventMessageReceived, first["type"])
	assert.Equal(t, "m1", first["payload"].(map[string]any)["id"])
	assert.Equal(t, "2026-01-02T03:04:05Z", first["timestamp"])

	second := readEvent(t, conn)
	assert.Equal(t, models.EventEscalationCreated, second["type"])
}

func TestHub_SubscribeAndUnsubscribe(t *testing.T) {
	hub, server := newTestHub(t)
	conn := dial(t, server, "")
	ctx := context.Background()

	require.NoError(t, wsjson.Write(ctx, conn, clientAction{Action: "subscribe", Topic: "agent:a1"}))
	require.NoError(t, wsjson.Write(ctx, conn, clientAction{Action: "subscribe", Topic: "bogus"}))
	require.Eventually(t, func() bool { return hub.Subscribers("agent:a1") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.Subscribers("bogus"))

	hub.Publish(models.NewEvent(models.EventNotificationNew, nil, time.Now()), "agent:a1")
	assert.Equal(t, models.EventNotificationNew, readEvent(t, conn)["type"])

	require.NoError(t, wsjson.Write(ctx, conn, clientAction{Action: "unsubscribe", Topic: "agent:a1"}))
	require.Eventually(t, func() bool { return hub.Subscribers("agent:a1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PingTouchesPresence(t *testing.T) {
	hub, server := newTestHub(t)
	presence := &fakePresence{}
	hub.SetPresence(presence)

	conn := dial(t, server, "user=u1&company=acme&agent=a1")
	require.Eventually(t, func() bool { u, a := presence.counts(); return u == 1 && a == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, wsjson.Write(context.Background(), conn, clientAction{Action: "ping"}))
	require.Eventually(t, func() bool { u, a := presence.counts(); return u == 2 && a == 2 }, 2*time.Second, 10*time.Millisecond)

	presence.mu.Lock()
	assert.Equal(t, "acme/u1", presence.users[0])
	presence.mu.Unlock()
}

func TestHub_RejectsInvalidTopics(t *testing.T) {
	_, server := newTestHub(t)
	resp, err := http.Get(server.URL + "/ws?topics=nope:1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	hub, server := newTestHub(t)
	conn := dial(t, server, "topics=user:u1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.Subscribers("user:u1"))
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub, server := newTestHub(t)
	conn := dial(t, server, "topics=company:acme")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestRecorderAndMulti(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, nil, b}
	m.Publish(models.NewEvent(models.EventEscalationCreated, nil, time.Now()), "company:acme")

	require.Len(t, a.Events(), 1)
	assert.Equal(t, []string{"company:acme"}, b.Events()[0].Topics)
	assert.Len(t, a.OfType(models.EventEscalationCreated), 1)
	assert.Empty(t, a.OfType(models.EventMessageSent))

	a.Reset()
	assert.Empty(t, a.Events())
}
