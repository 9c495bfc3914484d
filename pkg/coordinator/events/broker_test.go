package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHub struct {
	broker   *Broker
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  []*Client
}

func (h *testHub) serve(w http.ResponseWriter, r *http.Request) {
	principalID := r.URL.Query().Get("principal")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := h.broker.Connect(principalID, conn)
	h.mu.Lock()
	h.clients = append(h.clients, client)
	h.mu.Unlock()
	go func() {
		defer client.Disconnect()
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if err := client.Pong(); err != nil {
				return
			}
		}
	}()
}

func setupHub(t *testing.T) (*testHub, string) {
	t.Helper()
	hub := &testHub{broker: NewBroker()}
	srv := httptest.NewServer(http.HandlerFunc(hub.serve))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL, principalID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?principal="+principalID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, b *Broker, principalID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount(principalID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count for %s never reached %d", principalID, want)
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var event map[string]any
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestPublishReachesOnlyTargetPrincipal(t *testing.T) {
	hub, wsURL := setupHub(t)

	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")
	waitForSubscribers(t, hub.broker, "alice", 1)
	waitForSubscribers(t, hub.broker, "bob", 1)

	hub.broker.Publish("alice", map[string]string{"type": "transfer_requested", "transfer_id": "t1"})

	event := readEvent(t, alice)
	assert.Equal(t, "transfer_requested", event["type"])
	assert.Equal(t, "t1", event["transfer_id"])

	// Bob sees nothing.
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	require.Error(t, err)
}

func TestPublishFansOutToAllSockets(t *testing.T) {
	hub, wsURL := setupHub(t)

	first := dial(t, wsURL, "alice")
	second := dial(t, wsURL, "alice")
	waitForSubscribers(t, hub.broker, "alice", 2)

	hub.broker.Publish("alice", map[string]string{"type": "ping"})

	assert.Equal(t, "ping", readEvent(t, first)["type"])
	assert.Equal(t, "ping", readEvent(t, second)["type"])
}

func TestStaleSocketsAreReaped(t *testing.T) {
	hub, wsURL := setupHub(t)

	live := dial(t, wsURL, "alice")
	dead := dial(t, wsURL, "alice")
	waitForSubscribers(t, hub.broker, "alice", 2)

	require.NoError(t, dead.Close())
	// Give the server side a moment to notice the closed peer.
	time.Sleep(50 * time.Millisecond)

	// The first publish may still succeed into the kernel buffer; keep
	// publishing until the broker notices the dead socket.
	deadline := time.Now().Add(2 * time.Second)
	for hub.broker.SubscriberCount("alice") > 1 && time.Now().Before(deadline) {
		hub.broker.Publish("alice", map[string]string{"type": "noise"})
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, hub.broker.SubscriberCount("alice"))

	hub.broker.Publish("alice", map[string]string{"type": "still_here"})
	for {
		event := readEvent(t, live)
		if event["type"] == "still_here" {
			break
		}
	}
}

func TestPingGetsPong(t *testing.T) {
	hub, wsURL := setupHub(t)

	conn := dial(t, wsURL, "alice")
	waitForSubscribers(t, hub.broker, "alice", 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	event := readEvent(t, conn)
	assert.Equal(t, "pong", event["type"])
}

func TestDisconnectRemovesSubscription(t *testing.T) {
	hub, wsURL := setupHub(t)

	conn := dial(t, wsURL, "alice")
	waitForSubscribers(t, hub.broker, "alice", 1)

	require.NoError(t, conn.Close())
	waitForSubscribers(t, hub.broker, "alice", 0)
}

func TestCloseAllDisconnectsEveryone(t *testing.T) {
	hub, wsURL := setupHub(t)

	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")
	waitForSubscribers(t, hub.broker, "alice", 1)
	waitForSubscribers(t, hub.broker, "bob", 1)

	hub.broker.CloseAll(websocket.CloseGoingAway)

	assert.Equal(t, 0, hub.broker.SubscriberCount("alice"))
	assert.Equal(t, 0, hub.broker.SubscriberCount("bob"))

	for _, conn := range []*websocket.Conn{alice, bob} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	}
}
