package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHubDeliversPublishedEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	conn := dialTestHub(t, hub)

	// Connection registration happens in the handler goroutine.
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish(Event{
		Type:    TypeCardReadyForReview,
		Payload: CardReadyForReview{CardID: "card-1", OCRResults: map[string]any{"raw_text": "JANE"}},
	})

	ev := readEvent(t, conn)
	assert.Equal(t, TypeCardReadyForReview, ev.Type)

	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "card-1", payload["cardId"])
}

func TestHubFansOutToAllSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	first := dialTestHub(t, hub)
	second := dialTestHub(t, hub)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 2
	}, time.Second, 10*time.Millisecond)

	hub.Publish(Event{Type: TypeOrphanListUpdated, Payload: OrphanListUpdated{Type: "added", CardID: "c1"}})

	for _, conn := range []*websocket.Conn{first, second} {
		ev := readEvent(t, conn)
		assert.Equal(t, TypeOrphanListUpdated, ev.Type)
	}
}

func TestHubPublishWithNoSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	// Fire-and-forget: publishing into the void must not block or panic.
	hub.Publish(Event{Type: TypeCardFinalized, Payload: CardFinalized{CardID: "c1", Status: "linked"}})
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	conn := dialTestHub(t, hub)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server closed the connection")

	hub.mu.Lock()
	assert.Empty(t, hub.clients)
	hub.mu.Unlock()
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = NopNotifier{}
	n.Publish(Event{Type: TypeCardFinalized})
}
