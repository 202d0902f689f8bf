package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func setupTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func connectWS(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ClientConnectsAndLeaves(t *testing.T) {
	hub := setupTestHub(t)

	if count := hub.ClientCount(); count != 0 {
		t.Fatalf("expected 0 clients initially, got %d", count)
	}

	conn := connectWS(t, hub)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := setupTestHub(t)
	conn := connectWS(t, hub)
	waitForClients(t, hub, 1)

	code := 503
	hub.Broadcast(DeliveryEvent{
		Type:           EventDeliveryFailed,
		SubscriptionID: "sub-456",
		EventID:        "evt-123",
		EventType:      "cat_created",
		Attempt:        2,
		HTTPStatus:     &code,
		ResponseMs:     42,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	var got DeliveryEvent
	if err := json.Unmarshal(message, &got); err != nil {
		t.Fatalf("message is not a DeliveryEvent: %v (%s)", err, message)
	}
	if got.Type != EventDeliveryFailed || got.EventID != "evt-123" || got.Attempt != 2 {
		t.Errorf("got %+v", got)
	}
	if got.HTTPStatus == nil || *got.HTTPStatus != 503 {
		t.Errorf("http_status = %v, want 503", got.HTTPStatus)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}
}

func TestHub_MultipleClients(t *testing.T) {
	hub := setupTestHub(t)
	conn1 := connectWS(t, hub)
	conn2 := connectWS(t, hub)
	waitForClients(t, hub, 2)

	hub.Broadcast(DeliveryEvent{Type: EventDeliverySuccess, EventID: "evt-multi"})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d failed to read: %v", i+1, err)
		}
		if !strings.Contains(string(message), "evt-multi") {
			t.Errorf("client %d didn't receive broadcast", i+1)
		}
	}
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := setupTestHub(t)
	for i := 0; i < 2*sendBuffer; i++ {
		hub.Broadcast(DeliveryEvent{Type: EventDeliverySkipped, EventID: "evt"})
	}
}
