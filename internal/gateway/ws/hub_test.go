package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/jaribu/internal/environment"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + query
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"jaribu-events-v1"},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishReachesClient(t *testing.T) {
	hub := NewHub("", discardLogger())
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	hub.Publish(environment.Event{
		Type:          "environment.ready",
		EnvironmentID: "env-1",
		Runtime:       "python",
		Time:          time.Now().UTC(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev environment.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if ev.Type != "environment.ready" || ev.EnvironmentID != "env-1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestPublishFansOut(t *testing.T) {
	hub := NewHub("", discardLogger())
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	defer hub.Close()

	first := dial(t, srv, "")
	second := dial(t, srv, "")
	waitForClients(t, hub, 2)

	hub.Publish(environment.Event{Type: "test_run.started", EnvironmentID: "env-2"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, conn := range []*websocket.Conn{first, second} {
		if _, _, err := conn.Read(ctx); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestTokenAuth(t *testing.T) {
	hub := NewHub("secret", discardLogger())
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	defer hub.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", resp.StatusCode)
	}

	dial(t, srv, "?token=secret")
	waitForClients(t, hub, 1)
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub := NewHub("", discardLogger())
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("read after Close should fail")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("client count after Close = %d", hub.ClientCount())
	}
}

func TestDisconnectDeregisters(t *testing.T) {
	hub := NewHub("", discardLogger())
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	conn.Close(websocket.StatusNormalClosure, "leaving")
	waitForClients(t, hub, 0)
}
