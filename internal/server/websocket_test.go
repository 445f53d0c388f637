package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aegis-sec/aegis/internal/audit"
)

func TestHubBroadcastsEvents(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitForClients(t, hub, 1)

	want := audit.Event{
		Kind:        audit.KindThreat,
		Severity:    "critical",
		Timestamp:   epoch,
		Source:      "10.0.0.1",
		Description: "test event",
	}
	if err := hub.Emit(context.Background(), want); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var got audit.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != want.Kind || got.Source != want.Source {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	if err := hub.Close(); err != nil {
		t.Fatal(err)
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("clients after close = %d, want 0", hub.ClientCount())
	}
}

// Emit is called synchronously from request goroutines via the audit
// fanout, so concurrent calls must not race on the client connection.
func TestHubConcurrentEmit(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitForClients(t, hub, 1)

	// Drain everything the hub sends so the client never falls behind.
	received := make(chan struct{})
	go func() {
		defer close(received)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for i := 0; i < 64; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := audit.Event{
				Kind:        audit.KindBlock,
				Severity:    "high",
				Timestamp:   epoch,
				Source:      "10.0.0.2",
				Description: "concurrent event",
			}
			if err := hub.Emit(context.Background(), ev); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not receive all events")
	}

	if err := hub.Close(); err != nil {
		t.Fatal(err)
	}
}

// A client that stops reading fills its queue and gets dropped instead
// of stalling the event path.
func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitForClients(t, hub, 1)

	// Large payloads so the connection's write path fills instead of
	// being absorbed by socket buffers.
	ev := audit.Event{
		Kind:        audit.KindThreat,
		Timestamp:   epoch,
		Source:      "10.0.0.3",
		Description: strings.Repeat("x", 1<<16),
	}
	// Never read: once the queue is full the hub must drop the client
	// rather than block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendBuffer*4; i++ {
			if err := hub.Emit(context.Background(), ev); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emit blocked on a slow client")
	}
	waitForClients(t, hub, 0)
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
