package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/ingest"
	"github.com/blockedby/chatlog/internal/logger"
)

func TestHub_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(logger.Get())
	go hub.Run(ctx)

	client1 := &Client{hub: hub, send: make(chan []byte, sendBuffer)}
	hub.register <- client1
	client2 := &Client{hub: hub, send: make(chan []byte, sendBuffer)}
	hub.register <- client2

	hub.Notify(ctx, ingest.Notification{Kind: events.KindMessage})

	for _, c := range []*Client{client1, client2} {
		select {
		case received := <-c.send:
			var n ingest.Notification
			require.NoError(t, json.Unmarshal(received, &n))
			assert.Equal(t, events.KindMessage, n.Kind)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("client did not receive notification")
		}
	}

	hub.unregister <- client1
	hub.Notify(ctx, ingest.Notification{Kind: events.KindEdit})

	select {
	case m, ok := <-client1.send:
		if ok {
			t.Fatalf("client 1 received message after unregister: %s", m)
		}
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case received := <-client2.send:
		assert.Contains(t, string(received), `"edit"`)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("client 2 did not receive second notification")
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(logger.Get())
	go hub.Run(ctx)

	slow := &Client{hub: hub, send: make(chan []byte)}
	hub.register <- slow
	hub.Notify(ctx, ingest.Notification{Kind: events.KindPresence})

	select {
	case _, ok := <-slow.send:
		assert.False(t, ok, "slow client should be closed, not fed")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("slow client was not dropped")
	}
}

func TestHub_ServeWS(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(logger.Get())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(NewHandler(&Dependencies{}, logger.Get()), hub, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	chat := int64(-5)
	got := make(chan []byte, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err == nil {
			got <- data
		}
		close(got)
	}()

	// the server may register the client after the handshake returns
	var data []byte
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for data == nil {
		hub.Notify(ctx, ingest.Notification{Kind: events.KindDeletion, Chat: &chat, Heuristic: true})
		select {
		case d, ok := <-got:
			require.True(t, ok, "websocket read failed")
			data = d
		case <-tick.C:
		}
	}

	var n ingest.Notification
	require.NoError(t, json.Unmarshal(data, &n))
	assert.Equal(t, events.KindDeletion, n.Kind)
	assert.True(t, n.Heuristic)
	require.NotNil(t, n.Chat)
	assert.Equal(t, chat, *n.Chat)
}
