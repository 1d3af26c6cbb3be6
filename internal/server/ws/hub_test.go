package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/optionmarket/internal/cache/memory"
	"github.com/alanyoungcy/optionmarket/internal/domain"
)

func startHub(t *testing.T) (*cachemem.SignalBus, string) {
	t.Helper()
	bus := cachemem.NewSignalBus()
	hub := NewHub(bus, slog.New(slog.DiscardHandler), Config{Mode: "full"})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var e envelope
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestHub_StatusOnConnect(t *testing.T) {
	_, url := startHub(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	e := readFrame(t, conn)
	assert.Equal(t, "status", e.Type)
	var status map[string]any
	require.NoError(t, json.Unmarshal(e.Payload, &status))
	assert.Equal(t, "full", status["mode"])
}

func TestHub_Replay(t *testing.T) {
	bus, url := startHub(t)
	ctx := context.Background()
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamEvents, []byte(`{"event":"commitment_accepted"}`)))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamEvents, []byte(`{"event":"option_opened"}`)))

	conn, _, err := websocket.DefaultDialer.Dial(url+"?since=1-0", nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "status", readFrame(t, conn).Type)
	e := readFrame(t, conn)
	assert.Equal(t, "replay", e.Type)
	assert.Equal(t, "2-0", e.ID)
	assert.JSONEq(t, `{"event":"option_opened"}`, string(e.Payload))
}

func TestHub_LiveEvent(t *testing.T) {
	bus, url := startHub(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "status", readFrame(t, conn).Type)

	// The relay subscribes asynchronously, so keep publishing until the
	// first event arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bus.Publish(context.Background(), domain.ChannelOptions, []byte(`{"event":"option_expired"}`))
			}
		}
	}()

	e := readFrame(t, conn)
	assert.Equal(t, "event", e.Type)
	assert.Equal(t, domain.ChannelOptions, e.Channel)
	assert.JSONEq(t, `{"event":"option_expired"}`, string(e.Payload))
}

func TestClient_Subscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{domain.ChannelCommitments: true}}
	assert.True(t, c.isSubscribed(domain.ChannelCommitments))
	assert.False(t, c.isSubscribed(domain.ChannelOptions))

	c.apply(subscribeMsg{Action: "subscribe", Channels: []string{"opt*"}})
	assert.True(t, c.isSubscribed(domain.ChannelOptions))

	c.apply(subscribeMsg{Action: "unsubscribe", Channels: []string{"opt*", domain.ChannelCommitments}})
	assert.False(t, c.isSubscribed(domain.ChannelOptions))
	assert.False(t, c.isSubscribed(domain.ChannelCommitments))
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(cachemem.NewSignalBus(), slog.New(slog.DiscardHandler), Config{AllowedOrigins: []string{"https://app.example"}})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, h.checkOrigin(r))
	r.Header.Set("Origin", "https://app.example")
	assert.True(t, h.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(r))
}
