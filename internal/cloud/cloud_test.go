package cloud_test

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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrynode/sentryd/internal/bus"
	"github.com/sentrynode/sentryd/internal/cloud"
	"github.com/sentrynode/sentryd/internal/event"
	"github.com/sentrynode/sentryd/internal/queue"
)

var upgrader = websocket.Upgrader{}

func TestClientDrainsQueueThenStreamsLiveEvents(t *testing.T) {
	received := make(chan event.Envelope, 10)
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env event.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			received <- env
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	queued := event.Envelope{ClientID: "agent-1", Event: event.DoorOpen{}}
	require.NoError(t, q.Enqueue(context.Background(), queued))

	b := bus.New()
	clock := clockwork.NewRealClock()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := cloud.New(cloud.Config{URL: wsURL, Token: "test-token"}, q, b, b, clock, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case env := <-received:
		assert.Equal(t, "agent-1", env.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive queued envelope")
	}
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, 0, q.Len())

	// The client subscribes to the live feed only after draining the
	// queue; retry the broadcast until the subscription is in place.
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Broadcast(event.Envelope{ClientID: "agent-1", Event: event.DoorClose{}})
		case env := <-received:
			assert.IsType(t, event.DoorClose{}, env.Event)
			return
		case <-deadline:
			t.Fatal("did not receive live envelope")
		}
	}
}

// TestRecordDoesNotDuplicateLiveEnvelopes exercises the cmd/sentryd-level
// wiring where both the queue and the cloud client are registered as
// alarm sinks on the same engine: an envelope delivered over the open
// connection must not also sit forever in the offline queue waiting to
// be redelivered on the next reconnect.
func TestRecordDoesNotDuplicateLiveEnvelopes(t *testing.T) {
	received := make(chan event.Envelope, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env event.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			received <- env
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	b := bus.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := cloud.New(cloud.Config{URL: wsURL, Token: "test-token"}, q, b, b, clockwork.NewRealClock(), log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	env := event.Envelope{ID: uuid.New(), Timestamp: time.Now(), ClientID: "agent-1", Event: event.DoorOpen{}}

	// Mirror the two sinks the engine calls for every envelope in
	// cmd/sentryd: the queue's own Record always persists durably, and
	// the cloud client's Record is called right alongside it. Both are
	// idempotent on the same key, so repeating this on every tick (to
	// retry until the client's async subscription is live) never leaves
	// more than one entry behind.
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
sendLoop:
	for {
		select {
		case <-ticker.C:
			q.Record(env)
			client.Record(env)
			b.Broadcast(env)
		case got := <-received:
			assert.Equal(t, "agent-1", got.ClientID)
			break sendLoop
		case <-deadline:
			t.Fatal("did not receive live envelope")
		}
	}

	// The queue sink durably recorded this envelope every tick; once the
	// cloud client delivered it live it must remove its own entry so a
	// later reconnect doesn't redeliver it as a duplicate.
	require.Eventually(t, func() bool {
		return q.Len() == 0
	}, time.Second, 10*time.Millisecond, "live delivery should have removed the queued duplicate")
}

func TestClientSendsHeartbeatPings(t *testing.T) {
	pinged := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.SetPingHandler(func(string) error {
			select {
			case pinged <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	b := bus.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := cloud.New(cloud.Config{
		URL:               wsURL,
		Token:             "test-token",
		HeartbeatInterval: 10 * time.Millisecond,
	}, nil, b, b, clockwork.NewRealClock(), log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive a heartbeat ping")
	}
}

func TestClientEmitsEventForInboundCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		cmd := `{"type":"cmd","name":"disarm","id":"cmd-1","args":{"auto_rearm_s":60}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	b := bus.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := cloud.New(cloud.Config{URL: wsURL, Token: "test-token"}, q, b, b, clockwork.NewRealClock(), log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	ev, err := waitForNext(b)
	require.NoError(t, err)
	disarm, ok := ev.(event.UserDisarm)
	require.True(t, ok)
	assert.Equal(t, event.OriginCloud, disarm.Origin)
	require.NotNil(t, disarm.AutoRearm)
	assert.Equal(t, 60*time.Second, *disarm.AutoRearm)
}

// waitForNext blocks on the bus's single-consumer Next() call, bounding
// the wait so a missing event fails the test instead of hanging it.
func waitForNext(b *bus.Bus) (event.Event, error) {
	got := make(chan event.Event, 1)
	go func() {
		if ev, ok := b.Next(); ok {
			got <- ev
		}
	}()
	select {
	case ev := <-got:
		return ev, nil
	case <-time.After(2 * time.Second):
		return nil, context.DeadlineExceeded
	}
}
