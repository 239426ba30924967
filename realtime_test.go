package avida

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// pushServer accepts websocket connections on /ws and hands each one to
// serve. serve receives the 1-based connection number.
func pushServer(t *testing.T, serve func(ctx context.Context, n int32, c *websocket.Conn)) (*httptest.Server, *atomic.Int32, chan string) {
	t.Helper()
	var conns atomic.Int32
	tokens := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		select {
		case tokens <- r.URL.Query().Get("token"):
		default:
		}
		serve(r.Context(), conns.Add(1), c)
	}))
	t.Cleanup(srv.Close)
	return srv, &conns, tokens
}

// holdOpen keeps the connection until the client goes away.
func holdOpen(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func connectRealtime(t *testing.T, rt *RealtimeClient) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		_ = rt.Disconnect()
		cancel()
	})
	require.NoError(t, rt.Connect(ctx))
}

func TestRealtime_DispatchesEvents(t *testing.T) {
	srv, _, tokens := pushServer(t, func(ctx context.Context, _ int32, c *websocket.Conn) {
		_ = wsjson.Write(ctx, c, map[string]any{"type": "typing.start", "payload": map[string]any{}})
		_ = wsjson.Write(ctx, c, map[string]any{
			"type":    EventListingUpdated,
			"payload": map[string]any{"id": "L1", "title": "Bike", "price": 99.5},
		})
		_ = wsjson.Write(ctx, c, map[string]any{
			"type":    EventMessageNew,
			"payload": map[string]any{"id": "m1", "conversation_id": "c1", "sender_id": "u2", "content": "still available?"},
		})
		holdOpen(ctx, c)
	})

	rt := NewRealtimeClient(srv.URL, &RealtimeConfig{Token: "tok en"})
	listings := make(chan CachedListing, 1)
	messages := make(chan MessageNewPayload, 1)
	connected := make(chan struct{}, 1)
	rt.OnListingUpdated(func(l CachedListing) { listings <- l })
	rt.OnMessageNew(func(m MessageNewPayload) { messages <- m })
	rt.OnConnected(func() { connected <- struct{}{} })

	connectRealtime(t, rt)
	assert.Equal(t, StateConnected, rt.State())

	select {
	case tok := <-tokens:
		assert.Equal(t, "tok en", tok)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection seen")
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected not called")
	}
	select {
	case l := <-listings:
		assert.Equal(t, "L1", l.ID)
		assert.Equal(t, 99.5, l.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("listing.updated not dispatched")
	}
	select {
	case m := <-messages:
		assert.Equal(t, "c1", m.ConversationID)
		assert.Equal(t, "still available?", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("message.new not dispatched")
	}
}

func TestRealtime_ReconnectsAfterDrop(t *testing.T) {
	srv, conns, _ := pushServer(t, func(ctx context.Context, n int32, c *websocket.Conn) {
		if n == 1 {
			_ = c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		holdOpen(ctx, c)
	})

	var disconnects atomic.Int32
	rt := NewRealtimeClient(srv.URL, &RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	})
	rt.OnDisconnected(func(err error) {
		if err != nil {
			disconnects.Add(1)
		}
	})
	connectRealtime(t, rt)

	require.Eventually(t, func() bool {
		return conns.Load() >= 2 && rt.State() == StateConnected
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return disconnects.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestRealtime_DisconnectStopsReconnecting(t *testing.T) {
	srv, conns, _ := pushServer(t, func(ctx context.Context, _ int32, c *websocket.Conn) {
		holdOpen(ctx, c)
	})

	rt := NewRealtimeClient(srv.URL, &RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Connect(ctx))

	require.NoError(t, rt.Disconnect())
	assert.Equal(t, StateDisconnected, rt.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), conns.Load())
	assert.Equal(t, StateDisconnected, rt.State())
}

func TestRealtime_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rt := NewRealtimeClient(srv.URL, nil)
	err := rt.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, rt.State())
}

func TestRealtime_AttachedManagerCachesPushesAndGoesOnline(t *testing.T) {
	srv, _, _ := pushServer(t, func(ctx context.Context, _ int32, c *websocket.Conn) {
		_ = wsjson.Write(ctx, c, map[string]any{
			"type":    EventListingUpdated,
			"payload": map[string]any{"id": "L7", "title": "Sofa", "cached_at": 1},
		})
		holdOpen(ctx, c)
	})

	monitor := NewNetworkMonitor(false, nil)
	o := newTestManager(t, &recordingRemote{}, false, &OfflineOptions{Monitor: monitor})
	o.Init()

	rt := NewRealtimeClient(srv.URL, nil)
	o.AttachRealtime(rt)
	connectRealtime(t, rt)

	require.Eventually(t, monitor.IsOnline, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := o.Cache.GetCachedListing("L7")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	l, _ := o.Cache.GetCachedListing("L7")
	assert.Greater(t, l.CachedAt, int64(1), "pushed listings are stamped on arrival")
}

func TestReconnector_BackoffIsCapped(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 5,
	})

	prevFloor := time.Duration(0)
	for i := 0; i < 5; i++ {
		require.True(t, r.shouldReconnect())
		d := r.nextDelay()
		floor := 100 * time.Millisecond << i
		if floor > time.Second {
			floor = time.Second
		}
		assert.GreaterOrEqual(t, d, floor, "attempt %d", i)
		assert.LessOrEqual(t, d, time.Second, "attempt %d", i)
		assert.GreaterOrEqual(t, floor, prevFloor)
		prevFloor = floor
	}
	assert.False(t, r.shouldReconnect())

	unlimited := newReconnector(&RealtimeConfig{MaxReconnectAttempts: -1})
	unlimited.attempt = 1000
	assert.True(t, unlimited.shouldReconnect())
}

func TestRealtime_WebSocketURL(t *testing.T) {
	assert.Equal(t, "wss://api.avida.app/api/ws?token=a%2Bb",
		NewRealtimeClient("https://api.avida.app/api/", &RealtimeConfig{Token: "a+b"}).wsURL())
	assert.Equal(t, "ws://localhost:8001/ws",
		NewRealtimeClient("http://localhost:8001", nil).wsURL())
}

func TestRealtime_PushedUpdatesCachedInArrivalOrder(t *testing.T) {
	const updates = 20
	srv, _, _ := pushServer(t, func(ctx context.Context, _ int32, c *websocket.Conn) {
		for i := 0; i < updates; i++ {
			_ = wsjson.Write(ctx, c, map[string]any{
				"type":    EventListingUpdated,
				"payload": map[string]any{"id": "L1", "title": fmt.Sprint(i)},
			})
		}
		_ = wsjson.Write(ctx, c, map[string]any{
			"type":    EventListingUpdated,
			"payload": map[string]any{"id": "done"},
		})
		holdOpen(ctx, c)
	})

	o := newTestManager(t, &recordingRemote{}, false, nil)
	rt := NewRealtimeClient(srv.URL, nil)
	o.AttachRealtime(rt)
	connectRealtime(t, rt)

	require.Eventually(t, func() bool {
		_, ok := o.Cache.GetCachedListing("done")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	l, ok := o.Cache.GetCachedListing("L1")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprint(updates-1), l.Title)
	assert.Equal(t, 2, o.Cache.Count())
}

func TestRealtime_HandlersInertAfterDestroy(t *testing.T) {
	monitor := NewNetworkMonitor(false, nil)
	o := NewOfflineManager(NewMemoryStore(), &recordingRemote{}, &OfflineOptions{
		Monitor: monitor,
		Logger:  zaptest.NewLogger(t),
	})
	rt := NewRealtimeClient("http://localhost", nil)
	o.AttachRealtime(rt)
	o.Destroy()

	payload, err := json.Marshal(CachedListing{ID: "L1", Title: "late"})
	require.NoError(t, err)
	rt.dispatcher.dispatch(RealtimeEnvelope{Type: EventListingUpdated, Payload: payload}, zaptest.NewLogger(t))
	for _, h := range rt.dispatcher.onConnected {
		h()
	}

	assert.Zero(t, o.Cache.Count())
	assert.False(t, monitor.IsOnline())
}

func TestReconnector_LongOutageKeepsBackingOff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 10,
	})
	r.attempt = 4
	r.connectedAt = time.Now().Add(-2 * time.Minute)

	// the connection was stable, so the drop starts a fresh sequence
	r.markDropped()
	assert.Zero(t, r.attempt)

	attempts := 0
	var last time.Duration
	for r.shouldReconnect() && attempts < 100 {
		last = r.nextDelay()
		attempts++
	}
	assert.Equal(t, 10, attempts)
	assert.Equal(t, 10*time.Second, last)

	// a short-lived connection does not reset the count
	r.markConnected()
	r.markDropped()
	assert.False(t, r.shouldReconnect())
}
