package avida

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

const (
	EventListingUpdated = "listing.updated"
	EventMessageNew     = "message.new"
)

// MessageNewPayload is pushed when a message arrives in one of the user's
// conversations.
type MessageNewPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
}

// RealtimeEnvelope is the wire format for all pushed events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts defaults to 10; negative retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu               sync.RWMutex
	onListingUpdated []func(CachedListing)
	onMessageNew     []func(MessageNewPayload)
	onConnected      []func()
	onDisconnected   []func(error)
}

// dispatch runs the typed handlers for env on the caller's goroutine, so
// events reach handlers in the order they were received.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope, log *zap.Logger) {
	switch env.Type {
	case EventListingUpdated:
		var p CachedListing
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Debug("bad listing.updated payload", zap.Error(err))
			return
		}
		d.mu.RLock()
		handlers := append([]func(CachedListing){}, d.onListingUpdated...)
		d.mu.RUnlock()
		for _, h := range handlers {
			h(p)
		}
	case EventMessageNew:
		var p MessageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Debug("bad message.new payload", zap.Error(err))
			return
		}
		d.mu.RLock()
		handlers := append([]func(MessageNewPayload){}, d.onMessageNew...)
		d.mu.RUnlock()
		for _, h := range handlers {
			h(p)
		}
	default:
		log.Debug("ignoring realtime event", zap.String("type", env.Type))
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(err)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

const stableConnection = 60 * time.Second

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// markDropped is called once per lost connection. A connection that stayed
// up for a minute resets the attempt count.
func (r *reconnector) markDropped() {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableConnection {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
}

// nextDelay is capped exponential backoff with up to 50% jitter.
func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient receives pushed marketplace events over a WebSocket and
// reconnects automatically when the connection drops.
type RealtimeClient struct {
	baseURL    string
	config     *RealtimeConfig
	log        *zap.Logger
	dispatcher *eventDispatcher

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewRealtimeClient creates a client for the API at baseURL. The connection
// is not opened until Connect.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	if config == nil {
		config = &RealtimeConfig{}
	}
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		log:        cfg.Logger,
		dispatcher: &eventDispatcher{},
		state:      StateDisconnected,
		recon:      newReconnector(&cfg),
	}
}

// OnListingUpdated registers a handler for listing updates. Listing and
// message handlers run on the read loop in arrival order; a slow handler
// delays the events behind it.
func (rt *RealtimeClient) OnListingUpdated(h func(CachedListing)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onListingUpdated = append(rt.dispatcher.onListingUpdated, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageNew registers a handler for new messages.
func (rt *RealtimeClient) OnMessageNew(h func(MessageNewPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessageNew = append(rt.dispatcher.onMessageNew, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler called after each successful connect.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler called when the connection is lost or
// closed. err is nil for a client-initiated close.
func (rt *RealtimeClient) OnDisconnected(h func(err error)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *RealtimeClient) wsURL() string {
	u := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws"
	if rt.config.Token != "" {
		u += "?token=" + url.QueryEscape(rt.config.Token)
	}
	return u
}

// Connect dials the push endpoint and starts reading events. It returns
// once the connection is established; ctx bounds the lifetime of the
// connection and of any reconnect attempts.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	return rt.dial(ctx)
}

func (rt *RealtimeClient) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, rt.wsURL(), nil)
	if err != nil {
		rt.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return errors.New("client disconnected")
	}
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.recon.markConnected()
	rt.mu.Unlock()

	rt.log.Info("realtime connected", zap.String("url", rt.baseURL))
	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx, ctx, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.dispatcher.emitDisconnected(nil)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

func (rt *RealtimeClient) readLoop(ctx, parent context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if !intentional {
				rt.state = StateDisconnected
				rt.conn = nil
				rt.recon.markDropped()
			}
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.log.Warn("realtime connection lost", zap.Error(err))
			rt.dispatcher.emitDisconnected(err)
			if rt.config.AutoReconnect && parent.Err() == nil {
				rt.reconnect(parent)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rt.dispatcher.dispatch(env, rt.log)
	}
}

func (rt *RealtimeClient) reconnect(ctx context.Context) {
	for {
		rt.mu.Lock()
		if rt.intentionalClose || !rt.recon.shouldReconnect() {
			rt.state = StateDisconnected
			rt.mu.Unlock()
			return
		}
		delay := rt.recon.nextDelay()
		attempt := rt.recon.attempt
		rt.state = StateReconnecting
		rt.mu.Unlock()

		rt.log.Info("realtime reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			rt.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		if err := rt.dial(ctx); err != nil {
			rt.log.Debug("realtime reconnect failed", zap.Error(err))
			continue
		}
		return
	}
}
