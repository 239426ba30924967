package avida

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Lifecycle events emitted by OfflineManager.
const (
	EventNetworkOnline   = "network.online"
	EventNetworkOffline  = "network.offline"
	EventActionQueued    = "action.queued"
	EventSyncStart       = "sync.start"
	EventSyncComplete    = "sync.complete"
	EventActionAbandoned = "action.abandoned"
)

// OfflineOptions configures the OfflineManager.
type OfflineOptions struct {
	Logger *zap.Logger
	// Monitor supplies connectivity. Defaults to a monitor that starts
	// online and only changes through SetOnline.
	Monitor      *NetworkMonitor
	MaxRetries   int
	Metrics      *SyncMetrics
	DrainLimiter *rate.Limiter
}

// ============================================================================
// Event Emitter
// ============================================================================

// OfflineEventHandler handles offline events.
type OfflineEventHandler func(event string, payload any)

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
	log       *zap.Logger
}

func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("offline event handler panicked",
						zap.String("event", event), zap.Any("panic", r))
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *offlineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OfflineEventHandler)
}

// ============================================================================
// Offline Manager
// ============================================================================

// OfflineManager ties the caches, the action queue and the sync engine to a
// network monitor. Every transition to online drains the queue in the
// background.
type OfflineManager struct {
	offlineEmitter
	Cache   *CacheManager
	Network *NetworkMonitor

	actions *ActionQueue
	engine  *SyncEngine
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	unsub   func()
	stopped bool
}

// NewOfflineManager creates an offline manager persisting through store
// and replaying queued actions against remote.
func NewOfflineManager(store Store, remote Remote, opts *OfflineOptions) *OfflineManager {
	if opts == nil {
		opts = &OfflineOptions{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = NewNetworkMonitor(true, log.Named("network"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &OfflineManager{
		offlineEmitter: offlineEmitter{
			listeners: make(map[string][]OfflineEventHandler),
			log:       log,
		},
		Cache:   NewCacheManager(store, log.Named("cache")),
		Network: monitor,
		actions: NewActionQueue(store, log.Named("queue")),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	o.engine = NewSyncEngine(o.actions, remote, store, &SyncOptions{
		Logger:     log.Named("sync"),
		MaxRetries: opts.MaxRetries,
		Limiter:    opts.DrainLimiter,
		Metrics:    opts.Metrics,
		OnAbandon: func(a OfflineAction, err error) {
			o.emit(EventActionAbandoned, map[string]any{
				"id":    a.ID,
				"type":  a.Type,
				"error": err.Error(),
			})
		},
	})
	return o
}

// Init subscribes to the network monitor. If the device is already online
// the queue is drained right away.
func (o *OfflineManager) Init() {
	o.mu.Lock()
	if o.unsub != nil || o.stopped {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	unsub := o.Network.Subscribe(o.onNetworkChange)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		unsub()
		return
	}
	o.unsub = unsub
	o.mu.Unlock()
}

// Destroy unsubscribes from the monitor, cancels background drains and
// waits for them to finish.
func (o *OfflineManager) Destroy() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	unsub := o.unsub
	o.unsub = nil
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	o.cancel()
	o.wg.Wait()
	o.removeAll()
}

func (o *OfflineManager) onNetworkChange(online bool) {
	if !online {
		o.emit(EventNetworkOffline, nil)
		return
	}
	o.emit(EventNetworkOnline, nil)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.SyncPendingActions(o.ctx)
	}()
}

// IsOnline returns current network state.
func (o *OfflineManager) IsOnline() bool {
	return o.Network.IsOnline()
}

// SetOnline forces the network state, e.g. from a platform callback.
func (o *OfflineManager) SetOnline(online bool) {
	o.Network.SetOnline(online)
}

// GetOfflineState returns a snapshot of the offline layer.
func (o *OfflineManager) GetOfflineState() OfflineState {
	last, _ := o.engine.LastSync()
	return OfflineState{
		IsOnline:       o.IsOnline(),
		LastSync:       last,
		PendingActions: o.actions.Len(),
		CachedListings: o.Cache.Count(),
	}
}

// ── Read cache ────────────────────────────────────────────

// CacheListings merges freshly fetched listings into the cache.
func (o *OfflineManager) CacheListings(items []CachedListing) error {
	return o.Cache.CacheListings(items)
}

// GetCachedListings returns cached listings, most recently cached first.
func (o *OfflineManager) GetCachedListings() []CachedListing {
	return o.Cache.GetCachedListings()
}

// AddViewedListing records a listing as recently viewed.
func (o *OfflineManager) AddViewedListing(item CachedListing) error {
	return o.Cache.AddViewedListing(item)
}

// GetViewedListings returns recently viewed listings, latest first.
func (o *OfflineManager) GetViewedListings() []CachedListing {
	return o.Cache.GetViewedListings()
}

// ClearCache drops every cached read model. Pending actions are kept.
func (o *OfflineManager) ClearCache() error {
	return o.Cache.ClearAll()
}

// ── Action queue ──────────────────────────────────────────

// QueueFavoriteToggle queues a favorite change if the device is offline and
// updates the cached favorites right away. It returns false when online;
// the caller should then call the API directly.
func (o *OfflineManager) QueueFavoriteToggle(listingID string, favorite bool) (bool, error) {
	return o.Queue(ToggleFavorite{ListingID: listingID, IsFavorite: favorite})
}

// QueueMessage queues a chat message if the device is offline.
func (o *OfflineManager) QueueMessage(conversationID, content string) (bool, error) {
	return o.Queue(SendMessage{ConversationID: conversationID, Content: content})
}

// Queue queues any action if the device is offline and then applies its
// local effect to the cache. It returns false without queueing when online.
// If the action cannot be persisted the cache is left untouched.
func (o *OfflineManager) Queue(payload ActionPayload) (bool, error) {
	if o.IsOnline() {
		return false, nil
	}
	action, err := o.actions.Enqueue(payload)
	if err != nil {
		return false, err
	}
	o.applyLocally(payload)
	o.emit(EventActionQueued, action)
	return true, nil
}

// applyLocally mirrors an action onto the cache. Cache failures are logged
// by the cache and do not prevent queueing.
func (o *OfflineManager) applyLocally(payload ActionPayload) {
	switch p := payload.(type) {
	case ToggleFavorite:
		_ = o.Cache.SetFavorite(p.ListingID, p.IsFavorite)
	case UpdateProfile:
		if profile, ok := o.Cache.GetCachedProfile(); ok {
			p.Profile.ApplyTo(&profile)
			_ = o.Cache.CacheProfile(profile)
		}
	}
}

// PendingActions returns queued actions, oldest first.
func (o *OfflineManager) PendingActions() []OfflineAction {
	return o.actions.List()
}

// DeadLetters returns actions abandoned after exhausting their retries.
func (o *OfflineManager) DeadLetters() []DeadLetter {
	return o.actions.DeadLetters()
}

// ClearDeadLetters forgets abandoned actions.
func (o *OfflineManager) ClearDeadLetters() error {
	return o.actions.ClearDeadLetters()
}

// ── Sync ──────────────────────────────────────────────────

// SyncPendingActions drains the queue now. It returns a zero result and
// emits nothing if a drain is already running.
func (o *OfflineManager) SyncPendingActions(ctx context.Context) SyncResult {
	result, ran := o.engine.drain(ctx, func(pending int) {
		o.emit(EventSyncStart, map[string]any{"pending": pending})
	})
	if ran {
		o.emit(EventSyncComplete, result)
	}
	return result
}

// ── Realtime ──────────────────────────────────────────────

// AttachRealtime keeps the listing cache fresh from pushed updates and
// treats a successful push connection as proof of reachability. The
// handlers do nothing once the manager is destroyed.
func (o *OfflineManager) AttachRealtime(rt *RealtimeClient) {
	rt.OnListingUpdated(func(l CachedListing) {
		if o.ctx.Err() != nil {
			return
		}
		l.CachedAt = 0
		if err := o.Cache.CacheListings([]CachedListing{l}); err != nil {
			o.log.Debug("pushed listing not cached", zap.String("id", l.ID), zap.Error(err))
		}
	})
	rt.OnConnected(func() {
		if o.ctx.Err() != nil {
			return
		}
		o.Network.Update(ConnectivitySignal{Connected: true, Internet: Reachable})
	})
}
