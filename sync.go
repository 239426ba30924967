package avida

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultMaxRetries is the number of failed retries an action survives
// before it is abandoned.
const DefaultMaxRetries = 3

// Remote is the part of the marketplace API that queued actions replay
// against. *Client implements it.
type Remote interface {
	AddFavorite(ctx context.Context, listingID string) error
	RemoveFavorite(ctx context.Context, listingID string) error
	SendMessage(ctx context.Context, conversationID, content string) error
	RecordListingView(ctx context.Context, listingID string) error
	TrackSearch(ctx context.Context, query, category string) error
	UpdateProfile(ctx context.Context, update ProfileUpdate) error
}

var _ Remote = (*Client)(nil)

// SyncOptions configures a SyncEngine. The zero value is usable.
type SyncOptions struct {
	Logger     *zap.Logger
	MaxRetries int
	// Limiter, if set, paces remote calls within a drain.
	Limiter *rate.Limiter
	Metrics *SyncMetrics
	// OnAbandon is called after an action is moved to the dead letters.
	OnAbandon func(action OfflineAction, err error)
}

// SyncEngine drains an ActionQueue into the remote API. At most one drain
// runs at a time.
type SyncEngine struct {
	queue  *ActionQueue
	remote Remote
	store  Store
	log    *zap.Logger
	now    func() time.Time

	maxRetries int
	limiter    *rate.Limiter
	metrics    *SyncMetrics
	onAbandon  func(OfflineAction, error)

	draining *semaphore.Weighted
}

// NewSyncEngine creates an engine replaying queue against remote.
// store receives the last successful sync time.
func NewSyncEngine(queue *ActionQueue, remote Remote, store Store, opts *SyncOptions) *SyncEngine {
	e := &SyncEngine{
		queue:      queue,
		remote:     remote,
		store:      store,
		log:        zap.NewNop(),
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
		draining:   semaphore.NewWeighted(1),
	}
	if opts != nil {
		if opts.Logger != nil {
			e.log = opts.Logger
		}
		if opts.MaxRetries > 0 {
			e.maxRetries = opts.MaxRetries
		}
		e.limiter = opts.Limiter
		e.metrics = opts.Metrics
		e.onAbandon = opts.OnAbandon
	}
	return e
}

// SyncPendingActions makes one pass over the queue, oldest action first.
//
// If another pass is already running it returns a zero result without
// touching the queue. Cancelling ctx stops the pass before the next action;
// whatever was not attempted stays queued.
func (e *SyncEngine) SyncPendingActions(ctx context.Context) SyncResult {
	result, _ := e.drain(ctx, nil)
	return result
}

// drain is SyncPendingActions reporting whether the pass ran. onStart, if
// set, is called with the number of queued actions once the pass owns the
// queue.
func (e *SyncEngine) drain(ctx context.Context, onStart func(pending int)) (SyncResult, bool) {
	if !e.draining.TryAcquire(1) {
		e.log.Debug("drain already running, skipping")
		if e.metrics != nil {
			e.metrics.Skipped.Inc()
		}
		return SyncResult{}, false
	}
	defer e.draining.Release(1)

	start := e.now()
	actions := e.queue.List()
	if onStart != nil {
		onStart(len(actions))
	}
	var result SyncResult

	for _, action := range actions {
		if ctx.Err() != nil {
			break
		}
		if action.Payload == nil {
			e.log.Warn("skipping action of unknown type",
				zap.String("id", action.ID),
				zap.String("type", string(action.Type)))
			continue
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				break
			}
		}

		err := action.Payload.apply(ctx, e.remote)
		if err == nil {
			if rmErr := e.queue.Remove(action.ID); rmErr != nil {
				e.log.Warn("applied action could not be dequeued",
					zap.String("id", action.ID), zap.Error(rmErr))
			}
			result.Success++
			if e.metrics != nil {
				e.metrics.Applied.Inc()
			}
			continue
		}

		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// interrupted, not a failed attempt
			break
		}
		e.handleFailure(action, err, &result)
	}

	if result.Success > 0 {
		e.setLastSync(e.now())
	}
	if e.metrics != nil {
		e.metrics.DrainSeconds.Observe(e.now().Sub(start).Seconds())
		e.metrics.QueueDepth.Set(float64(e.queue.Len()))
	}
	e.log.Info("drain finished",
		zap.Int("attempted", len(actions)),
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed))
	return result, true
}

func (e *SyncEngine) handleFailure(action OfflineAction, err error, result *SyncResult) {
	if action.RetryCount >= e.maxRetries {
		if abErr := e.queue.Abandon(action.ID, err.Error()); abErr != nil {
			e.log.Warn("failed to record dead letter", zap.String("id", action.ID), zap.Error(abErr))
		}
		result.Failed++
		e.log.Warn("action abandoned",
			zap.String("id", action.ID),
			zap.String("type", string(action.Type)),
			zap.Int("retries", action.RetryCount),
			zap.Error(err))
		if e.metrics != nil {
			e.metrics.Abandoned.Inc()
		}
		if e.onAbandon != nil {
			e.onAbandon(action, err)
		}
		return
	}

	if incErr := e.queue.IncrementRetry(action.ID); incErr != nil {
		e.log.Warn("failed to record retry", zap.String("id", action.ID), zap.Error(incErr))
	}
	e.log.Debug("action failed, will retry",
		zap.String("id", action.ID),
		zap.Int("retry", action.RetryCount+1),
		zap.Error(err))
	if e.metrics != nil {
		e.metrics.Retried.Inc()
	}
}

// LastSync returns the time of the last drain that applied at least one
// action.
func (e *SyncEngine) LastSync() (time.Time, bool) {
	data, err := e.store.Get(KeyLastSync)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log.Warn("failed to read last sync", zap.Error(err))
		}
		return time.Time{}, false
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		e.log.Warn("last sync undecodable", zap.Error(err))
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (e *SyncEngine) setLastSync(t time.Time) {
	data, _ := json.Marshal(t.UnixMilli())
	if err := e.store.Set(KeyLastSync, data); err != nil {
		e.log.Warn("failed to persist last sync", zap.Error(err))
	}
}
