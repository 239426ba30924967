package avida

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxDeadLetters bounds the abandoned-action history.
const maxDeadLetters = 50

// ActionQueue is a durable FIFO of pending mutations. It knows nothing about
// what an action does and never touches the network.
type ActionQueue struct {
	store Store
	log   *zap.Logger
	now   func() time.Time

	mu sync.Mutex
}

// NewActionQueue creates a queue persisted in store under KeyQueue.
func NewActionQueue(store Store, log *zap.Logger) *ActionQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &ActionQueue{store: store, log: log, now: time.Now}
}

func newActionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%d_%s", now.UnixMilli(), suffix)
}

// Enqueue appends an action carrying payload and returns it.
// The returned action is valid even when persisting it failed.
func (q *ActionQueue) Enqueue(payload ActionPayload) (OfflineAction, error) {
	if payload == nil {
		return OfflineAction{}, errors.New("enqueue: nil payload")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	action := OfflineAction{
		ID:        newActionID(now),
		Type:      payload.Type(),
		Payload:   payload,
		CreatedAt: now.UnixMilli(),
	}
	actions := q.load()
	actions = append(actions, action)
	if err := q.save(actions); err != nil {
		return action, err
	}
	q.log.Debug("action queued",
		zap.String("id", action.ID),
		zap.String("type", string(action.Type)),
		zap.Int("pending", len(actions)))
	return action, nil
}

// List returns every pending action, oldest first.
func (q *ActionQueue) List() []OfflineAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

// Len returns the number of pending actions.
func (q *ActionQueue) Len() int {
	return len(q.List())
}

// Remove deletes the action with id. Unknown ids are ignored.
func (q *ActionQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.removeLocked(id)
	return err
}

func (q *ActionQueue) removeLocked(id string) (OfflineAction, error) {
	actions := q.load()
	for i, a := range actions {
		if a.ID == id {
			actions = append(actions[:i], actions[i+1:]...)
			return a, q.save(actions)
		}
	}
	return OfflineAction{}, nil
}

// IncrementRetry bumps the retry count of the action with id.
// Unknown ids are ignored.
func (q *ActionQueue) IncrementRetry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	actions := q.load()
	for i := range actions {
		if actions[i].ID == id {
			actions[i].RetryCount++
			return q.save(actions)
		}
	}
	return nil
}

// Abandon removes the action with id and records it as a dead letter.
func (q *ActionQueue) Abandon(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	action, err := q.removeLocked(id)
	if err != nil {
		return err
	}
	if action.ID == "" {
		return nil
	}

	letters := q.loadDeadLetters()
	letters = append(letters, DeadLetter{
		Action:      action,
		Reason:      reason,
		AbandonedAt: q.now().UnixMilli(),
	})
	if len(letters) > maxDeadLetters {
		letters = letters[len(letters)-maxDeadLetters:]
	}
	return q.write(KeyDeadLetters, letters)
}

// DeadLetters returns abandoned actions, oldest first.
func (q *ActionQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadDeadLetters()
}

// ClearDeadLetters forgets all abandoned actions.
func (q *ActionQueue) ClearDeadLetters() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Remove(KeyDeadLetters); err != nil {
		q.log.Warn("failed to clear dead letters", zap.Error(err))
		return err
	}
	return nil
}

// ── persistence ─────────────────────────────────────────

func (q *ActionQueue) load() []OfflineAction {
	var actions []OfflineAction
	if !q.read(KeyQueue, &actions) {
		return nil
	}
	return actions
}

func (q *ActionQueue) save(actions []OfflineAction) error {
	return q.write(KeyQueue, actions)
}

func (q *ActionQueue) loadDeadLetters() []DeadLetter {
	var letters []DeadLetter
	if !q.read(KeyDeadLetters, &letters) {
		return nil
	}
	return letters
}

func (q *ActionQueue) read(key string, v any) bool {
	data, err := q.store.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			q.log.Warn("failed to read queue", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		q.log.Warn("discarding undecodable queue data", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (q *ActionQueue) write(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		q.log.Warn("failed to encode queue", zap.String("key", key), zap.Error(err))
		return err
	}
	if err := q.store.Set(key, data); err != nil {
		q.log.Warn("failed to persist queue", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}
