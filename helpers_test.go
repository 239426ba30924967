package avida

import (
	"errors"
	"sync"
	"time"
)

var errDisk = errors.New("disk full")

// faultyStore wraps a MemoryStore and fails selected operations on demand.
type faultyStore struct {
	*MemoryStore

	mu         sync.Mutex
	failSet    bool
	failRemove bool
	// failKey, if set, fails writes to that key only.
	failKey string
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: NewMemoryStore()}
}

func (s *faultyStore) Set(key string, value []byte) error {
	s.mu.Lock()
	fail := s.failSet || (s.failKey != "" && s.failKey == key)
	s.mu.Unlock()
	if fail {
		return errDisk
	}
	return s.MemoryStore.Set(key, value)
}

func (s *faultyStore) Remove(key string) error {
	s.mu.Lock()
	fail := s.failRemove
	s.mu.Unlock()
	if fail {
		return errDisk
	}
	return s.MemoryStore.Remove(key)
}

func (s *faultyStore) failWritesTo(key string) {
	s.mu.Lock()
	s.failKey = key
	s.mu.Unlock()
}

func (s *faultyStore) setFailures(set, remove bool) {
	s.mu.Lock()
	s.failSet, s.failRemove = set, remove
	s.mu.Unlock()
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func listingIDs(ls []CachedListing) []string {
	ids := make([]string, 0, len(ls))
	for _, l := range ls {
		ids = append(ids, l.ID)
	}
	return ids
}

func actionIDs(as []OfflineAction) []string {
	ids := make([]string, 0, len(as))
	for _, a := range as {
		ids = append(ids, a.ID)
	}
	return ids
}
