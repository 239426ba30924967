package avida

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reachability is the tri-state internet reachability reported by the
// platform. Only an explicit Unreachable counts as offline.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	Reachable
	Unreachable
)

func (r Reachability) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ConnectivitySignal is one raw connectivity report.
type ConnectivitySignal struct {
	Connected bool
	Internet  Reachability
}

// Online reports whether the signal means the device can reach the API.
func (s ConnectivitySignal) Online() bool {
	return s.Connected && s.Internet != Unreachable
}

// NetworkMonitor reduces connectivity signals to a single online flag and
// notifies subscribers of changes.
type NetworkMonitor struct {
	log *zap.Logger

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// NewNetworkMonitor creates a monitor starting in the given state.
func NewNetworkMonitor(initial bool, log *zap.Logger) *NetworkMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &NetworkMonitor{
		log:    log,
		online: initial,
		subs:   make(map[int]func(bool)),
	}
}

// IsOnline returns the current state.
func (m *NetworkMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Update feeds a connectivity signal into the monitor.
func (m *NetworkMonitor) Update(s ConnectivitySignal) {
	m.SetOnline(s.Online())
}

// SetOnline sets the state directly. Subscribers are called only when the
// state actually changes, outside the monitor's lock.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed", zap.Bool("online", online))
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn, calls it once with the current state, and returns
// a function that removes the subscription.
func (m *NetworkMonitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	online := m.online
	m.mu.Unlock()

	fn(online)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Watch polls probe every interval and feeds the result to Update until ctx
// is done. The first probe runs immediately.
func (m *NetworkMonitor) Watch(ctx context.Context, interval time.Duration, probe func(context.Context) ConnectivitySignal) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, interval)
		s := probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		m.Update(s)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
