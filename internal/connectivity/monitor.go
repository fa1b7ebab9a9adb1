// Package connectivity tracks whether the remote backend is reachable and
// announces offline/online transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/diarysync/internal/common"
	"github.com/dmitrijs2005/diarysync/internal/logging"
	"github.com/dmitrijs2005/diarysync/internal/metrics"
	"github.com/dmitrijs2005/diarysync/internal/repositories/metadata"
)

// Pinger checks reachability of the remote backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Transition is one change of the online state.
type Transition struct {
	Online bool
	At     time.Time
}

// lastOnline is persisted at most this often while the state is steady.
const persistEvery = time.Minute

type Monitor struct {
	pinger   Pinger
	meta     metadata.Repository
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   logging.Logger
	now      func() time.Time

	mu          sync.RWMutex
	online      bool
	lastOnline  time.Time
	persistedAt time.Time
	subs        map[int]chan Transition
	nextID      int
}

func NewMonitor(pinger Pinger, meta metadata.Repository, interval, timeout time.Duration,
	m *metrics.Metrics, logger logging.Logger) *Monitor {

	if logger == nil {
		logger = logging.Discard()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Monitor{
		pinger:   pinger,
		meta:     meta,
		interval: interval,
		timeout:  timeout,
		metrics:  m,
		logger:   logger.With("component", "connectivity"),
		now:      time.Now,
		subs:     map[int]chan Transition{},
	}
}

// Load restores the last time the backend was seen from the local store.
func (m *Monitor) Load(ctx context.Context) {
	if m.meta == nil {
		return
	}
	t, ok, err := metadata.GetTime(ctx, m.meta, common.MetaLastOnline)
	if err != nil {
		m.logger.Warn(ctx, "failed to load last online time", "error", err)
		return
	}
	if ok {
		m.mu.Lock()
		if t.After(m.lastOnline) {
			m.lastOnline = t
		}
		m.mu.Unlock()
	}
}

// Run probes the backend immediately and then every interval until ctx is
// done.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)

	if m.interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Probe pings the backend once and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.pinger.Ping(pctx)
	cancel()
	if ctx.Err() != nil {
		return m.IsOnline()
	}
	if err != nil {
		m.logger.Debug(ctx, "backend unreachable", "error", err)
	}
	m.SetOnline(ctx, err == nil)
	return err == nil
}

// SetOnline records an explicit connectivity signal.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	now := m.now().UTC()

	m.mu.Lock()
	changed := m.online != online
	m.online = online
	if online {
		m.lastOnline = now
	}
	persist := online && (changed || now.Sub(m.persistedAt) >= persistEvery)
	if persist {
		m.persistedAt = now
	}
	if changed {
		tr := Transition{Online: online, At: now}
		for _, ch := range m.subs {
			select {
			case ch <- tr:
			default:
			}
		}
	}
	m.mu.Unlock()

	m.metrics.SetOnline(online)
	if changed {
		if online {
			m.logger.Info(ctx, "switched to online mode")
		} else {
			m.logger.Info(ctx, "switched to offline mode")
		}
	}
	if persist && m.meta != nil {
		if err := metadata.SetTime(ctx, m.meta, common.MetaLastOnline, now); err != nil {
			m.logger.Warn(ctx, "failed to persist last online time", "error", err)
		}
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// LastOnline is the last time the backend answered; zero when never.
func (m *Monitor) LastOnline() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastOnline
}

// Subscribe returns a channel of transitions. Slow receivers miss
// transitions; IsOnline always has the latest state.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, 4)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}
