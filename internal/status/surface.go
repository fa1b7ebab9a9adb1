// Package status keeps an event-driven snapshot of connectivity, queue depth
// and sync progress for the UI and other watchers.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/diarysync/internal/connectivity"
	"github.com/dmitrijs2005/diarysync/internal/logging"
	"github.com/dmitrijs2005/diarysync/internal/models"
	"github.com/dmitrijs2005/diarysync/internal/syncer"
)

type Snapshot struct {
	IsOnline       bool              `json:"isOnline"`
	LastOnline     *time.Time        `json:"lastOnline,omitempty"`
	PendingCount   int               `json:"pendingCount"`
	SyncInProgress bool              `json:"syncInProgress"`
	LastSyncEvent  *models.SyncEvent `json:"lastSyncEvent,omitempty"`
	LastSyncAt     *time.Time        `json:"lastSyncAt,omitempty"`
}

type Queue interface {
	PendingCount(ctx context.Context, userID string) (int, error)
	Retry(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

type Syncer interface {
	SyncNow(ctx context.Context) (syncer.Result, error)
	Trigger(reason string)
	InProgress() bool
	LastSyncAt(ctx context.Context) time.Time
}

type Connectivity interface {
	IsOnline() bool
	LastOnline() time.Time
	Subscribe() (<-chan connectivity.Transition, func())
}

type EventSource interface {
	Subscribe(buffer int) (<-chan models.SyncEvent, func())
}

type Sessions interface {
	UserID(ctx context.Context) (string, error)
}

type Surface struct {
	queue    Queue
	syncer   Syncer
	conn     Connectivity
	events   EventSource
	sessions Sessions
	logger   logging.Logger

	mu       sync.Mutex
	snap     Snapshot
	watchers map[int]chan Snapshot
	nextID   int
}

func NewSurface(q Queue, s Syncer, conn Connectivity, events EventSource, sessions Sessions, logger logging.Logger) *Surface {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Surface{
		queue:    q,
		syncer:   s,
		conn:     conn,
		events:   events,
		sessions: sessions,
		logger:   logger.With("component", "status"),
		watchers: map[int]chan Snapshot{},
	}
}

// Run recomputes the snapshot on every sync event and connectivity change
// until ctx is done.
func (s *Surface) Run(ctx context.Context) {
	evs, unsubscribe := s.events.Subscribe(0)
	defer unsubscribe()
	transitions, stop := s.conn.Subscribe()
	defer stop()

	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			s.record(ev)
			s.Refresh(ctx)
		case <-transitions:
			s.Refresh(ctx)
		}
	}
}

func (s *Surface) record(ev models.SyncEvent) {
	s.mu.Lock()
	s.snap.LastSyncEvent = &ev
	s.mu.Unlock()
}

// Refresh rebuilds the snapshot from its sources and notifies watchers.
func (s *Surface) Refresh(ctx context.Context) Snapshot {
	next := Snapshot{
		IsOnline:       s.conn.IsOnline(),
		SyncInProgress: s.syncer.InProgress(),
	}
	if t := s.conn.LastOnline(); !t.IsZero() {
		next.LastOnline = &t
	}
	if t := s.syncer.LastSyncAt(ctx); !t.IsZero() {
		next.LastSyncAt = &t
	}

	// count the signed-in user's entries, or everything without a session
	userID, err := s.sessions.UserID(ctx)
	if err != nil {
		userID = ""
	}
	n, err := s.queue.PendingCount(ctx, userID)
	if err != nil {
		s.logger.Warn(ctx, "failed to count pending entries", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		n = s.snap.PendingCount
	}
	next.PendingCount = n
	next.LastSyncEvent = s.snap.LastSyncEvent
	s.snap = next
	for _, ch := range s.watchers {
		notify(ch, next)
	}
	return next
}

// notify keeps only the newest snapshot in ch.
func notify(ch chan Snapshot, snap Snapshot) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func (s *Surface) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Watch streams snapshots, starting with the current one, until ctx is
// done. A slow watcher only sees the newest snapshot.
func (s *Surface) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	ch <- s.snap
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// Sync runs a pass now and returns its counters.
func (s *Surface) Sync(ctx context.Context) (syncer.Result, error) {
	res, err := s.syncer.SyncNow(ctx)
	s.Refresh(ctx)
	return res, err
}

// Retry requeues a failed entry and nudges the coordinator.
func (s *Surface) Retry(ctx context.Context, id string) error {
	if err := s.queue.Retry(ctx, id); err != nil {
		return err
	}
	s.Refresh(ctx)
	s.syncer.Trigger(syncer.TriggerManual)
	return nil
}

func (s *Surface) Remove(ctx context.Context, id string) error {
	if err := s.queue.Remove(ctx, id); err != nil {
		return err
	}
	s.Refresh(ctx)
	return nil
}
