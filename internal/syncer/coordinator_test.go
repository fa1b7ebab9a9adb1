package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/diarysync/internal/common"
	"github.com/dmitrijs2005/diarysync/internal/connectivity"
	"github.com/dmitrijs2005/diarysync/internal/events"
	"github.com/dmitrijs2005/diarysync/internal/metrics"
	"github.com/dmitrijs2005/diarysync/internal/models"
	"github.com/dmitrijs2005/diarysync/internal/queue"
	"github.com/dmitrijs2005/diarysync/internal/remote"
	"github.com/dmitrijs2005/diarysync/internal/store"
)

type fakeRemote struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(e *models.PendingEntry) error
}

func (f *fakeRemote) SubmitEntry(ctx context.Context, e *models.PendingEntry) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[e.ID]++
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(e)
}

func (f *fakeRemote) respond(fn func(e *models.PendingEntry) error) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeRemote) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeSessions struct {
	err error
}

func (f fakeSessions) UserID(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "u1", nil
}

type fakeConn struct {
	online atomic.Bool
	ch     chan connectivity.Transition
}

func (f *fakeConn) IsOnline() bool { return f.online.Load() }

func (f *fakeConn) Subscribe() (<-chan connectivity.Transition, func()) {
	return f.ch, func() {}
}

func (f *fakeConn) set(online bool) {
	f.online.Store(online)
	f.ch <- connectivity.Transition{Online: online, At: time.Now()}
}

type fakeCache struct {
	invalidations atomic.Int64
}

func (f *fakeCache) InvalidateAPI(context.Context) bool {
	f.invalidations.Add(1)
	return true
}

// recorder keeps every event seen by one subscriber.
type recorder struct {
	mu     sync.Mutex
	events []models.SyncEvent
}

func (r *recorder) all() []models.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SyncEvent(nil), r.events...)
}

func (r *recorder) ofType(typ models.EventType) []models.SyncEvent {
	var out []models.SyncEvent
	for _, ev := range r.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	st     *store.Store
	queue  *queue.Queue
	remote *fakeRemote
	conn   *fakeConn
	cache  *fakeCache
	events *recorder
	sync   *Coordinator
}

func newHarness(t *testing.T, sessions Sessions, opts Options) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	broker := events.NewBroker(nil)
	ch, cancel := broker.Subscribe(0)
	rec := &recorder{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			rec.mu.Lock()
			rec.events = append(rec.events, ev)
			rec.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		cancel()
		broker.Close()
		<-done
	})

	h := &harness{
		st:     st,
		queue:  queue.NewQueue(st.Pending, 3, nil),
		remote: &fakeRemote{},
		conn:   &fakeConn{ch: make(chan connectivity.Transition, 4)},
		cache:  &fakeCache{},
		events: rec,
	}
	h.conn.online.Store(true)
	h.sync = NewCoordinator(h.queue, h.remote, sessions, h.cache, h.conn, broker, st.Metadata, opts, metrics.New(), nil)
	return h
}

func (h *harness) enqueue(t *testing.T, text string) *models.PendingEntry {
	t.Helper()
	e, err := h.queue.Enqueue(context.Background(), "u1", models.Payload{Text: text})
	require.NoError(t, err)
	return e
}

func (h *harness) entry(t *testing.T, id string) *models.PendingEntry {
	t.Helper()
	e, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (h *harness) pendingCount(t *testing.T) int {
	t.Helper()
	n, err := h.queue.PendingCount(context.Background(), "u1")
	require.NoError(t, err)
	return n
}

func TestCoordinator_OfflineEntrySyncsWhenBackOnline(t *testing.T) {
	h := newHarness(t, fakeSessions{}, Options{})
	h.conn.online.Store(false)

	e := h.enqueue(t, "Finished 5k run")
	assert.Equal(t, models.StatusPending, e.Status)
	assert.Equal(t, 1, h.pendingCount(t))

	_, err := h.sync.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Zero(t, h.remote.count(e.ID))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sync.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	h.conn.set(true)

	assert.Eventually(t, func() bool {
		return len(h.events.ofType(models.EventSyncComplete)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.pendingCount(t))
	assert.Equal(t, 1, h.remote.count(e.ID))
	assert.Equal(t, int64(1), h.cache.invalidations.Load())

	complete := h.events.ofType(models.EventSyncComplete)[0]
	assert.Equal(t, 1, complete.Synced)
	synced := h.events.ofType(models.EventEntrySynced)
	require.Len(t, synced, 1)
	assert.Equal(t, e.ID, synced[0].EntryID)
	assert.False(t, h.sync.InProgress())
	assert.False(t, h.sync.LastSyncAt(context.Background()).IsZero())
}

func TestCoordinator_RejectedEntryFailsWithoutSpendingRetries(t *testing.T) {
	h := newHarness(t, fakeSessions{}, Options{})
	h.remote.respond(func(*models.PendingEntry) error {
		return &remote.StatusError{Code: http.StatusUnprocessableEntity, Body: "text too long"}
	})
	e := h.enqueue(t, "entry")

	res, err := h.sync.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)

	got := h.entry(t, e.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Contains(t, got.LastError, "422")

	failed := h.events.ofType(models.EventEntrySyncFailed)
	assert.Eventually(t, func() bool {
		failed = h.events.ofType(models.EventEntrySyncFailed)
		return len(failed) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusFailed, failed[0].Status)

	for range 2 {
		_, err = h.sync.SyncNow(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.remote.count(e.ID))
	assert.Zero(t, h.cache.invalidations.Load())

	// user retry puts it back in line
	h.remote.respond(nil)
	require.NoError(t, h.queue.Retry(context.Background(), e.ID))
	res, err = h.sync.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Synced: 1}, res)
	assert.Equal(t, 2, h.remote.count(e.ID))
}

func TestCoordinator_ServerErrorsExhaustRetryBudget(t *testing.T) {
	h := newHarness(t, fakeSessions{}, Options{})
	h.remote.respond(func(*models.PendingEntry) error {
		return &remote.StatusError{Code: http.StatusServiceUnavailable}
	})
	e := h.enqueue(t, "entry")

	for pass := 1; pass <= 3; pass++ {
		res, err := h.sync.SyncNow(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Result{Failed: 1}, res)
		assert.Equal(t, pass, h.entry(t, e.ID).RetryCount)
	}
	assert.Equal(t, models.StatusFailed, h.entry(t, e.ID).Status)

	res, err := h.sync.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 3, h.remote.count(e.ID))
}

func TestCoordinator_NetworkErrorReturnsToPending(t *testing.T) {
	h := newHarness(t, fakeSessions{}, Options{})
	h.remote.respond(func(*models.PendingEntry) error {
		return fmt.Errorf("%w: dial", common.ErrNetworkUnreachable)
	})
	e := h.enqueue(t, "entry")

	_, err := h.sync.SyncNow(context.Background())
	require.NoError(t, err)

	got := h.entry(t, e.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "network unreachable")
}

func TestCoordinator_NoSessionLeavesEntriesUntouched(t *testing.T) {
	h := newHarness(t, fakeSessions{err: common.ErrNoSession}, Options{})
	e := h.enqueue(t, "entry")

	_, err := h.sync.SyncNow(context.Background())
	assert.ErrorIs(t, err, common.ErrNoSession)
	assert.Zero(t, h.remote.count(e.ID))

	got := h.entry(t, e.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Eventually(t, func() bool {
		return len(h.events.ofType(models.EventEntrySyncFailed)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_SessionLostMidPassStopsPass(t *testing.T) {
	h := newHarness(t, fakeSessions{}, Options{Concurrency: 1})
	h.remote.respond(func(*models.PendingEntry) error {
		return &remote.StatusError{Code: http.StatusUnauthorized}
	})
	ids := []string{h.enqueue(t, "a").ID, h.enqueue(t, "b").ID, h.enqueue(t, "c").ID}

	res, err := h.sync.SyncNow(context.Background())
	assert.ErrorIs(t, err, common.ErrNoSession)
	assert.Equal(t, Result{Skipped: 3}, res)

	attempts := 0
	for _, id := range ids {
		attempts += h.remote.count(id)
		got := h.entry(t, id)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Zero(t, got.RetryCount)
		assert.Empty(t, got.LastError)
	}
	assert.Equal(t, 1, attempts)

	assert.Eventually(t, func() bool {
		return len(h.events.ofType(models.EventSyncComplete)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, h.events.ofType(models.EventEntrySyncFailed), 1)
}

func TestCoordinator_ConcurrentPassesDeliverOnce(t *testing.T) {
	h := newHarness(t, fakeSessions{}, Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.remote.respond(func(*models.PendingEntry) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})
	e := h.enqueue(t, "entry")

	first := make(chan Result)
	go func() {
		res, err := h.sync.SyncNow(context.Background())
		assert.NoError(t, err)
		first <- res
	}()
	<-entered
	assert.True(t, h.sync.InProgress())
	assert.Equal(t, models.StatusSyncing, h.entry(t, e.ID).Status)

	res, err := h.sync.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	close(release)
	assert.Equal(t, Result{Synced: 1}, <-first)
	assert.Equal(t, 1, h.remote.count(e.ID))
	assert.False(t, h.sync.InProgress())
}

func TestCoordinator_ClaimedEntryIsSkipped(t *testing.T) {
	h := newHarness(t, fakeSessions{}, Options{})
	e := h.enqueue(t, "entry")

	require.True(t, h.sync.claim(e.ID))
	o, err := h.sync.deliver(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, outcomeSkipped, o)
	h.sync.unclaim(e.ID)

	ok, err := h.queue.MarkSyncing(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, ok)
	o, err = h.sync.deliver(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, outcomeSkipped, o)
	assert.Zero(t, h.remote.count(e.ID))
}

func TestCoordinator_TriggerRunsPass(t *testing.T) {
	h := newHarness(t, fakeSessions{}, Options{})
	e := h.enqueue(t, "entry")

	// triggers never block, extra ones collapse
	h.sync.Trigger(TriggerPush)
	h.sync.Trigger(TriggerPush)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sync.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return h.remote.count(e.ID) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestCoordinator_TimerSkipsWhileOffline(t *testing.T) {
	h := newHarness(t, fakeSessions{}, Options{Interval: 10 * time.Millisecond})
	h.conn.online.Store(false)
	e := h.enqueue(t, "entry")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sync.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.remote.count(e.ID))

	h.conn.online.Store(true)
	assert.Eventually(t, func() bool { return h.remote.count(e.ID) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestCoordinator_CancelledPassReleasesEntries(t *testing.T) {
	h := newHarness(t, fakeSessions{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	h.remote.respond(func(*models.PendingEntry) error {
		cancel()
		return errors.New("context canceled")
	})
	e := h.enqueue(t, "entry")

	_, err := h.sync.SyncNow(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	got := h.entry(t, e.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
}
