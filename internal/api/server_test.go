package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/diarysync/internal/cache"
	"github.com/dmitrijs2005/diarysync/internal/common"
	"github.com/dmitrijs2005/diarysync/internal/connectivity"
	"github.com/dmitrijs2005/diarysync/internal/events"
	"github.com/dmitrijs2005/diarysync/internal/metrics"
	"github.com/dmitrijs2005/diarysync/internal/models"
	"github.com/dmitrijs2005/diarysync/internal/queue"
	"github.com/dmitrijs2005/diarysync/internal/repositories/pending"
	"github.com/dmitrijs2005/diarysync/internal/status"
	"github.com/dmitrijs2005/diarysync/internal/store"
	"github.com/dmitrijs2005/diarysync/internal/syncer"
)

type fakeSyncer struct {
	triggers atomic.Int64
	err      error
}

func (f *fakeSyncer) SyncNow(context.Context) (syncer.Result, error) {
	return syncer.Result{Synced: 1}, f.err
}
func (f *fakeSyncer) Trigger(string)                       { f.triggers.Add(1) }
func (f *fakeSyncer) InProgress() bool                     { return false }
func (f *fakeSyncer) LastSyncAt(context.Context) time.Time { return time.Time{} }

type fakeConn struct{}

func (fakeConn) IsOnline() bool        { return true }
func (fakeConn) LastOnline() time.Time { return time.Time{} }
func (fakeConn) Subscribe() (<-chan connectivity.Transition, func()) {
	return make(chan connectivity.Transition), func() {}
}

type fakeSessions struct{ user string }

func (f fakeSessions) UserID(context.Context) (string, error) {
	if f.user == "" {
		return "", common.ErrNoSession
	}
	return f.user, nil
}

type env struct {
	srv      *httptest.Server
	upstream *httptest.Server
	queue    *queue.Queue
	broker   *events.Broker
	syncer   *fakeSyncer
}

func newEnv(t *testing.T, q *queue.Queue, sessions Sessions, adminToken string) *env {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	if q == nil {
		q = queue.NewQueue(st.Pending, 3, nil)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))
	t.Cleanup(upstream.Close)

	origins, err := cache.ParseOrigins(upstream.URL)
	require.NoError(t, err)
	m := metrics.New()
	engine := cache.NewEngine(cache.Config{}, origins, st.Responses, nil, m, nil)
	t.Cleanup(engine.Close)

	broker := events.NewBroker(m)
	t.Cleanup(broker.Close)
	sy := &fakeSyncer{}
	surface := status.NewSurface(q, sy, fakeConn{}, broker, sessions, nil)

	s := New(Deps{
		Entries:    q,
		Status:     surface,
		Cache:      engine,
		Syncer:     sy,
		Events:     broker,
		Sessions:   sessions,
		Metrics:    m.Handler(),
		AdminToken: adminToken,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &env{srv: srv, upstream: upstream, queue: q, broker: broker, syncer: sy}
}

func (e *env) do(t *testing.T, method, path string, body any, header ...string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func TestAPI_EntryLifecycle(t *testing.T) {
	e := newEnv(t, nil, fakeSessions{user: "u1"}, "")

	resp, body := e.do(t, http.MethodPost, "/entries", CreateEntryRequest{
		Payload: models.Payload{Text: "Finished 5k run", Category: "fitness"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created models.PendingEntry
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "u1", created.UserID)
	assert.Equal(t, models.StatusPending, created.Status)
	assert.Equal(t, int64(1), e.syncer.triggers.Load())

	resp, body = e.do(t, http.MethodGet, "/entries", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.PendingEntry
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	resp, body = e.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap status.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, 1, snap.PendingCount)
	assert.True(t, snap.IsOnline)

	resp, _ = e.do(t, http.MethodPost, "/entries/"+created.ID+"/retry", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/entries/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = e.do(t, http.MethodDelete, "/entries/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "not_found")

	resp, _ = e.do(t, http.MethodPost, "/entries/nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_CreateEntryErrors(t *testing.T) {
	e := newEnv(t, nil, fakeSessions{}, "")

	resp, body := e.do(t, http.MethodPost, "/entries", CreateEntryRequest{UserID: "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "validation_error")

	resp, body = e.do(t, http.MethodPost, "/entries", CreateEntryRequest{Payload: models.Payload{Text: "x"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "no_session")

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/entries", strings.NewReader("{"))
	require.NoError(t, err)
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestAPI_CreateEntryStorageUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.ExpectExec("INSERT INTO pending_entries").WillReturnError(errors.New("disk full"))

	e := newEnv(t, queue.NewQueue(pending.NewSQLiteRepository(db), 3, nil), fakeSessions{user: "u1"}, "")
	resp, body := e.do(t, http.MethodPost, "/entries", CreateEntryRequest{Payload: models.Payload{Text: "x"}})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "storage_unavailable")
	assert.Zero(t, e.syncer.triggers.Load())
}

func TestAPI_SyncAndPush(t *testing.T) {
	e := newEnv(t, nil, fakeSessions{user: "u1"}, "")

	resp, body := e.do(t, http.MethodPost, "/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"synced":1,"failed":0,"skipped":0}`, string(body))

	e.syncer.err = syncer.ErrOffline
	resp, body = e.do(t, http.MethodPost, "/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "offline")

	resp, _ = e.do(t, http.MethodPost, "/push", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, int64(1), e.syncer.triggers.Load())
}

func TestAPI_AdminRequiresToken(t *testing.T) {
	e := newEnv(t, nil, fakeSessions{user: "u1"}, "s3cret")

	resp, _ := e.do(t, http.MethodGet, "/admin/cache", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/admin/cache", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.do(t, http.MethodGet, "/admin/cache", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestAPI_FetchAndCacheAdmin(t *testing.T) {
	e := newEnv(t, nil, fakeSessions{user: "u1"}, "")
	target := e.upstream.URL + "/functions/v1/entries"

	resp, body := e.do(t, http.MethodGet, "/fetch?url="+target, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"path":"/functions/v1/entries"}`, string(body))
	assert.Equal(t, "miss", resp.Header.Get(cache.CacheHeader))

	resp, _ = e.do(t, http.MethodGet, "/fetch?url="+target, nil)
	assert.Equal(t, "hit", resp.Header.Get(cache.CacheHeader))

	resp, body = e.do(t, http.MethodPost, "/admin/cache/preload", PreloadRequest{URLs: []string{e.upstream.URL + "/app.js"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pre cache.PreloadResult
	require.NoError(t, json.Unmarshal(body, &pre))
	assert.Len(t, pre.Stored, 1)

	resp, body = e.do(t, http.MethodGet, "/admin/cache/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats models.CacheStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 2, stats.Partitions)
	assert.Equal(t, 2, stats.Entries)

	_, body = e.do(t, http.MethodPost, "/admin/cache/invalidate-api", nil)
	assert.JSONEq(t, `{"deleted":true}`, string(body))
	_, body = e.do(t, http.MethodPost, "/admin/cache/invalidate-api", nil)
	assert.JSONEq(t, `{"deleted":false}`, string(body))

	_, body = e.do(t, http.MethodPost, "/admin/cache/invalidate-url", InvalidateURLRequest{URL: e.upstream.URL + "/app.js"})
	assert.JSONEq(t, `{"deleted":true}`, string(body))
	resp, _ = e.do(t, http.MethodPost, "/admin/cache/invalidate-url", InvalidateURLRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = e.do(t, http.MethodDelete, "/admin/cache/diary-static-v1", nil)
	assert.JSONEq(t, `{"deleted":false}`, string(body))
	_, body = e.do(t, http.MethodDelete, "/admin/cache", nil)
	assert.JSONEq(t, `{"deleted":0}`, string(body))
}

func TestAPI_FetchRejectsRelativeURL(t *testing.T) {
	e := newEnv(t, nil, fakeSessions{user: "u1"}, "")
	resp, _ := e.do(t, http.MethodGet, "/fetch?url=/app.js", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_FetchRejectsForeignOrigin(t *testing.T) {
	var hits atomic.Int64
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(foreign.Close)

	e := newEnv(t, nil, fakeSessions{user: "u1"}, "")
	resp, body := e.do(t, http.MethodGet, "/fetch?url="+foreign.URL+"/anything", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "forbidden_origin")
	assert.Zero(t, hits.Load())
}

func TestAPI_RemoveEntryInFlight(t *testing.T) {
	e := newEnv(t, nil, fakeSessions{user: "u1"}, "")
	ctx := context.Background()
	entry, err := e.queue.Enqueue(ctx, "u1", models.Payload{Text: "x"})
	require.NoError(t, err)
	ok, err := e.queue.MarkSyncing(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, ok)

	resp, body := e.do(t, http.MethodDelete, "/entries/"+entry.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "entry_busy")

	got, err := e.queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSyncing, got.Status)
}

func TestAPI_Metrics(t *testing.T) {
	e := newEnv(t, nil, fakeSessions{user: "u1"}, "")
	resp, body := e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAPI_EventStream(t *testing.T) {
	e := newEnv(t, nil, fakeSessions{user: "u1"}, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first StreamMessage
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, "status", first.Kind)

	require.Eventually(t, func() bool { return e.broker.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	e.broker.Publish(models.SyncEvent{Type: models.EventEntrySynced, EntryID: "e1"})

	var msg StreamMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	require.Equal(t, "event", msg.Kind)
	assert.Equal(t, "e1", msg.Event.EntryID)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	s := New(Deps{})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/nope")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
