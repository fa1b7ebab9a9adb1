package connectivity

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dmitrijs2005/diarysync/internal/common"
	"github.com/dmitrijs2005/diarysync/internal/repositories/metadata"
	"github.com/dmitrijs2005/diarysync/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type fakePinger struct {
	up    atomic.Bool
	calls atomic.Int64
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls.Add(1)
	if f.up.Load() {
		return nil
	}
	return errors.New("dial tcp: connection refused")
}

func openMeta(t *testing.T) metadata.Repository {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st.Metadata
}

func TestMonitor_TransitionsAndLastOnline(t *testing.T) {
	meta := openMeta(t)
	p := &fakePinger{}
	m := NewMonitor(p, meta, 0, time.Second, nil, nil)
	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	ch, cancel := m.Subscribe()
	defer cancel()

	assert.False(t, m.Probe(context.Background()))
	assert.False(t, m.IsOnline())
	assert.True(t, m.LastOnline().IsZero())
	select {
	case tr := <-ch:
		t.Fatalf("unexpected transition %+v", tr)
	default:
	}

	p.up.Store(true)
	assert.True(t, m.Probe(context.Background()))
	tr := <-ch
	assert.True(t, tr.Online)
	assert.Equal(t, now, m.LastOnline())

	stored, ok, err := metadata.GetTime(context.Background(), meta, common.MetaLastOnline)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now, stored)

	p.up.Store(false)
	now = now.Add(time.Minute)
	m.Probe(context.Background())
	tr = <-ch
	assert.False(t, tr.Online)
	assert.Equal(t, now.Add(-time.Minute), m.LastOnline())
}

func TestMonitor_LoadRestoresLastOnline(t *testing.T) {
	meta := openMeta(t)
	seen := time.Date(2026, 10, 14, 22, 0, 0, 0, time.UTC)
	require.NoError(t, metadata.SetTime(context.Background(), meta, common.MetaLastOnline, seen))

	m := NewMonitor(&fakePinger{}, meta, 0, 0, nil, nil)
	m.Load(context.Background())
	assert.Equal(t, seen, m.LastOnline())
	assert.False(t, m.IsOnline())
}

func TestMonitor_SetOnlineWithoutChangeIsQuiet(t *testing.T) {
	m := NewMonitor(&fakePinger{}, nil, 0, 0, nil, nil)
	ch, cancel := m.Subscribe()

	m.SetOnline(context.Background(), true)
	m.SetOnline(context.Background(), true)
	assert.Len(t, ch, 1)

	cancel()
	m.SetOnline(context.Background(), false)
	assert.Len(t, ch, 1)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	p := &fakePinger{}
	p.up.Store(true)
	m := NewMonitor(p, nil, 10*time.Millisecond, time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.IsOnline())
	cancel()
	<-done
}
