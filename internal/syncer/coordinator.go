// Package syncer drains the offline write queue to the remote store when
// connectivity and a session allow it.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/diarysync/internal/common"
	"github.com/dmitrijs2005/diarysync/internal/connectivity"
	"github.com/dmitrijs2005/diarysync/internal/logging"
	"github.com/dmitrijs2005/diarysync/internal/metrics"
	"github.com/dmitrijs2005/diarysync/internal/models"
	"github.com/dmitrijs2005/diarysync/internal/queue"
	"github.com/dmitrijs2005/diarysync/internal/repositories/metadata"
)

// Trigger reasons, used as the metrics label of a pass.
const (
	TriggerManual  = "manual"
	TriggerOnline  = "online"
	TriggerTimer   = "timer"
	TriggerPush    = "push"
	TriggerEnqueue = "enqueue"
)

// ErrOffline is returned by SyncNow while the backend is unreachable.
var ErrOffline = fmt.Errorf("%w: offline", common.ErrNetworkUnreachable)

type Submitter interface {
	SubmitEntry(ctx context.Context, e *models.PendingEntry) error
}

type Sessions interface {
	UserID(ctx context.Context) (string, error)
}

// Invalidator drops cached API reads after a successful write.
type Invalidator interface {
	InvalidateAPI(ctx context.Context) bool
}

type Connectivity interface {
	IsOnline() bool
	Subscribe() (<-chan connectivity.Transition, func())
}

type Publisher interface {
	Publish(ev models.SyncEvent)
}

// DefaultClaimLease is how long a syncing entry is left alone before a pass
// treats its delivery as interrupted.
const DefaultClaimLease = time.Minute

type Options struct {
	Interval    time.Duration
	Concurrency int
	// ClaimLease must outlast one delivery attempt, including its request
	// timeout.
	ClaimLease time.Duration
}

// Result counts the outcomes of one pass.
type Result struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeSkipped
)

type Coordinator struct {
	queue    *queue.Queue
	remote   Submitter
	sessions Sessions
	cache    Invalidator
	conn     Connectivity
	events   Publisher
	meta     metadata.Repository
	metrics  *metrics.Metrics
	logger   logging.Logger
	now      func() time.Time

	interval    time.Duration
	concurrency int
	lease       time.Duration

	trigger chan string
	active  atomic.Int32

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewCoordinator(q *queue.Queue, remote Submitter, sessions Sessions, cache Invalidator,
	conn Connectivity, events Publisher, meta metadata.Repository, opts Options,
	m *metrics.Metrics, logger logging.Logger) *Coordinator {

	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = DefaultClaimLease
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{
		queue:       q,
		remote:      remote,
		sessions:    sessions,
		cache:       cache,
		conn:        conn,
		events:      events,
		meta:        meta,
		metrics:     m,
		logger:      logger.With("component", "syncer"),
		now:         time.Now,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		lease:       opts.ClaimLease,
		trigger:     make(chan string, 1),
		inflight:    map[string]struct{}{},
	}
}

// InProgress reports whether any pass is running.
func (c *Coordinator) InProgress() bool {
	return c.active.Load() > 0
}

// Trigger asks the run loop for a pass. While a pass is running at most one
// follow-up pass is queued.
func (c *Coordinator) Trigger(reason string) {
	select {
	case c.trigger <- reason:
	default:
	}
}

// Run drives passes from connectivity transitions, the periodic timer and
// Trigger until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	transitions, unsubscribe := c.conn.Subscribe()
	defer unsubscribe()

	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-transitions:
			if tr.Online {
				c.runPass(ctx, TriggerOnline)
			}
		case <-tick:
			if c.conn.IsOnline() {
				c.runPass(ctx, TriggerTimer)
			}
		case reason := <-c.trigger:
			c.runPass(ctx, reason)
		}
	}
}

func (c *Coordinator) runPass(ctx context.Context, trigger string) {
	res, err := c.pass(ctx, trigger)
	switch {
	case err == nil:
	case errors.Is(err, ErrOffline), errors.Is(err, context.Canceled):
		c.logger.Debug(ctx, "sync pass skipped", "trigger", trigger, "error", err)
	case errors.Is(err, common.ErrNoSession):
		c.logger.Warn(ctx, "sync pass stopped: sign-in required", "trigger", trigger)
	default:
		c.logger.Error(ctx, "sync pass failed", "trigger", trigger, "error", err, "synced", res.Synced)
	}
}

// SyncNow runs one pass in the caller's goroutine. Entries already being
// delivered by a concurrent pass are skipped.
func (c *Coordinator) SyncNow(ctx context.Context) (Result, error) {
	return c.pass(ctx, TriggerManual)
}

func (c *Coordinator) pass(ctx context.Context, trigger string) (Result, error) {
	var res Result
	if !c.conn.IsOnline() {
		return res, ErrOffline
	}

	started := c.now()
	c.active.Add(1)
	c.publish(models.SyncEvent{Type: models.EventSyncStart})

	err := c.drain(ctx, &res)

	if serr := metadata.SetTime(context.WithoutCancel(ctx), c.meta, common.MetaLastSync, c.now()); serr != nil {
		c.logger.Warn(ctx, "failed to record sync time", "error", serr)
	}
	if n, cerr := c.queue.PendingCount(context.WithoutCancel(ctx), ""); cerr == nil {
		c.metrics.SetPending(n)
	}
	c.metrics.SyncPass(trigger, c.now().Sub(started))

	c.active.Add(-1)
	c.publish(models.SyncEvent{
		Type:    models.EventSyncComplete,
		Synced:  res.Synced,
		Failed:  res.Failed,
		Skipped: res.Skipped,
	})
	c.logger.Info(ctx, "sync pass finished", "trigger", trigger,
		"synced", res.Synced, "failed", res.Failed, "skipped", res.Skipped)
	return res, err
}

func (c *Coordinator) drain(ctx context.Context, res *Result) error {
	userID, err := c.sessions.UserID(ctx)
	if err != nil {
		c.publish(models.SyncEvent{Type: models.EventEntrySyncFailed, Error: err.Error()})
		return err
	}

	// claims older than the lease were left by a crashed process
	if _, err := c.queue.RecoverInterrupted(ctx, c.lease); err != nil {
		c.logger.Warn(ctx, "failed to recover interrupted deliveries", "error", err)
	}

	entries, err := c.queue.Pending(ctx, userID)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	count := func(o outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeSynced:
			res.Synced++
		case outcomeFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, e := range entries {
		g.Go(func() error {
			if gctx.Err() != nil {
				count(outcomeSkipped)
				return nil
			}
			o, err := c.deliver(gctx, e)
			count(o)
			// a lost session ends the pass for every entry
			if errors.Is(err, common.ErrNoSession) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.publish(models.SyncEvent{Type: models.EventEntrySyncFailed, Error: err.Error()})
		return err
	}
	return ctx.Err()
}

func (c *Coordinator) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Coordinator) unclaim(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// deliver runs one attempt for e: pending -> syncing -> delivered, back to
// pending, or failed.
func (c *Coordinator) deliver(ctx context.Context, e *models.PendingEntry) (outcome, error) {
	if !c.claim(e.ID) {
		return outcomeSkipped, nil
	}
	defer c.unclaim(e.ID)

	ok, err := c.queue.MarkSyncing(ctx, e.ID)
	if err != nil {
		c.logger.Error(ctx, "failed to claim entry", "id", e.ID, "error", err)
		return outcomeSkipped, nil
	}
	if !ok {
		return outcomeSkipped, nil
	}

	// bookkeeping must land even when the pass is being cancelled
	bg := context.WithoutCancel(ctx)

	err = c.remote.SubmitEntry(ctx, e)
	switch {
	case err == nil:
		if err := c.queue.MarkSynced(bg, e.ID); err != nil && !errors.Is(err, common.ErrNotFound) {
			// delivered but still queued; a redelivery is deduplicated by
			// the idempotency key
			c.logger.Error(ctx, "failed to remove delivered entry", "id", e.ID, "error", err)
		}
		if c.cache != nil {
			c.cache.InvalidateAPI(bg)
		}
		c.metrics.SyncAttempt("synced")
		c.publish(models.SyncEvent{Type: models.EventEntrySynced, EntryID: e.ID, Status: models.StatusSuccess})
		return outcomeSynced, nil

	case errors.Is(err, common.ErrNoSession):
		c.release(bg, e.ID)
		c.metrics.SyncAttempt("no_session")
		return outcomeSkipped, err

	case ctx.Err() != nil:
		c.release(bg, e.ID)
		return outcomeSkipped, nil
	}

	permanent := common.IsPermanent(err)
	updated, ferr := c.queue.MarkFailed(bg, e.ID, err, permanent)
	if ferr != nil {
		c.logger.Error(ctx, "failed to record delivery failure", "id", e.ID, "error", ferr)
		return outcomeFailed, nil
	}

	result := "retry"
	if permanent {
		result = "rejected"
	} else if updated.Status == models.StatusFailed {
		result = "exhausted"
	}
	c.metrics.SyncAttempt(result)
	c.logger.Warn(ctx, "entry delivery failed", "id", e.ID, "status", updated.Status,
		"retry_count", updated.RetryCount, "error", err)
	c.publish(models.SyncEvent{
		Type:    models.EventEntrySyncFailed,
		EntryID: e.ID,
		Error:   err.Error(),
		Status:  updated.Status,
	})
	return outcomeFailed, nil
}

func (c *Coordinator) release(ctx context.Context, id string) {
	if err := c.queue.Release(ctx, id); err != nil {
		c.logger.Error(ctx, "failed to release entry", "id", id, "error", err)
	}
}

func (c *Coordinator) publish(ev models.SyncEvent) {
	if c.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = c.now().UTC()
	}
	c.events.Publish(ev)
}

// LastSyncAt is the end of the most recent pass, zero when none ran.
func (c *Coordinator) LastSyncAt(ctx context.Context) time.Time {
	t, _, err := metadata.GetTime(ctx, c.meta, common.MetaLastSync)
	if err != nil {
		c.logger.Warn(ctx, "failed to read last sync time", "error", err)
	}
	return t
}
