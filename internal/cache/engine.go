// Package cache is the request-caching layer: it classifies outbound reads,
// serves them under a per-class strategy and keeps responses in named,
// versioned partitions backed by the responses repository.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrijs2005/diarysync/internal/logging"
	"github.com/dmitrijs2005/diarysync/internal/metrics"
	"github.com/dmitrijs2005/diarysync/internal/models"
	"github.com/dmitrijs2005/diarysync/internal/repositories/responses"
)

// CacheHeader tells callers how a response was produced.
const CacheHeader = "X-Cache"

const (
	stateHit      = "hit"
	stateStale    = "stale"
	stateMiss     = "miss"
	stateNetwork  = "network"
	stateFallback = "fallback"
	stateBypass   = "bypass"
)

var errClosed = errors.New("cache: engine closed")

// storedHeaders are the response headers kept alongside a cached body.
var storedHeaders = []string{
	"Content-Type", "Content-Language", "Cache-Control",
	"ETag", "Last-Modified", "Vary",
}

type Config struct {
	Prefix             string
	Version            string
	APITTL             time.Duration
	StaticTTL          time.Duration
	ImageTTL           time.Duration
	RequestTimeout     time.Duration
	OfflineFallbackURL string
	PreloadConcurrency int
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "diary"
	}
	if c.Version == "" {
		c.Version = "v1"
	}
	if c.APITTL <= 0 {
		c.APITTL = 5 * time.Minute
	}
	if c.StaticTTL <= 0 {
		c.StaticTTL = 24 * time.Hour
	}
	if c.ImageTTL <= 0 {
		c.ImageTTL = 7 * 24 * time.Hour
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.PreloadConcurrency <= 0 {
		c.PreloadConcurrency = 4
	}
	return c
}

type Engine struct {
	cfg     Config
	origins *Origins
	store   responses.Repository
	client  *http.Client
	metrics *metrics.Metrics
	logger  logging.Logger
	now     func() time.Time

	flights singleflight.Group
	// epoch moves on every invalidation so in-flight fetches started
	// before it neither join new callers nor write their result.
	epoch atomic.Uint64
	// inval is held exclusively while the epoch moves and the invalidated
	// rows are deleted, and shared by writers checking the epoch.
	inval sync.RWMutex

	mu     sync.Mutex
	closed bool
	bg     sync.WaitGroup
	bgCtx  context.Context
	stop   context.CancelFunc
}

// NewEngine builds an engine over store. transport is the upstream
// RoundTripper; nil means http.DefaultTransport.
func NewEngine(cfg Config, origins *Origins, store responses.Repository, transport http.RoundTripper,
	m *metrics.Metrics, logger logging.Logger) *Engine {

	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg.withDefaults(),
		origins: origins,
		store:   store,
		client:  &http.Client{Transport: transport},
		metrics: m,
		logger:  logger.With("component", "cache"),
		now:     time.Now,
		bgCtx:   ctx,
		stop:    cancel,
	}
}

// Partition returns the current-version partition name for class.
func (e *Engine) Partition(class models.ResourceClass) string {
	var kind string
	switch class {
	case models.ClassAPI:
		kind = "api"
	case models.ClassStatic:
		kind = "static"
	case models.ClassImage:
		kind = "images"
	case models.ClassNavigation:
		kind = "pages"
	default:
		return ""
	}
	return fmt.Sprintf("%s-%s-%s", e.cfg.Prefix, kind, e.cfg.Version)
}

// CurrentPartitions lists the partitions the running version writes to.
func (e *Engine) CurrentPartitions() []string {
	return []string{
		e.Partition(models.ClassAPI),
		e.Partition(models.ClassStatic),
		e.Partition(models.ClassImage),
		e.Partition(models.ClassNavigation),
	}
}

func (e *Engine) isCurrent(name string) bool {
	for _, p := range e.CurrentPartitions() {
		if p == name {
			return true
		}
	}
	return false
}

func (e *Engine) ttl(class models.ResourceClass) time.Duration {
	switch class {
	case models.ClassAPI:
		return e.cfg.APITTL
	case models.ClassImage:
		return e.cfg.ImageTTL
	default:
		return e.cfg.StaticTTL
	}
}

func strategyFor(class models.ResourceClass) models.Strategy {
	switch class {
	case models.ClassAPI:
		return models.StrategyStaleWhileRevalidate
	case models.ClassNavigation:
		return models.StrategyNetworkFirst
	default:
		return models.StrategyCacheFirst
	}
}

// RoundTrip lets the engine sit under an http.Client.
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	return e.Fetch(req.Context(), req)
}

// Fetch serves req under the strategy of its resource class.
func (e *Engine) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	class := Classify(req, e.origins)
	switch class {
	case models.ClassAPI:
		return e.staleWhileRevalidate(ctx, req)
	case models.ClassStatic, models.ClassImage:
		return e.cacheFirst(ctx, req, class)
	case models.ClassNavigation:
		return e.networkFirst(ctx, req)
	}
	e.metrics.CacheLookup(string(class), stateBypass)
	return e.passThrough(ctx, req)
}

// Close stops background revalidation and waits for it to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stop()
	e.bg.Wait()
}

func (e *Engine) enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.bg.Add(1)
	return true
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req *http.Request) (*http.Response, error) {
	partition := e.Partition(models.ClassAPI)
	key := requestKey(req)
	class := string(models.ClassAPI)

	if cached := e.lookup(ctx, partition, key); cached != nil {
		state := stateHit
		if !cached.Fresh(e.now()) {
			state = stateStale
		}
		e.metrics.CacheLookup(class, state)
		e.startRefresh(req, partition, key, models.ClassAPI)
		return cachedResponse(req, cached, state), nil
	}

	e.metrics.CacheLookup(class, stateMiss)
	f, err := e.shared(ctx, req, partition, key, models.ClassAPI)
	if err != nil {
		return nil, err
	}
	return f.response(req, stateMiss), nil
}

func (e *Engine) cacheFirst(ctx context.Context, req *http.Request, class models.ResourceClass) (*http.Response, error) {
	partition := e.Partition(class)
	key := requestKey(req)

	cached := e.lookup(ctx, partition, key)
	if cached != nil && cached.Fresh(e.now()) {
		e.metrics.CacheLookup(string(class), stateHit)
		return cachedResponse(req, cached, stateHit), nil
	}

	f, err := e.shared(ctx, req, partition, key, class)
	if err != nil {
		if cached != nil && ctx.Err() == nil {
			e.metrics.CacheLookup(string(class), stateFallback)
			e.logger.Debug(ctx, "serving expired entry", "key", key, "error", err)
			return cachedResponse(req, cached, stateStale), nil
		}
		return nil, err
	}
	e.metrics.CacheLookup(string(class), stateMiss)
	return f.response(req, stateMiss), nil
}

func (e *Engine) networkFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	partition := e.Partition(models.ClassNavigation)
	key := requestKey(req)
	class := string(models.ClassNavigation)

	epoch := e.epoch.Load()
	f, err := e.fetch(ctx, req)
	if err == nil {
		if e.cacheable(f) {
			e.storeIfCurrent(context.WithoutCancel(ctx), epoch, partition, key, req, f, models.ClassNavigation)
		}
		e.metrics.CacheLookup(class, stateNetwork)
		return f.response(req, stateNetwork), nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	if cached := e.lookup(ctx, partition, key); cached != nil {
		e.metrics.CacheLookup(class, stateFallback)
		return cachedResponse(req, cached, stateStale), nil
	}
	if e.cfg.OfflineFallbackURL != "" {
		if u, rerr := e.origins.Resolve(e.cfg.OfflineFallbackURL); rerr == nil {
			if page := e.lookup(ctx, partition, BuildKey(http.MethodGet, u.String())); page != nil {
				e.metrics.CacheLookup(class, stateFallback)
				return cachedResponse(req, page, stateFallback), nil
			}
		}
	}
	e.metrics.CacheLookup(class, stateMiss)
	return nil, err
}

func (e *Engine) passThrough(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	out := req.Clone(ctx)
	out.RequestURI = ""
	resp, err := e.client.Do(out)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// flightKey scopes single-flight by epoch so invalidation detaches callers
// from fetches that started before it.
func (e *Engine) flightKey(partition, key string) (string, uint64) {
	epoch := e.epoch.Load()
	return fmt.Sprintf("%d\x00%s\x00%s", epoch, partition, key), epoch
}

// refreshFunc fetches req under the engine's own context and stores the
// result; concurrent callers for the same resource share one call.
func (e *Engine) refreshFunc(req *http.Request, partition, key string, class models.ResourceClass, epoch uint64) func() (any, error) {
	// detach from the caller's context: a short-lived request must not
	// abort a fetch other callers (or the cache) are waiting on
	bgReq := req.Clone(context.Background())
	return func() (any, error) {
		if !e.enter() {
			return nil, errClosed
		}
		defer e.bg.Done()

		f, err := e.fetch(e.bgCtx, bgReq)
		if err != nil {
			e.metrics.Revalidation("failed")
			e.logger.Debug(e.bgCtx, "refresh failed", "key", key, "error", err)
			return nil, err
		}
		if !e.cacheable(f) {
			e.metrics.Revalidation("uncacheable")
			return f, nil
		}
		prev, stored := e.storeIfCurrent(e.bgCtx, epoch, partition, key, bgReq, f, class)
		if !stored {
			return f, nil
		}
		if prev != nil && bytes.Equal(prev.Digest, f.digest()) {
			e.metrics.Revalidation("unchanged")
		} else {
			e.metrics.Revalidation("stored")
		}
		return f, nil
	}
}

// storeIfCurrent writes f unless an invalidation happened after epoch was
// read. It returns the entry it replaced and whether f was written.
func (e *Engine) storeIfCurrent(ctx context.Context, epoch uint64, partition, key string, req *http.Request,
	f *fetched, class models.ResourceClass) (*models.CachedResponse, bool) {

	e.inval.RLock()
	defer e.inval.RUnlock()
	if e.epoch.Load() != epoch {
		e.metrics.Revalidation("discarded")
		return nil, false
	}
	prev := e.lookup(ctx, partition, key)
	if err := e.put(ctx, partition, key, req, f, class); err != nil {
		return prev, false
	}
	return prev, true
}

// invalidate moves the epoch and runs del with no epoch-checked write in
// progress.
func (e *Engine) invalidate(del func()) {
	e.inval.Lock()
	defer e.inval.Unlock()
	e.epoch.Add(1)
	del()
}

func (e *Engine) startRefresh(req *http.Request, partition, key string, class models.ResourceClass) {
	fk, epoch := e.flightKey(partition, key)
	_ = e.flights.DoChan(fk, e.refreshFunc(req, partition, key, class, epoch))
}

// shared waits for the single-flight fetch of a resource. The fetch keeps
// running after ctx is done so that its result still lands in the cache.
func (e *Engine) shared(ctx context.Context, req *http.Request, partition, key string, class models.ResourceClass) (*fetched, error) {
	fk, epoch := e.flightKey(partition, key)
	ch := e.flights.DoChan(fk, e.refreshFunc(req, partition, key, class, epoch))
	select {
	case res := <-ch:
		if errors.Is(res.Err, errClosed) {
			return e.fetch(ctx, req)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*fetched), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetched is a fully buffered upstream response.
type fetched struct {
	status     int
	header     http.Header
	body       []byte
	finalURL   string
	redirected bool
}

func (f *fetched) digest() []byte {
	sum := blake2b.Sum256(f.body)
	return sum[:]
}

func (f *fetched) response(req *http.Request, state string) *http.Response {
	return buildResponse(req, f.status, f.header, f.body, state)
}

func (e *Engine) fetch(ctx context.Context, req *http.Request) (*fetched, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	out := req.Clone(ctx)
	out.RequestURI = ""
	resp, err := e.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	final := req.URL.String()
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &fetched{
		status:     resp.StatusCode,
		header:     resp.Header.Clone(),
		body:       body,
		finalURL:   final,
		redirected: final != req.URL.String(),
	}, nil
}

// cacheable: only complete, first-party, non-redirected 200s are stored.
func (e *Engine) cacheable(f *fetched) bool {
	if f.status != http.StatusOK || f.redirected {
		return false
	}
	u, err := e.origins.Resolve(f.finalURL)
	return err == nil && e.origins.Contains(u)
}

func (e *Engine) lookup(ctx context.Context, partition, key string) *models.CachedResponse {
	c, err := e.store.Get(ctx, partition, key)
	if err != nil {
		e.storeFailed(ctx, "get", err)
		return nil
	}
	return c
}

func (e *Engine) put(ctx context.Context, partition, key string, req *http.Request, f *fetched, class models.ResourceClass) error {
	now := e.now()
	header := http.Header{}
	for _, h := range storedHeaders {
		if v := f.header.Values(h); len(v) > 0 {
			header[h] = append([]string(nil), v...)
		}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	err := e.store.Put(ctx, &models.CachedResponse{
		Partition: partition,
		Key:       key,
		URL:       req.URL.String(),
		Method:    method,
		Status:    f.status,
		Header:    header,
		Body:      f.body,
		Digest:    f.digest(),
		Strategy:  strategyFor(class),
		StoredAt:  now,
		ExpiresAt: now.Add(e.ttl(class)),
	})
	if err != nil {
		e.storeFailed(ctx, "put", err)
	}
	return err
}

func (e *Engine) storeFailed(ctx context.Context, op string, err error) {
	e.metrics.CacheStoreFailure(op)
	e.logger.Warn(ctx, "cache storage failed", "op", op, "error", err)
}

func cachedResponse(req *http.Request, c *models.CachedResponse, state string) *http.Response {
	return buildResponse(req, c.Status, c.Header, c.Body, state)
}

func buildResponse(req *http.Request, status int, header http.Header, body []byte, state string) *http.Response {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(CacheHeader, state)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
