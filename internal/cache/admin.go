package cache

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/diarysync/internal/models"
)

// Admin operations never fail outward: storage errors are logged and the
// zero value is returned.

// ListPartitions reports every stored partition with its size.
func (e *Engine) ListPartitions(ctx context.Context) []models.PartitionInfo {
	parts, err := e.store.ListPartitions(ctx)
	if err != nil {
		e.storeFailed(ctx, "list", err)
		return []models.PartitionInfo{}
	}
	if parts == nil {
		parts = []models.PartitionInfo{}
	}
	return parts
}

func (e *Engine) Stats(ctx context.Context) models.CacheStats {
	var s models.CacheStats
	for _, p := range e.ListPartitions(ctx) {
		s.Partitions++
		s.Entries += p.EntryCount
		s.Bytes += p.ByteSize
	}
	return s
}

// DeletePartition removes one partition, reporting whether it existed.
func (e *Engine) DeletePartition(ctx context.Context, name string) bool {
	var (
		n   int
		err error
	)
	e.invalidate(func() { n, err = e.store.DeletePartitions(ctx, name) })
	if err != nil {
		e.storeFailed(ctx, "delete", err)
		return false
	}
	return n > 0
}

// DeleteAll removes every partition and returns how many went away.
func (e *Engine) DeleteAll(ctx context.Context) int {
	names := partitionNames(e.ListPartitions(ctx))
	if len(names) == 0 {
		return 0
	}
	var (
		n   int
		err error
	)
	e.invalidate(func() { n, err = e.store.DeletePartitions(ctx, names...) })
	if err != nil {
		e.storeFailed(ctx, "delete", err)
		return 0
	}
	e.logger.Info(ctx, "cache cleared", "partitions", n)
	return n
}

// InvalidateAPI drops the current API partition. Subsequent API reads miss
// and go to the network. Invalidating an absent partition is a no-op.
func (e *Engine) InvalidateAPI(ctx context.Context) bool {
	return e.DeletePartition(ctx, e.Partition(models.ClassAPI))
}

// InvalidateURL drops every stored response for rawURL across partitions.
func (e *Engine) InvalidateURL(ctx context.Context, rawURL string) bool {
	u, err := e.origins.Resolve(rawURL)
	if err != nil {
		e.logger.Warn(ctx, "invalid url for invalidation", "url", rawURL, "error", err)
		return false
	}
	u.Fragment = ""
	var n int64
	e.invalidate(func() { n, err = e.store.DeleteByURL(ctx, u.String()) })
	if err != nil {
		e.storeFailed(ctx, "delete", err)
		return false
	}
	return n > 0
}

// Activate sweeps partitions that do not belong to the running version.
func (e *Engine) Activate(ctx context.Context) int {
	var stale []string
	for _, name := range partitionNames(e.ListPartitions(ctx)) {
		if !e.isCurrent(name) {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return 0
	}
	n, err := e.store.DeletePartitions(ctx, stale...)
	if err != nil {
		e.storeFailed(ctx, "delete", err)
		return 0
	}
	e.logger.Info(ctx, "stale cache partitions removed", "partitions", strings.Join(stale, ","))
	return n
}

// PreloadResult lists per-URL outcomes of a preload.
type PreloadResult struct {
	Stored []string          `json:"stored"`
	Failed map[string]string `json:"failed"`
}

// Preload fetches urls and stores them. An empty partition picks the
// partition of each URL's resource class.
func (e *Engine) Preload(ctx context.Context, partition string, urls []string) PreloadResult {
	res := PreloadResult{Stored: []string{}, Failed: map[string]string{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.PreloadConcurrency)
	for _, raw := range urls {
		g.Go(func() error {
			err := e.preloadOne(gctx, partition, raw)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[raw] = err.Error()
			} else {
				res.Stored = append(res.Stored, raw)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Stored)
	return res
}

func (e *Engine) preloadOne(ctx context.Context, partition, raw string) error {
	u, err := e.origins.Resolve(raw)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	class := Classify(req, e.origins)
	if partition == "" {
		if class == models.ClassNone {
			return fmt.Errorf("%s is not cacheable", u)
		}
		partition = e.Partition(class)
	}
	if class == models.ClassNone {
		class = models.ClassStatic
	}

	f, err := e.fetch(ctx, req)
	if err != nil {
		return err
	}
	if !e.cacheable(f) {
		return fmt.Errorf("not cacheable: HTTP %d", f.status)
	}
	return e.put(ctx, partition, requestKey(req), req, f, class)
}

func partitionNames(parts []models.PartitionInfo) []string {
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		names = append(names, p.Name)
	}
	return names
}
