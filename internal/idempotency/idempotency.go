// Package idempotency dedupes retried submissions per contributor.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"annotask/internal/apperr"
	"annotask/internal/domain"
	"annotask/internal/repo"
)

const (
	DefaultWindow    = 24 * time.Hour
	DefaultCacheSize = 5000
	// HeaderName carries the client supplied key.
	HeaderName = "Idempotency-Key"
)

// Guard records (contributor, key) pairs in the store. With a response
// cache it also keeps the first response for a key so retries get the
// same answer instead of a replay error.
type Guard struct {
	store  repo.IdempotencyStore
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
	cache  *lru.Cache[string, []byte]
}

type Option func(*Guard)

func WithWindow(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithResponseCache keeps up to size responses, evicting the oldest first.
// Replays do not refresh an entry.
func WithResponseCache(size int) Option {
	return func(g *Guard) {
		if size <= 0 {
			size = DefaultCacheSize
		}
		cache, err := lru.New[string, []byte](size)
		if err == nil {
			g.cache = cache
		}
	}
}

func New(store repo.IdempotencyStore, opts ...Option) *Guard {
	g := &Guard{store: store, window: DefaultWindow, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func cacheKey(contributorID, key string) string {
	return contributorID + "\x00" + key
}

// Begin claims key for the contributor. A cached response for the key is
// returned as-is; a key already claimed without a cached response fails
// with IDEMPOTENCY_REPLAY.
func (g *Guard) Begin(ctx context.Context, contributorID, key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apperr.New(apperr.CodeIdempotencyRequired, http.StatusBadRequest, "Idempotency-Key header is required")
	}
	if g.cache != nil {
		if body, ok := g.cache.Peek(cacheKey(contributorID, key)); ok {
			return body, nil
		}
	}
	now := g.now().UTC()
	if _, err := g.store.PruneIdempotencyKeys(ctx, now.Add(-g.window)); err != nil {
		g.logger.Warn("idempotency prune failed", "error", err)
	}
	err := g.store.InsertIdempotencyKey(ctx, domain.IdempotencyKey{ContributorID: contributorID, Key: key, CreatedAt: now})
	if errors.Is(err, repo.ErrConflict) {
		return nil, apperr.New(apperr.CodeIdempotencyReplay, http.StatusConflict, "Duplicate submission")
	}
	if err != nil {
		return nil, apperr.Wrap(fmt.Errorf("record idempotency key: %w", err), "Failed to record idempotency key")
	}
	return nil, nil
}

// Remember caches the response produced for key.
func (g *Guard) Remember(contributorID, key string, body []byte) {
	if g.cache == nil {
		return
	}
	g.cache.Add(cacheKey(contributorID, strings.TrimSpace(key)), body)
}

// Forget drops the key so a failed submission can be retried with it.
func (g *Guard) Forget(ctx context.Context, contributorID, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	if err := g.store.DeleteIdempotencyKey(ctx, contributorID, key); err != nil && !errors.Is(err, repo.ErrNotFound) {
		g.logger.Warn("idempotency key release failed", "contributor_id", contributorID, "error", err)
	}
}

// Cached reports how many responses the cache currently holds.
func (g *Guard) Cached() int {
	if g.cache == nil {
		return 0
	}
	return g.cache.Len()
}
