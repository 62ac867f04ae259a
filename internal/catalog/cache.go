package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/video-product-extractor/internal/product"
	"github.com/MimeLyc/video-product-extractor/internal/provider"
	"github.com/MimeLyc/video-product-extractor/pkg/log"
)

const (
	defaultCachePrefix = "vpe:search:"
	defaultCacheTTL    = 24 * time.Hour
)

// CachedSearcher caches successful searches in Redis and collapses identical concurrent queries.
// Failures are never cached. A nil client turns it into singleflight only.
type CachedSearcher struct {
	next   provider.CatalogSearcher
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	group  singleflight.Group
}

func NewCachedSearcher(next provider.CatalogSearcher, rdb redis.UniversalClient, ttl time.Duration) *CachedSearcher {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedSearcher{next: next, rdb: rdb, ttl: ttl, prefix: defaultCachePrefix}
}

func (s *CachedSearcher) key(query string, market product.Market) string {
	return s.prefix + string(market) + ":" + Normalize(query)
}

func (s *CachedSearcher) SearchCatalog(ctx context.Context, query string, market product.Market) ([]provider.CatalogHit, error) {
	key := s.key(query, market)
	if hits, ok := s.lookup(ctx, key); ok {
		return hits, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		hits, err := s.next.SearchCatalog(ctx, query, market)
		if err != nil {
			return nil, err
		}
		s.store(ctx, key, hits)
		return hits, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]provider.CatalogHit(nil), v.([]provider.CatalogHit)...), nil
}

func (s *CachedSearcher) lookup(ctx context.Context, key string) ([]provider.CatalogHit, bool) {
	if s.rdb == nil {
		return nil, false
	}
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug("search cache get %s: %v", key, err)
		}
		return nil, false
	}
	var hits []provider.CatalogHit
	if err := json.Unmarshal(raw, &hits); err != nil {
		log.Debug("search cache decode %s: %v", key, err)
		return nil, false
	}
	return hits, true
}

func (s *CachedSearcher) store(ctx context.Context, key string, hits []provider.CatalogHit) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(hits)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		log.Debug("search cache set %s: %v", key, err)
	}
}
