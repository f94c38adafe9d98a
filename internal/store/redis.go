package store

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-ledger/internal/metrics"
	"github.com/atmx/settlement-ledger/internal/model"
)

// generationKey is bumped after every committed transaction. Cached
// entries embed the generation they were read at, so a commit invalidates
// every cached query at once.
const generationKey = "ledger:generation"

// CachedStore wraps a primary Store with a Redis read-through cache for the
// query surface. Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary. Redis failures
// degrade to primary reads.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.primary.WithTx(ctx, fn); err != nil {
		return err
	}
	s.rdb.Incr(ctx, generationKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]model.DailyPositionSnapshot, error) {
	key := fmt.Sprintf("snapshots:%s:%s:%s:%s", f.From, f.To, f.Method, f.Symbol)
	return readThrough(ctx, s, key, func() ([]model.DailyPositionSnapshot, error) {
		return s.primary.ListSnapshots(ctx, f)
	})
}

func (s *CachedStore) ListMatches(ctx context.Context, f MatchFilter) ([]model.RealizedMatch, error) {
	key := fmt.Sprintf("matches:%s:%s:%s:%s", f.Symbol, f.Method, f.From, f.To)
	return readThrough(ctx, s, key, func() ([]model.RealizedMatch, error) {
		return s.primary.ListMatches(ctx, f)
	})
}

func (s *CachedStore) ListLots(ctx context.Context, method model.Method, symbol string) ([]model.OpenLot, error) {
	key := fmt.Sprintf("lots:%s:%s", method, symbol)
	return readThrough(ctx, s, key, func() ([]model.OpenLot, error) {
		return s.primary.ListLots(ctx, method, symbol)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx)
}

func (s *CachedStore) ListPrices(ctx context.Context) ([]model.PriceRecord, error) {
	return s.primary.ListPrices(ctx)
}

func (s *CachedStore) ListDayStatus(ctx context.Context) ([]model.DayStatus, error) {
	return s.primary.ListDayStatus(ctx)
}

func (s *CachedStore) PutHalt(ctx context.Context, h model.Halt) error {
	return s.primary.PutHalt(ctx, h)
}

func (s *CachedStore) DeleteHalt(ctx context.Context, method model.Method, symbol string) (bool, error) {
	return s.primary.DeleteHalt(ctx, method, symbol)
}

func (s *CachedStore) ListHalts(ctx context.Context) ([]model.Halt, error) {
	return s.primary.ListHalts(ctx)
}

// Close closes the redis client and the primary store.
func (s *CachedStore) Close() error {
	s.rdb.Close()
	return s.primary.Close()
}

// --- Cache helpers ---

func (s *CachedStore) generation(ctx context.Context) string {
	gen, err := s.rdb.Get(ctx, generationKey).Result()
	if err != nil {
		return "0"
	}
	return gen
}

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() ([]T, error)) ([]T, error) {
	full := "ledger:" + s.generation(ctx) + ":" + key

	data, err := s.rdb.Get(ctx, full).Bytes()
	if err == nil {
		var out []T
		if json.Unmarshal(data, &out) == nil {
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			return out, nil
		}
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	out, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(out); err == nil {
		s.rdb.Set(ctx, full, data, s.ttl)
	}
	return out, nil
}
