package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/parimutuel/internal/model"
)

// RedisConfig holds connection parameters for the Redis client. URL takes
// precedence over the discrete fields when set.
type RedisConfig struct {
	URL        string
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// OpenRedis creates a Redis client and pings it to verify connectivity.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:       cfg.Addr,
			Password:   cfg.Password,
			DB:         cfg.DB,
			PoolSize:   cfg.PoolSize,
			MaxRetries: cfg.MaxRetries,
		}
		if cfg.TLSEnabled {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Entries are stored in the fixed binary record layout. Committed
// updates invalidate every key they touched; ledger operations themselves
// always read through the primary's Tx, so the cache only serves views.
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

func (s *CachedStore) Update(ctx context.Context, keys []model.ID, fn func(Tx) error) error {
	if err := s.primary.Update(ctx, keys, fn); err != nil {
		return err
	}
	s.invalidate(ctx, keys)
	return nil
}

func (s *CachedStore) Deposit(ctx context.Context, account model.ID, amount uint64) error {
	return s.primary.Deposit(ctx, account, amount)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id model.ID) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		m := model.Market{ID: id}
		if m.UnmarshalBinary(data) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := m.MarshalBinary(); err == nil {
		s.rdb.Set(ctx, marketKey(id), data, s.ttl)
	}
	return m, nil
}

func (s *CachedStore) GetBetRecord(ctx context.Context, key model.ID) (*model.BetRecord, error) {
	data, err := s.rdb.Get(ctx, betRecordKey(key)).Bytes()
	if err == nil {
		var r model.BetRecord
		if r.UnmarshalBinary(data) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetBetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if data, err := r.MarshalBinary(); err == nil {
		s.rdb.Set(ctx, betRecordKey(key), data, s.ttl)
	}
	return r, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListBetRecords(ctx context.Context, marketID model.ID) ([]model.BetRecord, error) {
	return s.primary.ListBetRecords(ctx, marketID)
}

func (s *CachedStore) Balance(ctx context.Context, account model.ID) (uint64, error) {
	return s.primary.Balance(ctx, account)
}

func (s *CachedStore) ReservedFloor() uint64 { return s.primary.ReservedFloor() }

// --- Cache helpers ---

// invalidate drops both namespaces for every scope key; a scope key is a
// market, a bet record key, or an account, and only the first two are cached.
func (s *CachedStore) invalidate(ctx context.Context, keys []model.ID) {
	if len(keys) == 0 {
		return
	}
	cacheKeys := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		cacheKeys = append(cacheKeys, marketKey(k), betRecordKey(k))
	}
	s.rdb.Del(ctx, cacheKeys...)
}

func marketKey(id model.ID) string     { return fmt.Sprintf("market:%s", id.Hex()) }
func betRecordKey(key model.ID) string { return fmt.Sprintf("betrecord:%s", key.Hex()) }
