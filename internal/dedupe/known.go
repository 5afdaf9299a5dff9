// Package dedupe answers "is this reel URL already stored?" before the insert is attempted.
//
// Lookups go L1 (in-process) → L2 (Redis, shared across runs and hosts) → the store.
// Only positive answers are cached: a known URL never becomes unknown. The store's
// unique index stays the authoritative gate; this is a cheap pre-check.
package dedupe

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checker is the authoritative lookup, normally store.Store.PostExists.
type Checker interface {
	PostExists(ctx context.Context, url string) (bool, error)
}

// Config configures a KnownURLs set.
type Config struct {
	RedisURL      string // empty disables L2
	TTL           time.Duration
	MaxEntries    int
	LookupTimeout time.Duration
}

// KnownURLs is a tiered set of stored reel URLs.
type KnownURLs struct {
	l1         sync.Map // key → expiry time.Time
	rdb        *redis.Client
	backing    Checker
	ttl        time.Duration
	maxEntries int
	timeout    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// New builds the set. An unreachable Redis disables L2 with a warning; backing may be nil.
func New(ctx context.Context, cfg Config, backing Checker) *KnownURLs {
	k := &KnownURLs{
		backing:    backing,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		timeout:    cfg.LookupTimeout,
	}
	if k.ttl <= 0 {
		k.ttl = 30 * 24 * time.Hour
	}
	if k.timeout <= 0 {
		k.timeout = 3 * time.Second
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Warn("dedupe: invalid redis URL, L2 disabled", slog.Any("error", err))
		} else {
			rdb := redis.NewClient(opts)
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := rdb.Ping(pingCtx).Err(); err != nil {
				slog.Warn("dedupe: redis unreachable, L2 disabled", slog.Any("error", err))
				rdb.Close()
			} else {
				k.rdb = rdb
				slog.Info("dedupe: L2 redis connected", slog.String("addr", opts.Addr))
			}
		}
	}
	return k
}

// Key builds the Redis key for url.
func Key(url string) string {
	hash := sha256.Sum256([]byte(url))
	return fmt.Sprintf("reels:url:%x", hash[:12])
}

// Has reports whether url is known to be stored. Lookup errors count as "unknown".
func (k *KnownURLs) Has(url string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.HasContext(ctx, url)
}

// HasContext is Has with a caller-supplied context.
func (k *KnownURLs) HasContext(ctx context.Context, url string) bool {
	key := Key(url)

	if val, ok := k.l1.Load(key); ok {
		if time.Now().Before(val.(time.Time)) {
			k.hits.Add(1)
			return true
		}
		k.l1.Delete(key)
	}

	if k.rdb != nil {
		n, err := k.rdb.Exists(ctx, key).Result()
		if err != nil {
			slog.Debug("dedupe: L2 lookup failed", slog.Any("error", err))
		} else if n > 0 {
			k.hits.Add(1)
			k.storeL1(key)
			return true
		}
	}

	if k.backing != nil {
		exists, err := k.backing.PostExists(ctx, url)
		if err != nil {
			slog.Debug("dedupe: store lookup failed", slog.String("url", url), slog.Any("error", err))
		} else if exists {
			k.hits.Add(1)
			k.Add(ctx, url)
			return true
		}
	}

	k.misses.Add(1)
	return false
}

// Add records url as stored in L1 and L2.
func (k *KnownURLs) Add(ctx context.Context, url string) {
	key := Key(url)
	k.storeL1(key)
	if k.rdb != nil {
		if err := k.rdb.Set(ctx, key, 1, k.ttl).Err(); err != nil {
			slog.Debug("dedupe: L2 set failed", slog.Any("error", err))
		}
	}
}

// Stats returns hit/miss counters.
func (k *KnownURLs) Stats() (hits, misses int64) {
	return k.hits.Load(), k.misses.Load()
}

// Close releases the Redis connection, if any.
func (k *KnownURLs) Close() error {
	if k.rdb == nil {
		return nil
	}
	return k.rdb.Close()
}

func (k *KnownURLs) storeL1(key string) {
	k.evictIfNeeded()
	k.l1.Store(key, time.Now().Add(k.ttl))
}

// evictIfNeeded removes entries when L1 exceeds maxEntries.
// Removes expired entries first, then the soonest-expiring ones.
func (k *KnownURLs) evictIfNeeded() {
	if k.maxEntries <= 0 {
		return
	}
	count := 0
	k.l1.Range(func(_, _ any) bool {
		count++
		return true
	})
	if count < k.maxEntries {
		return
	}

	now := time.Now()
	k.l1.Range(func(key, val any) bool {
		if now.After(val.(time.Time)) {
			k.l1.Delete(key)
			count--
		}
		return count >= k.maxEntries
	})

	for count >= k.maxEntries {
		var oldestKey any
		oldestAt := now.Add(k.ttl + time.Hour)
		k.l1.Range(func(key, val any) bool {
			if exp := val.(time.Time); exp.Before(oldestAt) {
				oldestKey, oldestAt = key, exp
			}
			return true
		})
		if oldestKey == nil {
			break
		}
		k.l1.Delete(oldestKey)
		count--
	}
}
