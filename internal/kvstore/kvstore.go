// Package kvstore backs the proxy_kv_store_* ABI family: a handle table
// over named Redis-backed stores, covering plain get, sorted-set
// range/scan, and bloom-filter membership.
package kvstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get for a missing key; callers map it to an
// empty StatusOk result rather than an error.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is one named key-value store bound to an app's proxy_kv_store_*
// calls.
type Store struct {
	Name   string
	client *redis.Client
	prefix string
	timeout time.Duration
}

// NewStore wraps an existing redis client. prefix namespaces all keys for
// this store so several named stores can share one redis instance/db,
// mirroring wudi-gateway's RedisStore prefix convention.
func NewStore(name string, client *redis.Client, prefix string) *Store {
	return &Store{Name: name, client: client, prefix: prefix, timeout: 200 * time.Millisecond}
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Store) key(k string) string { return s.prefix + k }

// Get returns the raw value for key, or ErrNotFound on miss.
func (s *Store) Get(key string) ([]byte, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ZRangeByScore backs proxy_kv_store_zrange_by_score via ZRANGEBYSCORE.
func (s *Store) ZRangeByScore(key string, min, max float64) (members []string, scores []float64, err error) {
	ctx, cancel := s.ctx()
	defer cancel()
	results, err := s.client.ZRangeByScoreWithScores(ctx, s.key(key), &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, nil, err
	}
	members = make([]string, len(results))
	scores = make([]float64, len(results))
	for i, z := range results {
		members[i], _ = z.Member.(string)
		scores[i] = z.Score
	}
	return members, scores, nil
}

// ZScan backs proxy_kv_store_zscan via ZSCAN, draining the cursor fully
// (modules expect one serialized-list answer, not a paged cursor).
func (s *Store) ZScan(key, pattern string) (members []string, scores []float64, err error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var cursor uint64
	for {
		page, next, err := s.client.ZScan(ctx, s.key(key), cursor, pattern, 100).Result()
		if err != nil {
			return nil, nil, err
		}
		for i := 0; i+1 < len(page); i += 2 {
			members = append(members, page[i])
			score, _ := parseScore(page[i+1])
			scores = append(scores, score)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return members, scores, nil
}

// Scan backs proxy_kv_store_scan via SCAN, draining the cursor fully.
func (s *Store) Scan(pattern string) ([]string, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var out []string
	var cursor uint64
	full := s.key(pattern)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, full, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			out = append(out, k[len(s.prefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// BFExists backs proxy_kv_store_bf_exists via RedisBloom's BF.EXISTS.
func (s *Store) BFExists(key, item string) (bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.client.Do(ctx, "BF.EXISTS", s.key(key), item).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Handles is the slice-backed handle table returned by
// proxy_kv_store_open.
type Handles struct {
	mu    sync.Mutex
	items []*Store
}

func (h *Handles) New(s *Store) int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, s)
	return int32(len(h.items) - 1)
}

func (h *Handles) Get(handle int32) *Store {
	h.mu.Lock()
	defer h.mu.Unlock()
	if handle < 0 || int(handle) >= len(h.items) {
		return nil
	}
	return h.items[handle]
}

// Registry resolves a kv store name to its Store, the lookup
// proxy_kv_store_open performs before minting a handle.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*Store
}

func NewRegistry() *Registry { return &Registry{items: make(map[string]*Store)} }

func (r *Registry) Add(s *Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[s.Name] = s
}

func (r *Registry) ByName(name string) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[name]
	return s, ok
}
