package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default freshness windows per entity kind. Content-addressed data is
// immutable and outlives everything else; chain state goes stale fast.
var defaultTTLs = map[Kind]time.Duration{
	KindContent:  24 * time.Hour,
	KindRecord:   time.Minute,
	KindList:     time.Minute,
	KindSnapshot: 5 * time.Minute,
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store is a two-layer cache: an in-process map in front of an optional
// Redis layer. Values are written whole per key; there is no partial
// field mutation.
type Store struct {
	rdb  *redis.Client
	mem  map[string]entry
	ttls map[Kind]time.Duration
	mu   sync.RWMutex
	log  zerolog.Logger
}

// New builds a Store. rdb may be nil, leaving only the memory layer.
func New(rdb *redis.Client, log zerolog.Logger) *Store {
	s := &Store{
		rdb:  rdb,
		mem:  make(map[string]entry),
		ttls: make(map[Kind]time.Duration, len(defaultTTLs)),
		log:  log,
	}
	for k, v := range defaultTTLs {
		s.ttls[k] = v
	}
	go s.janitor()
	return s
}

// SetTTL overrides the freshness window for a kind.
func (s *Store) SetTTL(kind Kind, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttls[kind] = d
}

// TTLFor returns the freshness window for a kind.
func (s *Store) TTLFor(kind Kind) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.ttls[kind]; ok {
		return d
	}
	return time.Minute
}

// Get returns the cached value for (kind, id, source) while it is
// fresh. A hit is authoritative; callers skip the network on true.
func (s *Store) Get(ctx context.Context, kind Kind, id, source string) ([]byte, bool) {
	key := Key(kind, id, source)

	s.mu.RLock()
	e, ok := s.mem[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(e.expiresAt) {
		return e.value, true
	}

	if s.rdb == nil {
		return nil, false
	}
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.Debug().Err(err).Str("key", key).Msg("redis get failed")
		}
		return nil, false
	}

	s.mu.Lock()
	s.mem[key] = entry{value: val, expiresAt: time.Now().Add(s.ttls[kind])}
	s.mu.Unlock()
	return val, true
}

// Set stores a whole value under (kind, id, source) in both layers.
func (s *Store) Set(ctx context.Context, kind Kind, id, source string, value []byte) {
	key := Key(kind, id, source)
	ttl := s.TTLFor(kind)

	s.mu.Lock()
	s.mem[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()

	if s.rdb != nil {
		if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
			s.log.Debug().Err(err).Str("key", key).Msg("redis set failed")
		}
	}
}

// GetJSON unmarshals a cached value into out.
func (s *Store) GetJSON(ctx context.Context, kind Kind, id, source string, out interface{}) bool {
	raw, ok := s.Get(ctx, kind, id, source)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.Debug().Err(err).Str("key", Key(kind, id, source)).Msg("cached value undecodable, dropping")
		s.Invalidate(ctx, kind, id, source)
		return false
	}
	return true
}

// SetJSON marshals v and stores it.
func (s *Store) SetJSON(ctx context.Context, kind Kind, id, source string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.Debug().Err(err).Msg("cache marshal failed")
		return
	}
	s.Set(ctx, kind, id, source, raw)
}

// Invalidate removes exactly one key from both layers.
func (s *Store) Invalidate(ctx context.Context, kind Kind, id, source string) {
	key := Key(kind, id, source)

	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()

	if s.rdb != nil {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			s.log.Debug().Err(err).Str("key", key).Msg("redis del failed")
		}
	}
}

// InvalidateKind removes every key of a kind. Used after writes to
// drop list and aggregate entries that could contain the mutated
// record.
func (s *Store) InvalidateKind(ctx context.Context, kind Kind) {
	prefix := kindPrefix(kind)

	s.mu.Lock()
	for key := range s.mem {
		if strings.HasPrefix(key, prefix) {
			delete(s.mem, key)
		}
	}
	s.mu.Unlock()

	if s.rdb == nil {
		return
	}
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			s.log.Debug().Err(err).Str("prefix", prefix).Msg("redis scan failed")
			return
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				s.log.Debug().Err(err).Msg("redis del failed")
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (s *Store) janitor() {
	for {
		time.Sleep(time.Minute)
		now := time.Now()
		s.mu.Lock()
		for key, e := range s.mem {
			if now.After(e.expiresAt) {
				delete(s.mem, key)
			}
		}
		s.mu.Unlock()
	}
}
