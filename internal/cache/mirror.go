package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const mirrorTimeout = 2 * time.Second

// Mirror is an optional persistence tier behind the in-memory store. Writes
// are best-effort: a failing mirror degrades to "absent on restart", never
// to an error surfaced to cache callers. Load streams every surviving entry
// back so a restarted process can warm its memory tier.
type Mirror interface {
	Store(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Drop(ctx context.Context) error
	Load(ctx context.Context, fn func(key string, payload []byte)) error
}

// mirrorEnvelope is the persisted form of a cache record. The write clock
// travels with the value so staleness judgments survive a restart.
type mirrorEnvelope struct {
	Value      json.RawMessage `json:"value"`
	WrittenAt  time.Time       `json:"written_at"`
	TTL        time.Duration   `json:"ttl"`
	StaleAfter time.Duration   `json:"stale_after"`
}

// RedisMirror persists cache entries to Redis under a shared key prefix so
// a restarted process starts warm instead of refetching everything.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror constructs a mirror writing under prefix (default "fscache:").
func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "fscache:"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

// Store implements Mirror.
func (m *RedisMirror) Store(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return m.client.Set(ctx, m.prefix+key, payload, ttl).Err()
}

// Remove implements Mirror.
func (m *RedisMirror) Remove(ctx context.Context, key string) error {
	return m.client.Del(ctx, m.prefix+key).Err()
}

// Drop implements Mirror. Keys are removed in scan batches so a large cache
// does not block Redis.
func (m *RedisMirror) Drop(ctx context.Context) error {
	iter := m.client.Scan(ctx, 0, m.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 100 {
			if err := m.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan mirror keys: %w", err)
	}
	if len(keys) > 0 {
		return m.client.Del(ctx, keys...).Err()
	}
	return nil
}

// Load implements Mirror. Entries are fetched in scan batches; a key that
// expires between the scan and the read is simply skipped.
func (m *RedisMirror) Load(ctx context.Context, fn func(key string, payload []byte)) error {
	iter := m.client.Scan(ctx, 0, m.prefix+"*", 100).Iterator()
	var keys []string
	emit := func(batch []string) error {
		values, err := m.client.MGet(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("read mirror batch: %w", err)
		}
		for i, v := range values {
			payload, ok := v.(string)
			if !ok {
				continue
			}
			fn(strings.TrimPrefix(batch[i], m.prefix), []byte(payload))
		}
		return nil
	}
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 100 {
			if err := emit(keys); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan mirror keys: %w", err)
	}
	if len(keys) > 0 {
		return emit(keys)
	}
	return nil
}

func (s *Store) mirrorStore(key string, rec record) {
	if s.mirror == nil {
		return
	}
	value, err := json.Marshal(rec.value)
	if err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("cache mirror encode failed")
		return
	}
	payload, err := json.Marshal(mirrorEnvelope{
		Value:      value,
		WrittenAt:  rec.writtenAt,
		TTL:        rec.ttl,
		StaleAfter: rec.staleAfter,
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("cache mirror encode failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.mirror.Store(ctx, key, payload, rec.ttl); err != nil {
		mirrorFailures.Inc()
		s.logger.Debug().Err(err).Str("key", key).Msg("cache mirror write failed")
	}
}

func (s *Store) mirrorRemove(key string) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.mirror.Remove(ctx, key); err != nil {
		mirrorFailures.Inc()
		s.logger.Debug().Err(err).Str("key", key).Msg("cache mirror delete failed")
	}
}

func (s *Store) mirrorDrop() {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.mirror.Drop(ctx); err != nil {
		mirrorFailures.Inc()
		s.logger.Debug().Err(err).Msg("cache mirror drop failed")
	}
}
