package cache

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTTL        = 5 * time.Minute
	defaultStaleAfter = 30 * time.Second
	defaultSweep      = time.Minute
)

// Entry is the result of a cache read.
type Entry struct {
	Value   any
	IsStale bool
	Age     time.Duration
}

type record struct {
	value      any
	writtenAt  time.Time
	ttl        time.Duration
	staleAfter time.Duration
}

// Config controls store defaults. Zero values fall back to package defaults.
type Config struct {
	DefaultTTL        time.Duration
	DefaultStaleAfter time.Duration
	Mirror            Mirror
	Logger            zerolog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Store is a time-bounded key/value cache. Entries carry a hard TTL past
// which they are treated as absent, and a softer staleness threshold past
// which reads still succeed but flag the value for background refresh.
// A Store has no network or UI knowledge; callers own refresh policy.
type Store struct {
	mu      sync.Mutex
	entries map[string]record

	defaultTTL        time.Duration
	defaultStaleAfter time.Duration
	mirror            Mirror
	logger            zerolog.Logger
	now               func() time.Time
}

// New constructs an isolated store instance. Process-wide sharing is the
// caller's decision; nothing here is a package global.
func New(cfg Config) *Store {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.DefaultStaleAfter <= 0 {
		cfg.DefaultStaleAfter = defaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		entries:           make(map[string]record),
		defaultTTL:        cfg.DefaultTTL,
		defaultStaleAfter: cfg.DefaultStaleAfter,
		mirror:            cfg.Mirror,
		logger:            cfg.Logger,
		now:               cfg.Now,
	}
}

// Get returns the entry for key, or ok=false when absent or past its hard
// TTL. Reading an expired entry deletes it as a side effect.
func (s *Store) Get(key string) (Entry, bool) {
	return s.GetWithStale(key, 0)
}

// GetWithStale behaves like Get but judges staleness against the provided
// threshold instead of the entry's own. A zero threshold keeps the entry's.
func (s *Store) GetWithStale(key string, staleAfter time.Duration) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[key]
	if !ok {
		storeMisses.Inc()
		return Entry{}, false
	}

	age := s.now().Sub(rec.writtenAt)
	if age > rec.ttl {
		delete(s.entries, key)
		s.mirrorRemove(key)
		storeExpirations.Inc()
		storeMisses.Inc()
		return Entry{}, false
	}

	threshold := rec.staleAfter
	if staleAfter > 0 {
		threshold = staleAfter
	}
	stale := age > threshold
	if stale {
		storeHits.WithLabelValues("stale").Inc()
	} else {
		storeHits.WithLabelValues("fresh").Inc()
	}
	return Entry{Value: rec.value, IsStale: stale, Age: age}, true
}

// Set stores value under key with the store defaults, resetting its age.
func (s *Store) Set(key string, value any) {
	s.SetWithTTL(key, value, 0, 0)
}

// SetWithTTL stores value with explicit expiry bounds. Zero durations fall
// back to the store defaults. The write is a single atomic replace.
func (s *Store) SetWithTTL(key string, value any, ttl, staleAfter time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if staleAfter <= 0 {
		staleAfter = s.defaultStaleAfter
	}

	rec := record{value: value, writtenAt: s.now(), ttl: ttl, staleAfter: staleAfter}

	s.mu.Lock()
	s.entries[key] = rec
	size := len(s.entries)
	s.mu.Unlock()

	storeEntries.Set(float64(size))
	s.mirrorStore(key, rec)
}

// Rehydrate warms the memory tier from the mirror after a restart. Entries
// keep their original write clock, so age and staleness carry over; expired
// or undecodable payloads are skipped, and a key already written in memory
// wins over its mirrored copy. Restored values are json.RawMessage; a later
// live fetch replaces them with typed values. Returns the number restored.
func (s *Store) Rehydrate(ctx context.Context) int {
	if s.mirror == nil {
		return 0
	}

	now := s.now()
	loaded := make(map[string]record)
	err := s.mirror.Load(ctx, func(key string, payload []byte) {
		var env mirrorEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("cache mirror decode failed")
			return
		}
		if now.Sub(env.WrittenAt) > env.TTL {
			return
		}
		loaded[key] = record{
			value:      env.Value,
			writtenAt:  env.WrittenAt,
			ttl:        env.TTL,
			staleAfter: env.StaleAfter,
		}
	})
	if err != nil {
		mirrorFailures.Inc()
		s.logger.Warn().Err(err).Msg("cache mirror rehydration failed")
	}

	restored := 0
	s.mu.Lock()
	for key, rec := range loaded {
		if _, exists := s.entries[key]; exists {
			continue
		}
		s.entries[key] = rec
		restored++
	}
	size := len(s.entries)
	s.mu.Unlock()

	storeEntries.Set(float64(size))
	return restored
}

// Delete removes key. Idempotent.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	size := len(s.entries)
	s.mu.Unlock()

	storeEntries.Set(float64(size))
	s.mirrorRemove(key)
}

// InvalidatePrefix deletes every key carrying the literal prefix and returns
// the number removed.
func (s *Store) InvalidatePrefix(prefix string) int {
	return s.invalidate(func(key string) bool { return strings.HasPrefix(key, prefix) })
}

// InvalidatePattern deletes every key matching the regular expression and
// returns the number removed.
func (s *Store) InvalidatePattern(re *regexp.Regexp) int {
	return s.invalidate(re.MatchString)
}

func (s *Store) invalidate(match func(string) bool) int {
	s.mu.Lock()
	var removed []string
	for key := range s.entries {
		if match(key) {
			delete(s.entries, key)
			removed = append(removed, key)
		}
	}
	size := len(s.entries)
	s.mu.Unlock()

	storeEntries.Set(float64(size))
	for _, key := range removed {
		s.mirrorRemove(key)
	}
	if len(removed) > 0 {
		storeInvalidations.Add(float64(len(removed)))
	}
	return len(removed)
}

// Clear drops every entry. Called on sign-out and sign-in so one account
// never observes another's data.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]record)
	s.mu.Unlock()

	storeEntries.Set(0)
	s.mirrorDrop()
}

// Len reports the number of live entries, counting expired ones not yet
// swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup removes every entry past its hard TTL and returns the count.
func (s *Store) Cleanup() int {
	now := s.now()

	s.mu.Lock()
	var removed []string
	for key, rec := range s.entries {
		if now.Sub(rec.writtenAt) > rec.ttl {
			delete(s.entries, key)
			removed = append(removed, key)
		}
	}
	size := len(s.entries)
	s.mu.Unlock()

	storeEntries.Set(float64(size))
	for _, key := range removed {
		s.mirrorRemove(key)
	}
	if len(removed) > 0 {
		storeExpirations.Add(float64(len(removed)))
	}
	return len(removed)
}

// StartSweeper runs Cleanup on the interval until ctx is cancelled. The
// sweep runs independently of reads; lazy deletion on Get still applies.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweep
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.Cleanup(); n > 0 {
					s.logger.Debug().Int("removed", n).Msg("cache sweep removed expired entries")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
