package cache

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(clock *fakeClock) *Store {
	return New(Config{
		DefaultTTL:        5 * time.Minute,
		DefaultStaleAfter: 30 * time.Second,
		Now:               clock.Now,
	})
}

func TestGetReturnsNullPastHardTTL(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := newTestStore(clock)

	store.SetWithTTL("orders:feed", []string{"a"}, time.Minute, 10*time.Second)

	clock.Advance(61 * time.Second)

	if _, ok := store.Get("orders:feed"); ok {
		t.Fatalf("expected expired entry to be absent")
	}
	// Expiry deletes as a side effect of the read.
	if store.Len() != 0 {
		t.Fatalf("expected expired entry removed, %d entries remain", store.Len())
	}
}

func TestStaleEntryIsServedNotDropped(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := newTestStore(clock)

	store.SetWithTTL("orders:feed", "v1", 5*time.Minute, 30*time.Second)
	clock.Advance(90 * time.Second)

	entry, ok := store.Get("orders:feed")
	if !ok {
		t.Fatalf("stale entry must remain readable before hard TTL")
	}
	if !entry.IsStale {
		t.Fatalf("expected entry to be flagged stale at 90s with 30s threshold")
	}
	if entry.Value != "v1" {
		t.Fatalf("expected original value, got %v", entry.Value)
	}
	if entry.Age < 90*time.Second {
		t.Fatalf("expected age >= 90s, got %s", entry.Age)
	}
}

func TestCustomStaleThresholdOverridesEntry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := newTestStore(clock)

	store.SetWithTTL("k", 1, 5*time.Minute, 30*time.Second)
	clock.Advance(20 * time.Second)

	if entry, _ := store.Get("k"); entry.IsStale {
		t.Fatalf("entry should be fresh against its own 30s threshold")
	}
	if entry, _ := store.GetWithStale("k", 10*time.Second); !entry.IsStale {
		t.Fatalf("entry should be stale against a 10s override")
	}
}

func TestSetResetsAge(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := newTestStore(clock)

	store.SetWithTTL("k", "old", time.Minute, 10*time.Second)
	clock.Advance(50 * time.Second)
	store.SetWithTTL("k", "new", time.Minute, 10*time.Second)
	clock.Advance(30 * time.Second)

	entry, ok := store.Get("k")
	if !ok {
		t.Fatalf("rewritten entry should be alive 30s after its second write")
	}
	if entry.Value != "new" {
		t.Fatalf("expected new value, got %v", entry.Value)
	}
}

func TestInvalidatePrefixAndPattern(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := newTestStore(clock)

	store.Set("orders:feed", 1)
	store.Set("orders:detail:o1", 2)
	store.Set("orders:detail:o2", 3)
	store.Set("employees:all", 4)

	if n := store.InvalidatePrefix("orders:detail:"); n != 2 {
		t.Fatalf("expected 2 removals by prefix, got %d", n)
	}
	if n := store.InvalidatePattern(regexp.MustCompile(`^orders:`)); n != 1 {
		t.Fatalf("expected 1 removal by pattern, got %d", n)
	}
	if _, ok := store.Get("employees:all"); !ok {
		t.Fatalf("unrelated key must survive invalidation")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(&fakeClock{now: time.Now()})
	store.Set("k", 1)
	store.Delete("k")
	store.Delete("k")
	if _, ok := store.Get("k"); ok {
		t.Fatalf("deleted key must be absent")
	}
}

func TestCleanupRemovesOnlyExpired(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := newTestStore(clock)

	store.SetWithTTL("short", 1, 10*time.Second, 5*time.Second)
	store.SetWithTTL("long", 2, 10*time.Minute, 5*time.Second)
	clock.Advance(11 * time.Second)

	if n := store.Cleanup(); n != 1 {
		t.Fatalf("expected 1 swept entry, got %d", n)
	}
	if _, ok := store.Get("long"); !ok {
		t.Fatalf("unexpired entry must survive the sweep")
	}
}

func TestClearDropsEverything(t *testing.T) {
	store := newTestStore(&fakeClock{now: time.Now()})
	store.Set("a", 1)
	store.Set("b", 2)
	store.Clear()
	if store.Len() != 0 {
		t.Fatalf("expected empty store after clear, got %d entries", store.Len())
	}
}

type recordingMirror struct {
	mu       sync.Mutex
	stores   []string
	removes  []string
	drops    int
	fail     bool
	payloads map[string][]byte
}

func (m *recordingMirror) Store(_ context.Context, key string, payload []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return context.DeadlineExceeded
	}
	m.stores = append(m.stores, key)
	if m.payloads == nil {
		m.payloads = make(map[string][]byte)
	}
	m.payloads[key] = payload
	return nil
}

func (m *recordingMirror) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes = append(m.removes, key)
	delete(m.payloads, key)
	return nil
}

func (m *recordingMirror) Drop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops++
	m.payloads = nil
	return nil
}

func (m *recordingMirror) Load(_ context.Context, fn func(key string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return context.DeadlineExceeded
	}
	for key, payload := range m.payloads {
		fn(key, payload)
	}
	return nil
}

func TestMirrorWriteThrough(t *testing.T) {
	mirror := &recordingMirror{}
	store := New(Config{Mirror: mirror, Now: time.Now})

	store.Set("k", map[string]string{"a": "b"})
	store.Delete("k")
	store.Clear()

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.stores) != 1 || mirror.stores[0] != "k" {
		t.Fatalf("expected mirrored write for k, got %v", mirror.stores)
	}
	if len(mirror.removes) != 1 {
		t.Fatalf("expected mirrored delete, got %v", mirror.removes)
	}
	if mirror.drops != 1 {
		t.Fatalf("expected mirrored drop, got %d", mirror.drops)
	}
}

func TestMirrorFailureDoesNotSurface(t *testing.T) {
	store := New(Config{Mirror: &recordingMirror{fail: true}, Now: time.Now})
	store.Set("k", 1)
	if entry, ok := store.Get("k"); !ok || entry.Value != 1 {
		t.Fatalf("memory tier must keep working when the mirror fails")
	}
}

func TestRehydrateWarmsColdStore(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	mirror := &recordingMirror{}

	warm := New(Config{Mirror: mirror, Now: clock.Now})
	warm.SetWithTTL("orders:detail:o1", map[string]string{"status": "assigned"}, 5*time.Minute, 30*time.Second)
	warm.SetWithTTL("orders:feed", []string{"o1", "o2"}, 5*time.Minute, 30*time.Second)

	// A new process: same mirror, empty memory tier.
	cold := New(Config{Mirror: mirror, Now: clock.Now})
	if _, ok := cold.Get("orders:feed"); ok {
		t.Fatalf("cold store must start empty")
	}
	if n := cold.Rehydrate(context.Background()); n != 2 {
		t.Fatalf("expected 2 restored entries, got %d", n)
	}

	entry, ok := cold.Get("orders:feed")
	if !ok {
		t.Fatalf("rehydrated entry must be readable")
	}
	raw, isRaw := entry.Value.(json.RawMessage)
	if !isRaw {
		t.Fatalf("rehydrated value should be raw JSON, got %T", entry.Value)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil || len(ids) != 2 || ids[0] != "o1" {
		t.Fatalf("rehydrated payload mismatch: %s (%v)", raw, err)
	}
}

func TestRehydrateCarriesAgeAcrossRestart(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	mirror := &recordingMirror{}

	warm := New(Config{Mirror: mirror, Now: clock.Now})
	warm.SetWithTTL("stale-one", 1, 5*time.Minute, 30*time.Second)
	warm.SetWithTTL("dead-one", 2, time.Minute, 30*time.Second)

	clock.Advance(90 * time.Second)

	cold := New(Config{Mirror: mirror, Now: clock.Now})
	if n := cold.Rehydrate(context.Background()); n != 1 {
		t.Fatalf("entry past its hard TTL must not rehydrate, got %d restored", n)
	}
	entry, ok := cold.Get("stale-one")
	if !ok {
		t.Fatalf("surviving entry must be readable after rehydration")
	}
	if !entry.IsStale {
		t.Fatalf("a 90s-old entry with a 30s threshold must stay stale across restart")
	}
	if entry.Age < 90*time.Second {
		t.Fatalf("age must carry the original write clock, got %s", entry.Age)
	}
}

func TestRehydrateNeverOverwritesLiveEntries(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	mirror := &recordingMirror{}

	warm := New(Config{Mirror: mirror, Now: clock.Now})
	warm.Set("k", "mirrored")

	cold := New(Config{Now: clock.Now})
	cold.Set("k", "live")
	cold.mirror = mirror
	if n := cold.Rehydrate(context.Background()); n != 0 {
		t.Fatalf("expected 0 restored over a live key, got %d", n)
	}
	if entry, _ := cold.Get("k"); entry.Value != "live" {
		t.Fatalf("live write must win over the mirrored copy, got %v", entry.Value)
	}
}

func TestRehydrateToleratesMirrorFailure(t *testing.T) {
	mirror := &recordingMirror{fail: true}
	store := New(Config{Mirror: mirror, Now: time.Now})
	if n := store.Rehydrate(context.Background()); n != 0 {
		t.Fatalf("failed rehydration must restore nothing, got %d", n)
	}
	store.Set("k", 1)
	if _, ok := store.Get("k"); !ok {
		t.Fatalf("store must keep working after a failed rehydration")
	}
}
