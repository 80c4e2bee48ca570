package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/field-sync-engine/internal/types"
)

type fakeJoiner struct {
	mu     sync.Mutex
	joins  []string
	leaves []string
}

func (j *fakeJoiner) Join(topic string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.joins = append(j.joins, topic)
	return nil
}

func (j *fakeJoiner) Leave(topic string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.leaves = append(j.leaves, topic)
	return nil
}

type countingInvalidator struct {
	mu       sync.Mutex
	keys     []string
	prefixes []string
}

func (c *countingInvalidator) InvalidateKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
}

func (c *countingInvalidator) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefixes = append(c.prefixes, prefix)
	return 0
}

func (c *countingInvalidator) snapshot() (keys, prefixes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...), append([]string(nil), c.prefixes...)
}

func orderEvent(id string) types.ChangeEvent {
	row, _ := json.Marshal(map[string]string{"id": id})
	return types.ChangeEvent{Table: "orders", Schema: "public", Type: types.ChangeUpdate, New: row}
}

func waitForFlush(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestBridgeCoalescesEventBurst(t *testing.T) {
	joiner := &fakeJoiner{}
	registry := NewRegistry(joiner)
	inv := &countingInvalidator{}
	bridge := NewBridge(registry, inv, BridgeConfig{Debounce: 20 * time.Millisecond, Logger: zerolog.Nop()})

	release, err := bridge.Subscribe("orders", SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer release()

	topic := ChannelKey{Table: "orders"}.Topic()
	for i := 0; i < 50; i++ {
		registry.Dispatch(topic, orderEvent(fmt.Sprintf("o%d", i%5)))
	}

	waitForFlush(t, func() bool {
		_, prefixes := inv.snapshot()
		return len(prefixes) > 0
	})

	keys, prefixes := inv.snapshot()
	if len(keys) != 5 {
		t.Fatalf("detail invalidations = %d, want 5 distinct rows", len(keys))
	}
	if len(prefixes) != 1 {
		t.Fatalf("list invalidations = %d, want a single batch", len(prefixes))
	}
	if prefixes[0] != "orders:list:" {
		t.Fatalf("unexpected list prefix %q", prefixes[0])
	}
}

func TestBridgeSeparateBurstsFlushSeparately(t *testing.T) {
	registry := NewRegistry(&fakeJoiner{})
	inv := &countingInvalidator{}
	bridge := NewBridge(registry, inv, BridgeConfig{Debounce: 10 * time.Millisecond, Logger: zerolog.Nop()})

	release, err := bridge.Subscribe("orders", SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer release()

	topic := ChannelKey{Table: "orders"}.Topic()
	registry.Dispatch(topic, orderEvent("o1"))
	waitForFlush(t, func() bool {
		_, prefixes := inv.snapshot()
		return len(prefixes) == 1
	})

	registry.Dispatch(topic, orderEvent("o1"))
	waitForFlush(t, func() bool {
		_, prefixes := inv.snapshot()
		return len(prefixes) == 2
	})
}

func TestBridgeIgnoresUnmappedTable(t *testing.T) {
	registry := NewRegistry(&fakeJoiner{})
	inv := &countingInvalidator{}
	bridge := NewBridge(registry, inv, BridgeConfig{Debounce: 5 * time.Millisecond, Logger: zerolog.Nop()})

	release, err := bridge.Subscribe("audit_log", SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer release()

	registry.Dispatch(ChannelKey{Table: "audit_log"}.Topic(), types.ChangeEvent{Table: "audit_log", Type: types.ChangeInsert})
	time.Sleep(30 * time.Millisecond)

	keys, prefixes := inv.snapshot()
	if len(keys) != 0 || len(prefixes) != 0 {
		t.Fatalf("unmapped table produced invalidations: keys=%v prefixes=%v", keys, prefixes)
	}
}

func TestBridgeObserverSeesEvents(t *testing.T) {
	registry := NewRegistry(&fakeJoiner{})
	bridge := NewBridge(registry, &countingInvalidator{}, BridgeConfig{Debounce: 5 * time.Millisecond, Logger: zerolog.Nop()})

	var mu sync.Mutex
	var seen []types.ChangeEvent
	release, err := bridge.Subscribe("role_permissions", SubscribeOptions{
		Filter: "company_id=eq.c1",
		OnChange: func(ev types.ChangeEvent) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, ev)
		},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer release()

	topic := ChannelKey{Table: "role_permissions", Filter: "company_id=eq.c1"}.Topic()
	registry.Dispatch(topic, types.ChangeEvent{Table: "role_permissions", Type: types.ChangeUpdate})

	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("observer saw %d events, want 1", n)
	}
}

func TestRegistrySharesChannelAcrossHolders(t *testing.T) {
	joiner := &fakeJoiner{}
	registry := NewRegistry(joiner)
	key := ChannelKey{Table: "orders", Filter: "company_id=eq.c1"}

	rel1, err := registry.Acquire(key, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	rel2, err := registry.Acquire(key, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	joiner.mu.Lock()
	joins := len(joiner.joins)
	joiner.mu.Unlock()
	if joins != 1 {
		t.Fatalf("joins = %d, want one shared join", joins)
	}
	if registry.Len() != 1 {
		t.Fatalf("registry holds %d channels, want 1", registry.Len())
	}

	rel1()
	joiner.mu.Lock()
	leaves := len(joiner.leaves)
	joiner.mu.Unlock()
	if leaves != 0 {
		t.Fatalf("left topic while a holder remains")
	}

	rel2()
	rel2() // release is idempotent
	joiner.mu.Lock()
	leaves = len(joiner.leaves)
	joiner.mu.Unlock()
	if leaves != 1 {
		t.Fatalf("leaves = %d, want 1 after last release", leaves)
	}
	if registry.Len() != 0 {
		t.Fatalf("registry holds %d channels after release, want 0", registry.Len())
	}
}

func TestRegistryDispatchReachesEveryHandler(t *testing.T) {
	registry := NewRegistry(&fakeJoiner{})
	key := ChannelKey{Table: "orders"}

	var mu sync.Mutex
	counts := make([]int, 2)
	for i := 0; i < 2; i++ {
		i := i
		release, err := registry.Acquire(key, func(types.ChangeEvent) {
			mu.Lock()
			defer mu.Unlock()
			counts[i]++
		})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		defer release()
	}

	registry.Dispatch(key.Topic(), orderEvent("o1"))
	mu.Lock()
	defer mu.Unlock()
	if counts[0] != 1 || counts[1] != 1 {
		t.Fatalf("handler counts = %v, want both to fire once", counts)
	}
}
