package cache

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelsec/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		// 'b' should be evicted
		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		// 'a' should still be there
		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("IdentityRoundTrip", func(t *testing.T) {
		identity := &domain.Identity{
			ID:               "id-001",
			DeviceSignalHash: "hash-001",
			RiskScore:        7,
			MLAnomalyScore:   0.8,
			Signals: domain.DeviceSignals{
				HardwareConcurrency: 8,
				Webdriver:           true,
			},
		}

		if err := cache.SetIdentity(ctx, identity.ID, identity, time.Minute); err != nil {
			t.Fatalf("SetIdentity failed: %v", err)
		}

		got, err := cache.GetIdentity(ctx, identity.ID)
		if err != nil {
			t.Fatalf("GetIdentity failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected cached identity")
		}
		if got.RiskScore != 7 || !got.Signals.Webdriver {
			t.Errorf("identity fields lost in round trip: %+v", got)
		}
	})

	t.Run("IdentityMiss", func(t *testing.T) {
		got, err := cache.GetIdentity(ctx, "no-such-identity")
		if err != nil {
			t.Fatalf("GetIdentity failed: %v", err)
		}
		if got != nil {
			t.Errorf("expected nil for missing identity, got %+v", got)
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		for want := int64(1); want <= 3; want++ {
			count, err := cache.IncrementCounter(ctx, "rl:id-001:visit", time.Minute)
			if err != nil {
				t.Fatalf("IncrementCounter failed: %v", err)
			}
			if count != want {
				t.Errorf("expected count %d, got %d", want, count)
			}
		}
	})

	t.Run("CounterWindowReset", func(t *testing.T) {
		_, _ = cache.IncrementCounter(ctx, "rl:reset", 10*time.Millisecond)
		_, _ = cache.IncrementCounter(ctx, "rl:reset", 10*time.Millisecond)

		time.Sleep(20 * time.Millisecond)

		count, err := cache.IncrementCounter(ctx, "rl:reset", time.Minute)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected counter to restart at 1 after window elapse, got %d", count)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}
