package hazard

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"hazardeye/internal/cache"
	"hazardeye/internal/storage"
)

// fakeStore implements storage.Store with canned nearby answers.
type fakeStore struct {
	nearby       bool
	nearbyErr    error
	nearbyCalls  int
	inserted     []storage.HazardRecord
	zones        []storage.Zone
	subs         map[string][]storage.Subscription
	subCategory  string
	broadcastLog int
	publishLog   int
}

func (s *fakeStore) InsertHazard(_ context.Context, rec storage.HazardRecord) error {
	s.inserted = append(s.inserted, rec)
	return nil
}

func (s *fakeStore) HasNearby(context.Context, float64, float64, string, float64, time.Time) (bool, error) {
	s.nearbyCalls++
	return s.nearby, s.nearbyErr
}

func (s *fakeStore) ZonesContaining(context.Context, float64, float64) ([]storage.Zone, error) {
	return s.zones, nil
}

func (s *fakeStore) SubscriptionsForZone(_ context.Context, zoneID, category string) ([]storage.Subscription, error) {
	s.subCategory = category
	return s.subs[zoneID], nil
}

func (s *fakeStore) LogBroadcast(context.Context, string, string, int) error {
	s.broadcastLog++
	return nil
}

func (s *fakeStore) LogPublish(context.Context, string, string, byte) error {
	s.publishLog++
	return nil
}

func (s *fakeStore) Close() error { return nil }

func TestDedupCacheHit(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	d := NewDedup(DedupConfig{Cache: cache.NewMemory(), Store: store})
	at := time.Unix(1_700_000_100, 0)

	if d.Seen(ctx, "pothole", 12.3456, 77.1234, at) {
		t.Fatal("fresh sighting reported as seen")
	}
	d.Mark(ctx, "pothole", 12.3456, 77.1234, at)
	if !d.Seen(ctx, "pothole", 12.3456, 77.1234, at) {
		t.Fatal("marked sighting not reported as seen")
	}
	// The cache answered; the store never got a second query.
	if store.nearbyCalls != 1 {
		t.Fatalf("store queried %d times, want 1", store.nearbyCalls)
	}
}

func TestDedupTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	d := NewDedup(DedupConfig{
		Cache: cache.NewMemoryWithClock(clk),
		TTL:   30 * time.Minute,
	})
	at := time.Unix(1_700_000_100, 0)

	d.Mark(ctx, "pothole", 12.3456, 77.1234, at)
	if !d.Seen(ctx, "pothole", 12.3456, 77.1234, at) {
		t.Fatal("sighting not seen before TTL expiry")
	}

	clk.Add(31 * time.Minute)
	if d.Seen(ctx, "pothole", 12.3456, 77.1234, at) {
		t.Fatal("fingerprint survived past its TTL")
	}
}

func TestDedupStoreFallback(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{nearby: true}
	mem := cache.NewMemory()
	d := NewDedup(DedupConfig{Cache: mem, Store: store})
	at := time.Unix(1_700_000_100, 0)

	// Cold cache, but the store knows a nearby hazard.
	if !d.Seen(ctx, "pothole", 12.3456, 77.1234, at) {
		t.Fatal("store fallback missed a nearby hazard")
	}
	// The hit re-warmed the cache.
	if n := mem.Len(); n != 1 {
		t.Fatalf("cache holds %d keys after store hit, want 1", n)
	}
}

func TestDedupDegradesOpenOnErrors(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{nearbyErr: storage.ErrUnavailable}
	d := NewDedup(DedupConfig{Cache: cache.NewMemory(), Store: store})

	// Infrastructure down: better to record a duplicate than drop a hazard.
	if d.Seen(ctx, "pothole", 12.3456, 77.1234, time.Now()) {
		t.Fatal("unavailable store treated as a duplicate hit")
	}
}
