package geofence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"hazardeye/internal/storage"
)

type stubStore struct {
	zones      []storage.Zone
	zonesErr   error
	subs       map[string][]storage.Subscription
	categories []string
	logged     []string
}

func (s *stubStore) InsertHazard(context.Context, storage.HazardRecord) error { return nil }

func (s *stubStore) HasNearby(context.Context, float64, float64, string, float64, time.Time) (bool, error) {
	return false, nil
}

func (s *stubStore) ZonesContaining(context.Context, float64, float64) ([]storage.Zone, error) {
	return s.zones, s.zonesErr
}

func (s *stubStore) SubscriptionsForZone(_ context.Context, zoneID, category string) ([]storage.Subscription, error) {
	s.categories = append(s.categories, category)
	return s.subs[zoneID], nil
}

func (s *stubStore) LogBroadcast(_ context.Context, zoneID, _ string, _ int) error {
	s.logged = append(s.logged, zoneID)
	return nil
}

func (s *stubStore) LogPublish(context.Context, string, string, byte) error { return nil }

func (s *stubStore) Close() error { return nil }

// failingPublisher fails for one topic substring and records the rest.
type failingPublisher struct {
	failZone string
	topics   []string
}

func (p *failingPublisher) Publish(topic string, _ byte, _ []byte) error {
	if p.failZone != "" && topic == fmt.Sprintf("hazard-eye/geofence/%s/hazards", p.failZone) {
		return errors.New("broker refused")
	}
	p.topics = append(p.topics, topic)
	return nil
}

func record() storage.HazardRecord {
	lat, lng := 12.3, 77.1
	return storage.HazardRecord{
		ID:         "h1",
		Category:   "pothole",
		Confidence: 0.8,
		Latitude:   &lat,
		Longitude:  &lng,
		DetectedAt: time.Unix(1_700_000_000, 0),
	}
}

func TestBroadcastNotifiesAllContainingZones(t *testing.T) {
	store := &stubStore{
		zones: []storage.Zone{{ID: "z1", Name: "ring road"}, {ID: "z2", Name: "old town"}},
		subs: map[string][]storage.Subscription{
			"z1": {{ID: "s1", ZoneID: "z1", Target: "fleet-a"}, {ID: "s2", ZoneID: "z1", Target: "fleet-b"}},
		},
	}
	pub := &failingPublisher{}
	var hooks int
	b := New(store, pub, nil, func() { hooks++ })

	n, err := b.Broadcast(context.Background(), record())
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if n != 2 {
		t.Fatalf("notified %d zones, want 2", n)
	}
	if hooks != 2 {
		t.Errorf("bookkeeping hook ran %d times, want 2", hooks)
	}
	if len(store.logged) != 2 {
		t.Errorf("logged %d broadcasts, want 2", len(store.logged))
	}
}

func TestBroadcastFiltersSubscriptionsByCategory(t *testing.T) {
	store := &stubStore{
		zones: []storage.Zone{{ID: "z1", Name: "ring road"}},
		subs:  map[string][]storage.Subscription{},
	}
	b := New(store, &failingPublisher{}, nil, nil)

	if _, err := b.Broadcast(context.Background(), record()); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(store.categories) != 1 || store.categories[0] != "pothole" {
		t.Fatalf("subscription lookup categories = %v, want [pothole]", store.categories)
	}
}

func TestBroadcastSkipsUnlocatedRecord(t *testing.T) {
	store := &stubStore{zones: []storage.Zone{{ID: "z1", Name: "ring road"}}}
	pub := &failingPublisher{}
	b := New(store, pub, nil, nil)

	rec := record()
	rec.Latitude, rec.Longitude = nil, nil
	n, err := b.Broadcast(context.Background(), rec)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if n != 0 || len(pub.topics) != 0 {
		t.Fatalf("notified %d zones for an unlocated record, want 0", n)
	}
}

func TestBroadcastToleratesZoneFailure(t *testing.T) {
	store := &stubStore{
		zones: []storage.Zone{{ID: "z1", Name: "a"}, {ID: "z2", Name: "b"}, {ID: "z3", Name: "c"}},
		subs:  map[string][]storage.Subscription{},
	}
	pub := &failingPublisher{failZone: "z2"}
	b := New(store, pub, nil, nil)

	n, err := b.Broadcast(context.Background(), record())
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if n != 2 {
		t.Fatalf("notified %d zones, want 2 with z2 failing", n)
	}
	if len(store.logged) != 2 {
		t.Errorf("logged %d broadcasts, want 2", len(store.logged))
	}
}

func TestBroadcastPayloadShape(t *testing.T) {
	store := &stubStore{
		zones: []storage.Zone{{ID: "z1", Name: "ring road"}},
		subs: map[string][]storage.Subscription{
			"z1": {{ID: "s1", ZoneID: "z1", Target: "fleet-a"}},
		},
	}
	var captured []byte
	b := New(store, publisherFunc(func(topic string, qos byte, payload []byte) error {
		if qos != 2 {
			t.Errorf("qos = %d, want 2", qos)
		}
		if topic != "hazard-eye/geofence/z1/hazards" {
			t.Errorf("topic = %q", topic)
		}
		captured = payload
		return nil
	}), nil, nil)

	if _, err := b.Broadcast(context.Background(), record()); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	var n Notification
	if err := json.Unmarshal(captured, &n); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if n.HazardID != "h1" || n.ZoneID != "z1" || n.ZoneName != "ring road" || n.Subscribers != 1 {
		t.Fatalf("unexpected payload: %+v", n)
	}
}

func TestBroadcastUnavailableStoreIsQuiet(t *testing.T) {
	store := &stubStore{zonesErr: storage.ErrUnavailable}
	b := New(store, &failingPublisher{}, nil, nil)

	n, err := b.Broadcast(context.Background(), record())
	if err != nil {
		t.Fatalf("unavailable store should not error, got %v", err)
	}
	if n != 0 {
		t.Fatalf("notified %d zones with no store, want 0", n)
	}
}

// publisherFunc adapts a function to bus.Publisher.
type publisherFunc func(string, byte, []byte) error

func (f publisherFunc) Publish(topic string, qos byte, payload []byte) error {
	return f(topic, qos, payload)
}
