package geofence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"hazardeye/internal/bus"
	"hazardeye/internal/storage"
)

// Notification is the payload delivered to zone subscribers.
type Notification struct {
	HazardID    string   `json:"hazard_id"`
	Category    string   `json:"category"`
	Confidence  float64  `json:"confidence"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	DistanceM   *float64 `json:"distance_m,omitempty"`
	ZoneID      string   `json:"zone_id"`
	ZoneName    string   `json:"zone_name"`
	Subscribers int      `json:"subscribers"`
	DetectedAt  string   `json:"detected_at"`
}

// Broadcaster fans a recorded hazard out to every geofenced zone that
// contains it. Zone notifications ride MQTT at QoS 2 so subscribers see
// each alert exactly once.
type Broadcaster struct {
	store storage.Store
	pub   bus.Publisher
	log   *slog.Logger

	onBroadcast func()
}

// New creates a Broadcaster. onBroadcast, when non-nil, is invoked once
// per successful zone notification for bookkeeping.
func New(store storage.Store, pub bus.Publisher, log *slog.Logger, onBroadcast func()) *Broadcaster {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if pub == nil {
		pub = bus.Nop{}
	}
	return &Broadcaster{store: store, pub: pub, log: log, onBroadcast: onBroadcast}
}

// Broadcast notifies every zone containing the hazard's location and
// returns how many zones were notified. One zone failing to send does not
// stop the rest; the count reflects only successful notifications. A
// record without a fix cannot match any zone and is a no-op.
func (b *Broadcaster) Broadcast(ctx context.Context, rec storage.HazardRecord) (int, error) {
	if b.store == nil || !rec.Located() {
		return 0, nil
	}
	zones, err := b.store.ZonesContaining(ctx, *rec.Latitude, *rec.Longitude)
	if err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return 0, nil
		}
		return 0, fmt.Errorf("geofence: zone lookup: %w", err)
	}

	notified := 0
	for _, zone := range zones {
		if err := b.notifyZone(ctx, zone, rec); err != nil {
			b.log.Warn("zone notification failed", "zone", zone.ID, "error", err)
			continue
		}
		notified++
		if b.onBroadcast != nil {
			b.onBroadcast()
		}
	}
	return notified, nil
}

func (b *Broadcaster) notifyZone(ctx context.Context, zone storage.Zone, rec storage.HazardRecord) error {
	subs, err := b.store.SubscriptionsForZone(ctx, zone.ID, rec.Category)
	if err != nil {
		return err
	}

	n := Notification{
		HazardID:    rec.ID,
		Category:    rec.Category,
		Confidence:  rec.Confidence,
		Latitude:    *rec.Latitude,
		Longitude:   *rec.Longitude,
		DistanceM:   rec.DistanceM,
		ZoneID:      zone.ID,
		ZoneName:    zone.Name,
		Subscribers: len(subs),
		DetectedAt:  rec.DetectedAt.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("hazard-eye/geofence/%s/hazards", zone.ID)
	if err := b.pub.Publish(topic, 2, payload); err != nil {
		return err
	}

	if err := b.store.LogBroadcast(ctx, zone.ID, rec.ID, len(subs)); err != nil {
		// The notification went out; a failed audit entry is logged but
		// does not fail the broadcast.
		b.log.Warn("broadcast log write failed", "zone", zone.ID, "error", err)
	}
	return nil
}
