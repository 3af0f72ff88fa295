package hazard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hazardeye/internal/bus"
	"hazardeye/internal/detect"
	"hazardeye/internal/geofence"
	"hazardeye/internal/storage"
)

// Location is a sanitized GPS fix.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinates are on the globe. Out-of-range
// values are rejected rather than guessed at: a fix with latitude 103 is
// corrupt, not transposed.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}

// RecorderStats counts recorder outcomes, for bookkeeping hooks.
type RecorderStats struct {
	Stored     func()
	Suppressed func()
}

// Recorder turns filtered detections into durable hazard records: dedup,
// persist, category publish, geofence fan-out. Every stage degrades
// independently, so a dead broker or database never stops detections
// reaching the client stream.
type Recorder struct {
	dedup       *Dedup
	store       storage.Store
	pub         bus.Publisher
	broadcaster *geofence.Broadcaster
	log         *slog.Logger
	stats       RecorderStats
}

// NewRecorder creates a Recorder.
func NewRecorder(dedup *Dedup, store storage.Store, pub bus.Publisher, bc *geofence.Broadcaster, log *slog.Logger, stats RecorderStats) *Recorder {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if pub == nil {
		pub = bus.Nop{}
	}
	return &Recorder{
		dedup:       dedup,
		store:       store,
		pub:         pub,
		broadcaster: bc,
		log:         log,
		stats:       stats,
	}
}

// Record processes every detection in the result against the given
// location. Detections without a fix are still persisted and published,
// just without coordinates; dedup and geofence fan-out need a location
// and are skipped for them.
func (r *Recorder) Record(ctx context.Context, result *detect.Result, loc *Location) {
	if result == nil {
		return
	}
	if loc != nil && !loc.Valid() {
		r.log.Warn("ignoring out-of-range location", "lat", loc.Latitude, "lng", loc.Longitude)
		loc = nil
	}
	now := time.Now()
	for _, det := range result.Detections {
		r.recordOne(ctx, det, loc, now)
	}
}

func (r *Recorder) recordOne(ctx context.Context, det detect.Detection, loc *Location, now time.Time) {
	if loc != nil && r.dedup != nil && r.dedup.Seen(ctx, det.Category, loc.Latitude, loc.Longitude, now) {
		if r.stats.Suppressed != nil {
			r.stats.Suppressed()
		}
		return
	}

	rec := storage.HazardRecord{
		ID:         uuid.NewString(),
		Category:   det.Category,
		Confidence: det.Confidence,
		BBox:       det.BBox,
		InLane:     det.InLane,
		DistanceM:  det.DistanceM,
		Model:      det.Model,
		DetectedAt: now,
	}
	if loc != nil {
		rec.Latitude = &loc.Latitude
		rec.Longitude = &loc.Longitude
	}

	if r.store != nil {
		if err := r.store.InsertHazard(ctx, rec); err != nil {
			if !errors.Is(err, storage.ErrUnavailable) {
				r.log.Warn("hazard insert failed", "category", rec.Category, "error", err)
			}
		} else if r.stats.Stored != nil {
			r.stats.Stored()
		}
	}

	if loc != nil && r.dedup != nil {
		r.dedup.Mark(ctx, det.Category, loc.Latitude, loc.Longitude, now)
	}

	r.publishDetection(ctx, rec)

	if loc != nil && r.broadcaster != nil {
		zones, err := r.broadcaster.Broadcast(ctx, rec)
		if err != nil {
			r.log.Warn("geofence broadcast failed", "hazard", rec.ID, "error", err)
		} else if zones > 0 {
			r.log.Info("hazard broadcast", "hazard", rec.ID, "category", rec.Category, "zones", zones)
		}
	}
}

// publishDetection announces the hazard on its category topic at QoS 1
// and records the publication.
func (r *Recorder) publishDetection(ctx context.Context, rec storage.HazardRecord) {
	payload, err := json.Marshal(struct {
		ID         string      `json:"id"`
		Category   string      `json:"category"`
		Confidence float64     `json:"confidence"`
		Latitude   *float64    `json:"latitude,omitempty"`
		Longitude  *float64    `json:"longitude,omitempty"`
		BBox       detect.BBox `json:"bbox"`
		InLane     bool        `json:"in_lane"`
		DistanceM  *float64    `json:"distance_m,omitempty"`
		Model      string      `json:"model"`
		DetectedAt string      `json:"detected_at"`
	}{
		ID:         rec.ID,
		Category:   rec.Category,
		Confidence: rec.Confidence,
		Latitude:   rec.Latitude,
		Longitude:  rec.Longitude,
		BBox:       rec.BBox,
		InLane:     rec.InLane,
		DistanceM:  rec.DistanceM,
		Model:      rec.Model,
		DetectedAt: rec.DetectedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	topic := fmt.Sprintf("hazard-eye/detections/%s", rec.Category)
	if err := r.pub.Publish(topic, 1, payload); err != nil {
		r.log.Warn("detection publish failed", "topic", topic, "error", err)
		return
	}
	if r.store != nil {
		if err := r.store.LogPublish(ctx, rec.ID, topic, 1); err != nil && !errors.Is(err, storage.ErrUnavailable) {
			r.log.Warn("publish log failed", "hazard", rec.ID, "error", err)
		}
	}
}
