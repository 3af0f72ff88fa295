package hazard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"hazardeye/internal/cache"
	"hazardeye/internal/storage"
)

// Dedup suppresses repeat reports of the same hazard. The cache answers
// the common case fast; when the fingerprint misses, a spatial query
// against the store catches hazards seen before the cache was last warm.
type Dedup struct {
	fp    *Fingerprinter
	cache cache.Cache
	store storage.Store
	log   *slog.Logger

	// ttl is how long a fingerprint stays hot in the cache.
	ttl time.Duration
	// nearbyRadiusM and nearbyWindow bound the store fallback query.
	nearbyRadiusM float64
	nearbyWindow  time.Duration
}

// DedupConfig configures a Dedup.
type DedupConfig struct {
	Fingerprinter *Fingerprinter
	Cache         cache.Cache
	Store         storage.Store
	Logger        *slog.Logger
	TTL           time.Duration
	NearbyRadiusM float64
	NearbyDays    int
}

// NewDedup creates a Dedup with defaults filled in.
func NewDedup(cfg DedupConfig) *Dedup {
	if cfg.Fingerprinter == nil {
		cfg.Fingerprinter = NewFingerprinter(4, 5*time.Minute)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.NearbyRadiusM <= 0 {
		cfg.NearbyRadiusM = 100
	}
	if cfg.NearbyDays <= 0 {
		cfg.NearbyDays = 7
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dedup{
		fp:            cfg.Fingerprinter,
		cache:         cfg.Cache,
		store:         cfg.Store,
		log:           log,
		ttl:           cfg.TTL,
		nearbyRadiusM: cfg.NearbyRadiusM,
		nearbyWindow:  time.Duration(cfg.NearbyDays) * 24 * time.Hour,
	}
}

// Seen reports whether this sighting duplicates a known hazard. Cache and
// store errors degrade to "not seen", so an infrastructure outage yields
// duplicate records rather than dropped ones.
func (d *Dedup) Seen(ctx context.Context, category string, lat, lng float64, at time.Time) bool {
	key := d.fp.Fingerprint(category, lat, lng, at)

	if d.cache != nil {
		hit, err := d.cache.Exists(ctx, key)
		if err != nil {
			d.log.Warn("dedup cache lookup failed", "error", err)
		} else if hit {
			return true
		}
	}

	if d.store != nil {
		since := at.Add(-d.nearbyWindow)
		near, err := d.store.HasNearby(ctx, lat, lng, category, d.nearbyRadiusM, since)
		if err != nil {
			if !errors.Is(err, storage.ErrUnavailable) {
				d.log.Warn("dedup store lookup failed", "error", err)
			}
			return false
		}
		if near {
			// Re-warm the cache so the next sighting skips the query.
			d.mark(ctx, key)
			return true
		}
	}
	return false
}

// Mark records this sighting's fingerprint. Safe to call repeatedly.
func (d *Dedup) Mark(ctx context.Context, category string, lat, lng float64, at time.Time) {
	d.mark(ctx, d.fp.Fingerprint(category, lat, lng, at))
}

func (d *Dedup) mark(ctx context.Context, key string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.SetWithTTL(ctx, key, d.ttl); err != nil {
		d.log.Warn("dedup cache write failed", "error", err)
	}
}
