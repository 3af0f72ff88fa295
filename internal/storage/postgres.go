package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"hazardeye/internal/detect"
)

// ErrUnavailable is returned when no database is configured or the
// connection cannot be established. Callers treat it as a soft failure.
var ErrUnavailable = errors.New("storage: database unavailable")

// HazardRecord is a persisted detection. Latitude and Longitude are nil
// when the viewer never supplied a fix; the event is still stored.
type HazardRecord struct {
	ID         string
	Category   string
	Confidence float64
	Latitude   *float64
	Longitude  *float64
	BBox       detect.BBox
	InLane     bool
	DistanceM  *float64
	Model      string
	DetectedAt time.Time
}

// Located reports whether the record carries a GPS fix.
func (r HazardRecord) Located() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Zone is a geofenced area with an active subscription set.
type Zone struct {
	ID   string
	Name string
}

// Subscription ties a subscriber to a zone.
type Subscription struct {
	ID     string
	ZoneID string
	Target string
}

// Store is the persistence surface for hazards, zones and broadcast logs.
type Store interface {
	InsertHazard(ctx context.Context, rec HazardRecord) error
	HasNearby(ctx context.Context, lat, lng float64, category string, radiusM float64, since time.Time) (bool, error)
	ZonesContaining(ctx context.Context, lat, lng float64) ([]Zone, error)
	SubscriptionsForZone(ctx context.Context, zoneID, category string) ([]Subscription, error)
	LogBroadcast(ctx context.Context, zoneID, hazardID string, subscribers int) error
	LogPublish(ctx context.Context, hazardID, topic string, qos byte) error
	Close() error
}

// Postgres is a Store backed by PostgreSQL with PostGIS geometry. The
// connection is established lazily; while the database is down every call
// returns ErrUnavailable instead of blocking the pipeline.
type Postgres struct {
	url string
	log *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewPostgres creates a Postgres store. An empty url disables persistence.
func NewPostgres(url string, log *slog.Logger) *Postgres {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Postgres{url: url, log: log}
}

// conn returns the live connection, dialing on first use.
func (p *Postgres) conn(ctx context.Context) (*sql.DB, error) {
	if p.url == "" {
		return nil, ErrUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}

	db, err := sql.Open("postgres", p.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := p.migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	p.db = db
	p.log.Info("database connected")
	return db, nil
}

// migrate creates the schema when missing. Zones and subscriptions are
// managed externally; only their tables are ensured here.
func (p *Postgres) migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`CREATE TABLE IF NOT EXISTS hazards (
			id           UUID PRIMARY KEY,
			category     TEXT NOT NULL,
			confidence   DOUBLE PRECISION NOT NULL,
			location     GEOGRAPHY(POINT, 4326),
			bounding_box JSONB NOT NULL,
			in_lane      BOOLEAN NOT NULL DEFAULT FALSE,
			distance_m   DOUBLE PRECISION,
			model        TEXT NOT NULL,
			detected_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS hazards_location_idx ON hazards USING GIST (location)`,
		`CREATE INDEX IF NOT EXISTS hazards_detected_at_idx ON hazards (detected_at)`,
		`CREATE TABLE IF NOT EXISTS zones (
			id       UUID PRIMARY KEY,
			name     TEXT NOT NULL,
			boundary GEOGRAPHY(POLYGON, 4326) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id           UUID PRIMARY KEY,
			zone_id      UUID NOT NULL REFERENCES zones(id) ON DELETE CASCADE,
			target       TEXT NOT NULL,
			hazard_types TEXT[],
			active       BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS broadcast_log (
			id          BIGSERIAL PRIMARY KEY,
			zone_id     UUID NOT NULL,
			hazard_id   UUID NOT NULL,
			subscribers INTEGER NOT NULL,
			sent_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS mqtt_publish_log (
			id           BIGSERIAL PRIMARY KEY,
			hazard_id    UUID NOT NULL,
			topic        TEXT NOT NULL,
			qos          SMALLINT NOT NULL,
			published_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertHazard persists one detection. A record without a fix is stored
// with a NULL location; ST_MakePoint is strict, so nil coordinates fall
// through to NULL.
func (p *Postgres) InsertHazard(ctx context.Context, rec HazardRecord) error {
	db, err := p.conn(ctx)
	if err != nil {
		return err
	}
	box, err := json.Marshal(rec.BBox)
	if err != nil {
		return fmt.Errorf("storage: encode bounding box: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO hazards (id, category, confidence, location, bounding_box, in_lane, distance_m, model, detected_at)
		VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326)::geography, $6, $7, $8, $9, $10)`,
		rec.ID, rec.Category, rec.Confidence, rec.Longitude, rec.Latitude,
		string(box), rec.InLane, rec.DistanceM, rec.Model, rec.DetectedAt)
	if err != nil {
		return fmt.Errorf("storage: insert hazard: %w", err)
	}
	return nil
}

// HasNearby reports whether a hazard of the same category was recorded
// within radiusM meters of the point since the given time.
func (p *Postgres) HasNearby(ctx context.Context, lat, lng float64, category string, radiusM float64, since time.Time) (bool, error) {
	db, err := p.conn(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM hazards
			WHERE category = $1
			  AND detected_at >= $2
			  AND ST_DWithin(location, ST_SetSRID(ST_MakePoint($3, $4), 4326)::geography, $5)
		)`,
		category, since, lng, lat, radiusM).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: nearby lookup: %w", err)
	}
	return exists, nil
}

// ZonesContaining returns every zone whose boundary contains the point.
func (p *Postgres) ZonesContaining(ctx context.Context, lat, lng float64) ([]Zone, error) {
	db, err := p.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, name FROM zones
		WHERE ST_Covers(boundary, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography)`,
		lng, lat)
	if err != nil {
		return nil, fmt.Errorf("storage: zone lookup: %w", err)
	}
	defer rows.Close()

	var zones []Zone
	for rows.Next() {
		var z Zone
		if err := rows.Scan(&z.ID, &z.Name); err != nil {
			return nil, fmt.Errorf("storage: zone scan: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// SubscriptionsForZone returns the active subscriptions of a zone that
// accept the given category. A NULL hazard_types array subscribes to
// every category.
func (p *Postgres) SubscriptionsForZone(ctx context.Context, zoneID, category string) ([]Subscription, error) {
	db, err := p.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, zone_id, target FROM subscriptions
		WHERE zone_id = $1 AND active
		  AND (hazard_types IS NULL OR $2 = ANY(hazard_types))`, zoneID, category)
	if err != nil {
		return nil, fmt.Errorf("storage: subscription lookup: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.ID, &s.ZoneID, &s.Target); err != nil {
			return nil, fmt.Errorf("storage: subscription scan: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// LogBroadcast records a completed zone notification.
func (p *Postgres) LogBroadcast(ctx context.Context, zoneID, hazardID string, subscribers int) error {
	db, err := p.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO broadcast_log (zone_id, hazard_id, subscribers)
		VALUES ($1, $2, $3)`, zoneID, hazardID, subscribers)
	if err != nil {
		return fmt.Errorf("storage: log broadcast: %w", err)
	}
	return nil
}

// LogPublish records one category-topic publication of a hazard.
func (p *Postgres) LogPublish(ctx context.Context, hazardID, topic string, qos byte) error {
	db, err := p.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO mqtt_publish_log (hazard_id, topic, qos)
		VALUES ($1, $2, $3)`, hazardID, topic, int(qos))
	if err != nil {
		return fmt.Errorf("storage: log publish: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
