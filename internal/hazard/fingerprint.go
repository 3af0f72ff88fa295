package hazard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"
)

// keyPrefix namespaces fingerprint keys in shared caches.
const keyPrefix = "hazard:"

// Fingerprinter derives stable identities for detections so the same
// physical hazard reported repeatedly collapses to one record.
type Fingerprinter struct {
	// Precision is the number of decimal places coordinates are rounded
	// to before hashing. Four decimals is roughly 11 meters of latitude.
	Precision int
	// Window is the time bucket width. Two sightings in the same bucket
	// share a fingerprint.
	Window time.Duration
}

// NewFingerprinter returns a Fingerprinter with the given rounding
// precision and time window.
func NewFingerprinter(precision int, window time.Duration) *Fingerprinter {
	if precision <= 0 {
		precision = 4
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Fingerprinter{Precision: precision, Window: window}
}

// Fingerprint returns the cache key for a sighting: a SHA-256 digest over
// the canonical JSON of the rounded coordinates, lowercased category and
// time bucket, prefixed for namespacing.
func (f *Fingerprinter) Fingerprint(category string, lat, lng float64, at time.Time) string {
	payload := struct {
		Category string  `json:"category"`
		Lat      float64 `json:"lat"`
		Lng      float64 `json:"lng"`
		Window   int64   `json:"window"`
	}{
		Category: strings.ToLower(category),
		Lat:      roundTo(lat, f.Precision),
		Lng:      roundTo(lng, f.Precision),
		Window:   at.Unix() / int64(f.Window/time.Second),
	}
	// Struct fields marshal in declaration order, which is kept
	// alphabetical so the digest input is canonical.
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return keyPrefix + hex.EncodeToString(sum[:])
}

// roundTo rounds v to n decimal places.
func roundTo(v float64, n int) float64 {
	scale := math.Pow10(n)
	return math.Round(v*scale) / scale
}
