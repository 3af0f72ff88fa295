package session

import (
	"time"

	"hazardeye/internal/detect"
	"hazardeye/internal/hazard"
)

// keepalivePayload is the app-level heartbeat text frame.
const keepalivePayload = "ping"

// readDeadline bounds how long a connection may stay silent; pongs to
// keepalive pings refresh it.
const readDeadline = 60 * time.Second

// Telemetry summarizes the latest inference pass for the client overlay.
type Telemetry struct {
	Type             string       `json:"type"` // "telemetry"
	HazardCount      int          `json:"hazard_count"`
	LaneHazardCount  int          `json:"lane_hazard_count"`
	HazardDistances  []HazardInfo `json:"hazard_distances"`
	DominantCategory string       `json:"dominant_category"`
	Mode             string       `json:"mode"`
	PlaybackProgress *float64     `json:"playback_progress"`
}

// HazardInfo is one detection in the telemetry payload.
type HazardInfo struct {
	Category   string      `json:"category"`
	Confidence float64     `json:"confidence"`
	BBox       detect.BBox `json:"bbox"`
	DistanceM  *float64    `json:"distance_m,omitempty"`
	InLane     bool        `json:"in_lane"`
}

// inboundMessage is what clients send upstream. Only location updates are
// recognized; anything else is ignored. Coordinates arrive either nested
// under "location" or as flat fields; the nested shape wins when both
// are present.
type inboundMessage struct {
	Type     string `json:"type"`
	Location *struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (m inboundMessage) location() hazard.Location {
	if m.Location != nil {
		return hazard.Location{Latitude: m.Location.Lat, Longitude: m.Location.Lng}
	}
	return hazard.Location{Latitude: m.Latitude, Longitude: m.Longitude}
}

// telemetryFrom builds a Telemetry from the latest filter result.
func telemetryFrom(result *detect.Result, mode string, progress *float64) Telemetry {
	t := Telemetry{
		Type:             "telemetry",
		HazardDistances:  []HazardInfo{},
		Mode:             mode,
		PlaybackProgress: progress,
	}
	if result == nil {
		return t
	}
	t.HazardCount = len(result.Detections)
	t.LaneHazardCount = result.LaneCount
	t.DominantCategory = result.DominantCategory()
	for _, d := range result.Detections {
		t.HazardDistances = append(t.HazardDistances, HazardInfo{
			Category:   d.Category,
			Confidence: d.Confidence,
			BBox:       d.BBox,
			DistanceM:  d.DistanceM,
			InLane:     d.InLane,
		})
	}
	return t
}
