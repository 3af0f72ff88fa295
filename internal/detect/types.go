package detect

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width in pixels.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height in pixels.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// CenterX returns the horizontal center of the box.
func (b BBox) CenterX() float64 { return (b.X1 + b.X2) / 2 }

// Valid reports whether the box has positive extent.
func (b BBox) Valid() bool { return b.X2 > b.X1 && b.Y2 > b.Y1 }

// RawDetection is a single unfiltered model output.
type RawDetection struct {
	Category   string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// Detection is a validated, annotated detection. Immutable once created;
// storage, dedup and broadcast consume it independently.
type Detection struct {
	Category   string
	Confidence float64
	BBox       BBox
	Model      string
	// DistanceM is a pinhole-camera distance estimate in meters,
	// nil for categories without a known physical width.
	DistanceM *float64
	InLane    bool
}

// Result is the unified output of filtering one frame.
type Result struct {
	Detections  []Detection
	LaneCount   int
	FrameWidth  int
	FrameHeight int
}

// DominantCategory returns the most frequent category in the result, or ""
// when there are no detections.
func (r *Result) DominantCategory() string {
	if r == nil || len(r.Detections) == 0 {
		return ""
	}
	counts := make(map[string]int)
	best, bestN := "", 0
	for _, d := range r.Detections {
		counts[d.Category]++
		if counts[d.Category] > bestN {
			best, bestN = d.Category, counts[d.Category]
		}
	}
	return best
}

// Model source tags.
const (
	ModelRoad     = "road"
	ModelStandard = "standard"
)
