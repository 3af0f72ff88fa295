package detect

// aspectRange is the plausible height/width band for a category.
type aspectRange struct {
	min, max float64
}

// Filter converts raw output from the road and standard models into a
// unified, thresholded, distance-annotated detection list.
type Filter struct {
	thresholds       map[string]float64
	defaultThreshold float64
	// minBoxFrac rejects boxes smaller than this fraction of the frame's
	// shorter dimension.
	minBoxFrac    float64
	aspectRanges  map[string]aspectRange
	knownWidthsM  map[string]float64
	focalLengthPx float64
}

// FilterConfig configures a Filter.
type FilterConfig struct {
	Thresholds       map[string]float64
	DefaultThreshold float64
	FocalLengthPx    float64
	KnownWidthsM     map[string]float64
}

// NewFilter creates a Filter with the configured thresholds and the fixed
// per-category plausibility bands.
func NewFilter(cfg FilterConfig) *Filter {
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = 0.25
	}
	if cfg.FocalLengthPx <= 0 {
		cfg.FocalLengthPx = 1000
	}
	return &Filter{
		thresholds:       cfg.Thresholds,
		defaultThreshold: cfg.DefaultThreshold,
		minBoxFrac:       0.01,
		aspectRanges: map[string]aspectRange{
			"person": {0.3, 3.0},
			"dog":    {0.5, 2.0},
			"cow":    {0.5, 2.0},
		},
		knownWidthsM:  cfg.KnownWidthsM,
		focalLengthPx: cfg.FocalLengthPx,
	}
}

// threshold returns the per-category confidence floor, falling back to the
// global default for unseen categories.
func (f *Filter) threshold(category string) float64 {
	if th, ok := f.thresholds[category]; ok {
		return th
	}
	return f.defaultThreshold
}

// InLane reports whether the box's horizontal center lies within the middle
// half of the frame, the proxy for "directly ahead of the sensor".
func InLane(b BBox, frameWidth int) bool {
	left := float64(frameWidth) * 0.25
	right := float64(frameWidth) * 0.75
	cx := b.CenterX()
	return cx >= left && cx <= right
}

// EstimateDistance approximates distance to a detection from its apparent
// width: distance = knownWidth * focalLength / boxPixelWidth. Returns nil
// for categories without a known physical width or degenerate boxes.
func (f *Filter) EstimateDistance(category string, b BBox) *float64 {
	known, ok := f.knownWidthsM[category]
	if !ok {
		return nil
	}
	w := b.Width()
	if w <= 0 {
		return nil
	}
	d := known * f.focalLengthPx / w
	return &d
}

// Apply filters the raw output of both models against one frame and returns
// the unified detection list plus the in-lane subset count.
func (f *Filter) Apply(road, standard []RawDetection, frameWidth, frameHeight int) *Result {
	result := &Result{
		FrameWidth:  frameWidth,
		FrameHeight: frameHeight,
	}

	minSide := float64(min(frameWidth, frameHeight)) * f.minBoxFrac

	for _, raw := range road {
		if !f.accept(raw, minSide) {
			continue
		}
		det := Detection{
			Category:   raw.Category,
			Confidence: raw.Confidence,
			BBox:       raw.BBox,
			Model:      ModelRoad,
			InLane:     InLane(raw.BBox, frameWidth),
		}
		result.Detections = append(result.Detections, det)
		if det.InLane {
			result.LaneCount++
		}
	}

	for _, raw := range standard {
		if !f.accept(raw, minSide) {
			continue
		}
		// Standard-model categories additionally carry an aspect-ratio
		// plausibility band; anything without one is not a hazard we
		// track (cars, chairs, ...).
		ar, tracked := f.aspectRanges[raw.Category]
		if !tracked {
			continue
		}
		aspect := raw.BBox.Height() / raw.BBox.Width()
		if aspect < ar.min || aspect > ar.max {
			continue
		}
		det := Detection{
			Category:   raw.Category,
			Confidence: raw.Confidence,
			BBox:       raw.BBox,
			Model:      ModelStandard,
			DistanceM:  f.EstimateDistance(raw.Category, raw.BBox),
			InLane:     InLane(raw.BBox, frameWidth),
		}
		result.Detections = append(result.Detections, det)
		if det.InLane {
			result.LaneCount++
		}
	}

	return result
}

// accept applies the validations shared by both models: sane confidence,
// well-formed box, per-category threshold, minimum box size.
func (f *Filter) accept(raw RawDetection, minSide float64) bool {
	if raw.Confidence < 0 || raw.Confidence > 1 {
		return false
	}
	if !raw.BBox.Valid() {
		return false
	}
	if raw.Confidence < f.threshold(raw.Category) {
		return false
	}
	if raw.BBox.Width() < minSide || raw.BBox.Height() < minSide {
		return false
	}
	return true
}
