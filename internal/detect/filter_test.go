package detect

import (
	"math"
	"testing"
)

func testFilter() *Filter {
	return NewFilter(FilterConfig{
		Thresholds: map[string]float64{
			"pothole":   0.40,
			"speedbump": 0.60,
			"person":    0.45,
			"dog":       0.45,
			"cow":       0.45,
		},
		DefaultThreshold: 0.25,
		FocalLengthPx:    1000,
		KnownWidthsM: map[string]float64{
			"person": 0.5,
			"dog":    0.4,
			"cow":    0.8,
		},
	})
}

func TestThresholdFallback(t *testing.T) {
	f := testFilter()
	if got := f.threshold("pothole"); got != 0.40 {
		t.Fatalf("pothole threshold = %v, want 0.40", got)
	}
	if got := f.threshold("crack"); got != 0.25 {
		t.Fatalf("unknown category threshold = %v, want default 0.25", got)
	}
}

func TestApplyPotholeOffLane(t *testing.T) {
	f := testFilter()
	road := []RawDetection{
		{Category: "pothole", Confidence: 0.8, BBox: BBox{X1: 100, Y1: 200, X2: 300, Y2: 400}},
	}

	result := f.Apply(road, nil, 960, 540)
	if len(result.Detections) != 1 {
		t.Fatalf("got %d detections, want 1", len(result.Detections))
	}
	det := result.Detections[0]
	if det.Model != ModelRoad {
		t.Errorf("model = %q, want %q", det.Model, ModelRoad)
	}
	// Box center x=200, lane band at width 960 is [240, 720].
	if det.InLane {
		t.Error("detection at center x=200 reported in-lane, lane band is [240,720]")
	}
	if result.LaneCount != 0 {
		t.Errorf("lane count = %d, want 0", result.LaneCount)
	}
}

func TestApplyRejectsBelowThreshold(t *testing.T) {
	f := testFilter()
	road := []RawDetection{
		{Category: "pothole", Confidence: 0.39, BBox: BBox{X1: 100, Y1: 200, X2: 300, Y2: 400}},
		{Category: "speedbump", Confidence: 0.59, BBox: BBox{X1: 100, Y1: 200, X2: 300, Y2: 400}},
	}
	result := f.Apply(road, nil, 960, 540)
	if len(result.Detections) != 0 {
		t.Fatalf("got %d detections, want 0", len(result.Detections))
	}
}

func TestApplyRejectsInvalidConfidence(t *testing.T) {
	f := testFilter()
	road := []RawDetection{
		{Category: "pothole", Confidence: 1.3, BBox: BBox{X1: 100, Y1: 200, X2: 300, Y2: 400}},
		{Category: "pothole", Confidence: -0.1, BBox: BBox{X1: 100, Y1: 200, X2: 300, Y2: 400}},
	}
	result := f.Apply(road, nil, 960, 540)
	if len(result.Detections) != 0 {
		t.Fatalf("got %d detections, want 0", len(result.Detections))
	}
}

func TestApplyRejectsDegenerateBox(t *testing.T) {
	f := testFilter()
	road := []RawDetection{
		{Category: "pothole", Confidence: 0.9, BBox: BBox{X1: 300, Y1: 200, X2: 100, Y2: 400}},
		{Category: "pothole", Confidence: 0.9, BBox: BBox{X1: 100, Y1: 100, X2: 100, Y2: 100}},
	}
	result := f.Apply(road, nil, 960, 540)
	if len(result.Detections) != 0 {
		t.Fatalf("got %d detections, want 0", len(result.Detections))
	}
}

func TestApplyRejectsTinyBox(t *testing.T) {
	f := testFilter()
	// Frame 960x540, shorter side 540, minimum side length 5.4px.
	road := []RawDetection{
		{Category: "pothole", Confidence: 0.9, BBox: BBox{X1: 100, Y1: 100, X2: 105, Y2: 105}},
	}
	result := f.Apply(road, nil, 960, 540)
	if len(result.Detections) != 0 {
		t.Fatalf("tiny box passed filter, got %d detections", len(result.Detections))
	}

	road[0].BBox = BBox{X1: 100, Y1: 100, X2: 110, Y2: 110}
	result = f.Apply(road, nil, 960, 540)
	if len(result.Detections) != 1 {
		t.Fatalf("10px box rejected, got %d detections", len(result.Detections))
	}
}

func TestApplyStandardAspectBand(t *testing.T) {
	f := testFilter()
	standard := []RawDetection{
		// person at aspect 2.0: inside [0.3, 3.0].
		{Category: "person", Confidence: 0.9, BBox: BBox{X1: 400, Y1: 100, X2: 500, Y2: 300}},
		// dog at aspect 3.0: outside [0.5, 2.0].
		{Category: "dog", Confidence: 0.9, BBox: BBox{X1: 400, Y1: 100, X2: 450, Y2: 250}},
		// car has no plausibility band, so it is not tracked.
		{Category: "car", Confidence: 0.9, BBox: BBox{X1: 400, Y1: 100, X2: 600, Y2: 250}},
	}
	result := f.Apply(nil, standard, 960, 540)
	if len(result.Detections) != 1 {
		t.Fatalf("got %d detections, want 1", len(result.Detections))
	}
	det := result.Detections[0]
	if det.Category != "person" {
		t.Fatalf("kept category %q, want person", det.Category)
	}
	if det.Model != ModelStandard {
		t.Errorf("model = %q, want %q", det.Model, ModelStandard)
	}
	if !det.InLane {
		t.Error("person at center x=450 should be in-lane at width 960")
	}
	if result.LaneCount != 1 {
		t.Errorf("lane count = %d, want 1", result.LaneCount)
	}
}

func TestEstimateDistance(t *testing.T) {
	f := testFilter()

	// person 0.5m wide, 100px box, focal 1000px: 0.5*1000/100 = 5m.
	d := f.EstimateDistance("person", BBox{X1: 400, Y1: 100, X2: 500, Y2: 300})
	if d == nil {
		t.Fatal("expected a distance estimate for person")
	}
	if math.Abs(*d-5.0) > 1e-9 {
		t.Fatalf("distance = %v, want 5.0", *d)
	}

	if d := f.EstimateDistance("pothole", BBox{X1: 0, Y1: 0, X2: 100, Y2: 100}); d != nil {
		t.Fatalf("pothole has no known width, got distance %v", *d)
	}
	if d := f.EstimateDistance("person", BBox{X1: 100, Y1: 0, X2: 100, Y2: 100}); d != nil {
		t.Fatal("zero-width box should not produce a distance")
	}
}

func TestInLaneBounds(t *testing.T) {
	// Lane band at width 960 is [240, 720]; centers on the boundary count.
	cases := []struct {
		box  BBox
		want bool
	}{
		{BBox{X1: 190, X2: 290, Y1: 0, Y2: 100}, true},  // center 240
		{BBox{X1: 670, X2: 770, Y1: 0, Y2: 100}, true},  // center 720
		{BBox{X1: 150, X2: 250, Y1: 0, Y2: 100}, false}, // center 200
		{BBox{X1: 700, X2: 800, Y1: 0, Y2: 100}, false}, // center 750
	}
	for i, tc := range cases {
		if got := InLane(tc.box, 960); got != tc.want {
			t.Errorf("case %d: InLane = %v, want %v", i, got, tc.want)
		}
	}
}

func TestDominantCategory(t *testing.T) {
	r := &Result{Detections: []Detection{
		{Category: "pothole"},
		{Category: "person"},
		{Category: "pothole"},
	}}
	if got := r.DominantCategory(); got != "pothole" {
		t.Fatalf("dominant = %q, want pothole", got)
	}

	var empty *Result
	if got := empty.DominantCategory(); got != "" {
		t.Fatalf("nil result dominant = %q, want empty", got)
	}
}
