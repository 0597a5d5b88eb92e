package calibration

import (
	"strings"
	"testing"
	"time"

	"polymarket-edge/pkg/types"
)

var resolvedAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// coveredRecord resolves inside the entry belief range.
func coveredRecord(conf float64, unknowns int) types.CalibrationRecord {
	return types.CalibrationRecord{
		MarketID:          "mkt",
		BeliefLowAtEntry:  0,
		BeliefHighAtEntry: 100,
		ConfidenceAtEntry: conf,
		UnknownsAtEntry:   unknowns,
		EdgeAtEntry:       15,
		Outcome:           types.OutcomeYes,
		ResolvedAt:        resolvedAt,
	}
}

// missedRecord resolves outside the entry belief range.
func missedRecord(conf float64, unknowns int) types.CalibrationRecord {
	return types.CalibrationRecord{
		MarketID:          "mkt",
		BeliefLowAtEntry:  40,
		BeliefHighAtEntry: 60,
		ConfidenceAtEntry: conf,
		UnknownsAtEntry:   unknowns,
		EdgeAtEntry:       15,
		Outcome:           types.OutcomeYes, // indicator 100, outside 40-60
		ResolvedAt:        resolvedAt,
	}
}

func fill(t *Tracker, covered, missed int) {
	for i := 0; i < covered; i++ {
		t.Add(coveredRecord(70, 1))
	}
	for i := 0; i < missed; i++ {
		t.Add(missedRecord(70, 1))
	}
}

func TestMetricsRecomputedOnAppend(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0.05)
	fill(tr, 3, 1)

	m := tr.Metrics()
	if m.Records != 4 {
		t.Errorf("records = %d, want 4", m.Records)
	}
	if m.RangeCoverage != 0.75 {
		t.Errorf("coverage = %v, want 0.75", m.RangeCoverage)
	}
	if m.UnknownDensity != 1 {
		t.Errorf("unknown density = %v, want 1", m.UnknownDensity)
	}
	med := m.BucketAccuracy[BucketMedium]
	if med.Samples != 4 || med.Covered != 3 {
		t.Errorf("medium bucket = %+v, want 4 samples 3 covered", med)
	}
}

func TestNoAdjustmentsBeforeTenRecords(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0.05)
	fill(tr, 2, 7) // coverage 0.22 but only 9 records

	if recs := tr.Recommendations(); len(recs) != 0 {
		t.Errorf("got %d adjustments before the record floor", len(recs))
	}
}

func TestLowCoverageRecommendsTightening(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0.05)
	fill(tr, 6, 4) // coverage 0.6

	recs := tr.Recommendations()
	if len(recs) != 1 {
		t.Fatalf("got %d adjustments, want 1", len(recs))
	}
	adj := recs[0]
	if adj.Kind != RaiseEdgeThresholds {
		t.Errorf("kind = %s", adj.Kind)
	}
	if adj.EdgeDelta != 0.03 || adj.ConfidenceDelta != 5 {
		t.Errorf("deltas = %v / %v, want 0.03 / 5", adj.EdgeDelta, adj.ConfidenceDelta)
	}
}

func TestHighCoverageNarrowsAfterFiftyRecords(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0.05)
	fill(tr, 50, 0) // coverage 1.0

	recs := tr.Recommendations()
	if len(recs) != 1 {
		t.Fatalf("got %d adjustments, want 1", len(recs))
	}
	if recs[0].Kind != NarrowBeliefRanges || recs[0].NarrowBy != 2 {
		t.Errorf("adjustment = %+v", recs[0])
	}

	// Coverage 1.0 deviates from 0.85 by exactly the tolerance: no halt.
	if reason, halt := tr.HaltReason(); halt {
		t.Errorf("unexpected halt: %s", reason)
	}
}

func TestCoverageDeviationHalts(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0.05)
	fill(tr, 13, 7) // coverage 0.65, expected 0.85

	reason, halt := tr.HaltReason()
	if !halt {
		t.Fatal("expected a halt verdict")
	}
	if !strings.Contains(reason, "coverage") || !strings.Contains(reason, "0.65") {
		t.Errorf("reason should name the coverage deviation: %q", reason)
	}
}

func TestNoHaltBeforeTwentyRecords(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0.05)
	fill(tr, 2, 17) // terrible coverage but 19 records

	if reason, halt := tr.HaltReason(); halt {
		t.Errorf("halt before the record floor: %s", reason)
	}
}

func TestBucketInversionHalts(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0.05)

	// High-confidence bucket: 10 samples, 6 covered (0.6).
	for i := 0; i < 6; i++ {
		tr.Add(coveredRecord(80, 0))
	}
	for i := 0; i < 4; i++ {
		tr.Add(missedRecord(80, 0))
	}
	// Low-confidence bucket: 10 samples, 9 covered (0.9).
	for i := 0; i < 9; i++ {
		tr.Add(coveredRecord(50, 0))
	}
	tr.Add(missedRecord(50, 0))

	// Overall coverage 0.75 stays inside the deviation band, so the
	// inversion is the live trigger.
	reason, halt := tr.HaltReason()
	if !halt {
		t.Fatal("expected a halt verdict")
	}
	if !strings.Contains(reason, "inverted") {
		t.Errorf("reason should name the inversion: %q", reason)
	}
}

func TestUnknownDensityUptrendHalts(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0.05)

	// 17 covered of 20 keeps coverage at the 0.85 target. Unknowns jump in
	// the last five records.
	for i := 0; i < 12; i++ {
		tr.Add(coveredRecord(80, 0))
	}
	for i := 0; i < 3; i++ {
		tr.Add(missedRecord(80, 0))
	}
	for i := 0; i < 5; i++ {
		tr.Add(coveredRecord(80, 2))
	}

	reason, halt := tr.HaltReason()
	if !halt {
		t.Fatal("expected a halt verdict")
	}
	if !strings.Contains(reason, "unknown density") {
		t.Errorf("reason should name the density trend: %q", reason)
	}
}

func TestHealthyTrackerStaysQuiet(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0.05)
	fill(tr, 17, 3) // coverage 0.85 on the nose

	if recs := tr.Recommendations(); len(recs) != 0 {
		t.Errorf("unexpected adjustments: %+v", recs)
	}
	if reason, halt := tr.HaltReason(); halt {
		t.Errorf("unexpected halt: %s", reason)
	}
}
