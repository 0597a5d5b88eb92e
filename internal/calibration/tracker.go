// Package calibration tracks how the bot's beliefs compare against resolved
// outcomes and decides when the numbers are bad enough to stop trading.
//
// Every resolved position appends one CalibrationRecord. Metrics are
// recomputed on each append under the tracker's lock. Once enough records
// accumulate the tracker starts issuing parameter adjustments (tighten edge
// thresholds, narrow ranges) and, past a second threshold, halt verdicts.
package calibration

import (
	"fmt"
	"math"
	"sync"

	"polymarket-edge/pkg/types"
)

// Record-count floors and coverage bands for adjustments and halts.
const (
	minRecordsForAdjustment = 10
	minRecordsForHalt       = 20
	narrowAfterRecords      = 50

	targetCoverage    = 0.85
	coverageTolerance = 0.15
	lowCoverage       = 0.75
	highCoverage      = 0.95

	// Adjustment magnitudes.
	edgeThresholdStep    = 0.03
	confidenceOffsetStep = 5.0
	narrowRangesStep     = 2.0

	bucketMinSamples = 5
	trendWindow      = 20
	trendSpan        = 5
)

// ConfidenceBucket partitions records by confidence at entry.
type ConfidenceBucket string

const (
	BucketHigh   ConfidenceBucket = "high"   // >= 75
	BucketMedium ConfidenceBucket = "medium" // 60..74
	BucketLow    ConfidenceBucket = "low"    // < 60
)

func bucketFor(confidence float64) ConfidenceBucket {
	switch {
	case confidence >= 75:
		return BucketHigh
	case confidence >= 60:
		return BucketMedium
	default:
		return BucketLow
	}
}

// BucketStats is per-bucket coverage.
type BucketStats struct {
	Samples  int     `json:"samples"`
	Covered  int     `json:"covered"`
	Accuracy float64 `json:"accuracy"` // covered / samples
}

// Metrics is the tracker's aggregate view, recomputed on each append.
type Metrics struct {
	Records           int                              `json:"records"`
	RangeCoverage     float64                          `json:"rangeCoverage"`
	BucketAccuracy    map[ConfidenceBucket]BucketStats `json:"bucketAccuracy"`
	WeightedAccuracy  float64                          `json:"weightedAccuracy"` // sample-weighted across buckets
	EdgeEffectiveness float64                          `json:"edgeEffectiveness"`
	UnknownDensity    float64                          `json:"unknownDensity"`
}

// AdjustmentKind names a parameter nudge the tracker can recommend.
type AdjustmentKind string

const (
	RaiseEdgeThresholds AdjustmentKind = "raise_edge_thresholds"
	NarrowBeliefRanges  AdjustmentKind = "narrow_belief_ranges"
)

// Adjustment is one recommended parameter change.
type Adjustment struct {
	Kind            AdjustmentKind
	EdgeDelta       float64 // added to every category threshold
	ConfidenceDelta float64 // points of extra confidence to demand
	NarrowBy        float64 // points shaved off each belief bound per update
	Reason          string
}

// Tracker is the append-only calibration accumulator.
type Tracker struct {
	mu      sync.Mutex
	records []types.CalibrationRecord
	metrics Metrics
	epsilon float64 // unknown-density uptrend sensitivity
}

// NewTracker builds a tracker. epsilon tunes the unknown-density uptrend
// halt trigger.
func NewTracker(epsilon float64) *Tracker {
	return &Tracker{
		epsilon: epsilon,
		metrics: Metrics{BucketAccuracy: map[ConfidenceBucket]BucketStats{}},
	}
}

// Add appends a record and recomputes metrics.
func (t *Tracker) Add(rec types.CalibrationRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
	t.recompute()
}

// Metrics returns the current aggregate metrics. The bucket map is copied.
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.metrics
	out.BucketAccuracy = make(map[ConfidenceBucket]BucketStats, len(t.metrics.BucketAccuracy))
	for k, v := range t.metrics.BucketAccuracy {
		out.BucketAccuracy[k] = v
	}
	return out
}

// Recommendations returns the parameter adjustments warranted by the
// current metrics. Empty until ten records have accumulated.
func (t *Tracker) Recommendations() []Adjustment {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) < minRecordsForAdjustment {
		return nil
	}

	var out []Adjustment
	if t.metrics.RangeCoverage < lowCoverage {
		out = append(out, Adjustment{
			Kind:            RaiseEdgeThresholds,
			EdgeDelta:       edgeThresholdStep,
			ConfidenceDelta: confidenceOffsetStep,
			Reason: fmt.Sprintf("range coverage %.2f below %.2f: beliefs miss too often, demand more edge and confidence",
				t.metrics.RangeCoverage, lowCoverage),
		})
	}
	if len(t.records) >= narrowAfterRecords && t.metrics.RangeCoverage > highCoverage {
		out = append(out, Adjustment{
			Kind:     NarrowBeliefRanges,
			NarrowBy: narrowRangesStep,
			Reason: fmt.Sprintf("range coverage %.2f above %.2f over %d records: ranges are wider than they need to be",
				t.metrics.RangeCoverage, highCoverage, len(t.records)),
		})
	}
	return out
}

// HaltReason checks the halt triggers and returns a structured reason when
// one fires. Triggers stay silent until twenty records have accumulated.
// The three-consecutive-invalidations trigger lives in the orchestrator,
// which owns exit bookkeeping.
func (t *Tracker) HaltReason() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) < minRecordsForHalt {
		return "", false
	}

	// Slack keeps a ratio landing exactly on the band edge (50/50 covered
	// gives |1.00-0.85| = 0.15 plus float error) from halting.
	if dev := math.Abs(t.metrics.RangeCoverage - targetCoverage); dev > coverageTolerance+1e-9 {
		return fmt.Sprintf("calibration: range coverage %.2f deviates from target %.2f by %.2f (tolerance %.2f)",
			t.metrics.RangeCoverage, targetCoverage, dev, coverageTolerance), true
	}

	high := t.metrics.BucketAccuracy[BucketHigh]
	low := t.metrics.BucketAccuracy[BucketLow]
	if high.Samples >= bucketMinSamples && low.Samples >= bucketMinSamples && high.Accuracy < low.Accuracy {
		return fmt.Sprintf("calibration: confidence buckets inverted: high %.2f (%d samples) below low %.2f (%d samples)",
			high.Accuracy, high.Samples, low.Accuracy, low.Samples), true
	}

	if rising, recent, prior := t.densityUptrend(); rising {
		return fmt.Sprintf("calibration: unknown density rising: last %d mean %.2f vs prior %.2f (epsilon %.2f)",
			trendSpan, recent, prior, t.epsilon), true
	}

	return "", false
}

// densityUptrend compares mean unknowns-at-entry of the last trendSpan
// records against the trendSpan before them, over the trailing trendWindow.
// Callers hold the lock.
func (t *Tracker) densityUptrend() (bool, float64, float64) {
	window := t.records
	if len(window) > trendWindow {
		window = window[len(window)-trendWindow:]
	}
	if len(window) < 2*trendSpan {
		return false, 0, 0
	}
	recent := meanUnknowns(window[len(window)-trendSpan:])
	prior := meanUnknowns(window[len(window)-2*trendSpan : len(window)-trendSpan])
	return recent > prior+t.epsilon, recent, prior
}

// recompute rebuilds all metrics from the record list. Callers hold the
// lock.
func (t *Tracker) recompute() {
	m := Metrics{
		Records:        len(t.records),
		BucketAccuracy: map[ConfidenceBucket]BucketStats{},
	}

	covered := 0
	totalUnknowns := 0
	for _, rec := range t.records {
		inRange := rec.Covered()
		if inRange {
			covered++
		}
		totalUnknowns += rec.UnknownsAtEntry

		b := bucketFor(rec.ConfidenceAtEntry)
		stats := m.BucketAccuracy[b]
		stats.Samples++
		if inRange {
			stats.Covered++
		}
		m.BucketAccuracy[b] = stats
	}

	if len(t.records) > 0 {
		m.RangeCoverage = float64(covered) / float64(len(t.records))
		m.EdgeEffectiveness = m.RangeCoverage
		m.UnknownDensity = float64(totalUnknowns) / float64(len(t.records))
	}
	weightedSum := 0.0
	for b, stats := range m.BucketAccuracy {
		if stats.Samples > 0 {
			stats.Accuracy = float64(stats.Covered) / float64(stats.Samples)
			m.BucketAccuracy[b] = stats
			weightedSum += stats.Accuracy * float64(stats.Samples)
		}
	}
	if len(t.records) > 0 {
		m.WeightedAccuracy = weightedSum / float64(len(t.records))
	}

	t.metrics = m
}

func meanUnknowns(recs []types.CalibrationRecord) float64 {
	if len(recs) == 0 {
		return 0
	}
	sum := 0
	for _, r := range recs {
		sum += r.UnknownsAtEntry
	}
	return float64(sum) / float64(len(recs))
}
