// Package predictor implements the prediction service: a chi HTTP API over a
// pluggable estimator, a bounded training buffer and retraining that folds
// observed outcomes back into the per-type baselines.
package predictor

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"goa.design/taskq/predict"
	"goa.design/taskq/task"
)

type (
	// Estimator produces predictions for one request. Implementations must be
	// safe for concurrent use.
	Estimator interface {
		Estimate(req predict.Request) *task.Predictions
	}

	// Baseline is the per-type prior the fallback estimator works from.
	Baseline struct {
		DurationMS int64
		CPUPercent float64
		MemoryMB   float64
	}

	// FallbackEstimator is the shipped statistical-plus-rules estimator. It
	// blends static per-type baselines with observed means and applies rule
	// tables for priority, anomaly and success scoring. Estimates are
	// deterministic unless jitter is enabled.
	FallbackEstimator struct {
		baselines func(task.Type) Baseline
		jitter    *rand.Rand
		version   string
	}

	// EstimatorOption configures a FallbackEstimator.
	EstimatorOption func(*FallbackEstimator)
)

// Rule thresholds.
const (
	anomalyThreshold  = 0.7
	deadlineSoon      = time.Hour
	deadlineImminent  = 15 * time.Minute
	oversizeFactor    = 10.0
	lowQualityScore   = 0.3
	highComplexity    = 0.9
	batchDurationMS   = 30_000
	reviewProbability = 0.5
)

// defaultBaselines are the static priors per task type.
var defaultBaselines = map[task.Type]Baseline{
	task.TypeReportGeneration:  {DurationMS: 30_000, CPUPercent: 45, MemoryMB: 512},
	task.TypeEmailNotification: {DurationMS: 1_500, CPUPercent: 5, MemoryMB: 64},
	task.TypeDataExport:        {DurationMS: 45_000, CPUPercent: 35, MemoryMB: 768},
	task.TypeImageProcessing:   {DurationMS: 12_000, CPUPercent: 80, MemoryMB: 1024},
	task.TypeBatchImport:       {DurationMS: 120_000, CPUPercent: 50, MemoryMB: 2048},
	task.TypeWebhookDelivery:   {DurationMS: 2_000, CPUPercent: 5, MemoryMB: 32},
}

// DefaultBaseline returns the static prior for typ, falling back to a generic
// profile for unknown types.
func DefaultBaseline(typ task.Type) Baseline {
	if b, ok := defaultBaselines[typ]; ok {
		return b
	}
	return Baseline{DurationMS: 10_000, CPUPercent: 25, MemoryMB: 256}
}

// WithBaselines replaces the baseline lookup. Retraining installs a lookup
// that blends observed means over this.
func WithBaselines(lookup func(task.Type) Baseline) EstimatorOption {
	return func(e *FallbackEstimator) {
		if lookup != nil {
			e.baselines = lookup
		}
	}
}

// WithJitter adds up to ±10% random noise to duration estimates. Off by
// default so equal requests yield equal predictions.
func WithJitter(seed int64) EstimatorOption {
	return func(e *FallbackEstimator) { e.jitter = rand.New(rand.NewSource(seed)) }
}

// WithVersion overrides the model version stamped on every prediction.
func WithVersion(v string) EstimatorOption {
	return func(e *FallbackEstimator) { e.version = v }
}

// NewFallbackEstimator returns the rules-based estimator.
func NewFallbackEstimator(opts ...EstimatorOption) *FallbackEstimator {
	e := &FallbackEstimator{
		baselines: DefaultBaseline,
		version:   "fallback-v1",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Version returns the model version stamped on predictions.
func (e *FallbackEstimator) Version() string { return e.version }

// Estimate computes the full prediction set for req.
func (e *FallbackEstimator) Estimate(req predict.Request) *task.Predictions {
	start := time.Now()
	f := req.Features
	base := e.baselines(req.TaskType)

	preds := &task.Predictions{ModelVersion: e.version}
	e.estimateDuration(preds, req.TaskType, f, base)
	e.scorePriority(preds, f)
	e.detectAnomaly(preds, req.TaskType, f)
	e.scoreSuccess(preds, f)
	e.estimateResources(preds, f, base)
	e.recommendDestination(preds)
	preds.PredictionTimeMS = time.Since(start).Milliseconds()
	return preds
}

func (e *FallbackEstimator) estimateDuration(preds *task.Predictions, typ task.Type, f *task.Features, base Baseline) {
	duration := float64(base.DurationMS)
	confidence := 0.5

	// Scale with input size relative to the type's baseline size, within
	// sane bounds so one oversized payload does not explode the estimate.
	if f != nil && f.InputSizeBytes != nil {
		ratio := float64(*f.InputSizeBytes) / float64(task.BaselineInputSize(typ))
		duration *= clampFloat(ratio, 0.5, 3)
		confidence += 0.1
	}
	if f != nil && f.ComplexityScore != nil {
		duration *= 1 + *f.ComplexityScore
		confidence += 0.1
	}
	if e.jitter != nil {
		duration *= 1 + (e.jitter.Float64()-0.5)*0.2
	}
	preds.PredictedDurationMS = int64(math.Round(duration))
	preds.DurationConfidence = clampFloat(confidence, 0, 1)
}

func (e *FallbackEstimator) scorePriority(preds *task.Predictions, f *task.Features) {
	factors := map[string]float64{}
	score := 5.0

	if f != nil {
		switch f.UserTier {
		case task.TierEnterprise:
			factors["tier_enterprise"] = 2
		case task.TierPremium:
			factors["tier_premium"] = 1
		}
		switch f.BusinessPriority {
		case task.BusinessCritical:
			factors["business_critical"] = 3
		case task.BusinessHigh:
			factors["business_high"] = 1.5
		case task.BusinessLow:
			factors["business_low"] = -1
		}
		if f.Deadline != nil {
			until := time.Until(time.UnixMilli(*f.Deadline))
			switch {
			case until <= deadlineImminent:
				factors["deadline_imminent"] = 3
			case until <= deadlineSoon:
				factors["deadline_soon"] = 2
			}
		}
		if f.IsPeakHours != nil && *f.IsPeakHours {
			factors["peak_hours"] = 0.5
		}
		if f.IsWeekend != nil && *f.IsWeekend {
			factors["weekend"] = -0.5
		}
	}
	for _, v := range factors {
		score += v
	}

	// The score is reported on a 0..1 scale; the raw factor sum only feeds
	// the 0..10 calculated priority.
	preds.PriorityScore = clampFloat(score/10, 0, 1)
	preds.CalculatedPriority = clampInt(int(math.Round(score)), 0, 10)
	preds.PriorityFactors = factors
	preds.PriorityReason = dominantFactor(factors)
}

// dominantFactor names the largest-magnitude contribution, ties broken
// alphabetically so the reason is stable.
func dominantFactor(factors map[string]float64) string {
	if len(factors) == 0 {
		return "baseline priority, no adjusting factors"
	}
	names := make([]string, 0, len(factors))
	for name := range factors {
		names = append(names, name)
	}
	sort.Strings(names)
	best := names[0]
	for _, name := range names[1:] {
		if math.Abs(factors[name]) > math.Abs(factors[best]) {
			best = name
		}
	}
	return "dominant factor: " + best
}

func (e *FallbackEstimator) detectAnomaly(preds *task.Predictions, typ task.Type, f *task.Features) {
	var score float64
	var tags []string

	if f != nil {
		if f.InputSizeBytes != nil {
			ratio := float64(*f.InputSizeBytes) / float64(task.BaselineInputSize(typ))
			if ratio >= oversizeFactor {
				score += 0.5
				tags = append(tags, "oversized_input")
			}
		}
		if f.DataQualityScore != nil && *f.DataQualityScore < lowQualityScore {
			score += 0.4
			tags = append(tags, "low_data_quality")
		}
		if f.ComplexityScore != nil && *f.ComplexityScore > highComplexity {
			score += 0.3
			tags = append(tags, "high_complexity")
		}
		if f.RecentTaskCount != nil && *f.RecentTaskCount > 100 {
			score += 0.3
			tags = append(tags, "burst_submitter")
		}
	}

	preds.AnomalyScore = clampFloat(score, 0, 1)
	preds.IsAnomaly = preds.AnomalyScore >= anomalyThreshold
	preds.AnomalyTags = tags
}

func (e *FallbackEstimator) scoreSuccess(preds *task.Predictions, f *task.Features) {
	probability := 0.95
	var risks []string

	if f != nil {
		if f.NeedsExternalAPI != nil && *f.NeedsExternalAPI {
			probability -= 0.05
			risks = append(risks, "external_api")
		}
		if f.DataQualityScore != nil && *f.DataQualityScore < lowQualityScore {
			probability -= 0.15
			risks = append(risks, "low_data_quality")
		}
	}
	if preds.IsAnomaly {
		probability -= 0.2
		risks = append(risks, "anomalous")
	}

	preds.SuccessProbability = clampFloat(probability, 0, 1)
	preds.RiskTags = risks
	if preds.SuccessProbability < reviewProbability {
		preds.RecommendedAction = "manual_review"
	}
}

func (e *FallbackEstimator) estimateResources(preds *task.Predictions, f *task.Features, base Baseline) {
	cpu := base.CPUPercent
	mem := base.MemoryMB
	if f != nil && f.ComplexityScore != nil {
		cpu *= 1 + *f.ComplexityScore/2
	}
	if f != nil && f.InputSizeBytes != nil {
		mem += float64(*f.InputSizeBytes) / (1 << 20) // one MB of headroom per input MB
	}
	preds.EstimatedCPUPercent = clampFloat(cpu, 0, 100)
	preds.EstimatedMemoryMB = mem
	preds.EstimatedNetworkKBPS = 64
	if f != nil && f.NeedsExternalAPI != nil && *f.NeedsExternalAPI {
		preds.EstimatedNetworkKBPS = 512
	}
}

func (e *FallbackEstimator) recommendDestination(preds *task.Predictions) {
	switch {
	case preds.IsAnomaly:
		preds.RecommendedDestination = string(task.DestAnomaly)
		preds.DestinationConfidence = 0.9
	case preds.CalculatedPriority >= 8:
		preds.RecommendedDestination = string(task.DestCritical)
		preds.DestinationConfidence = 0.8
	case preds.CalculatedPriority >= 6:
		preds.RecommendedDestination = string(task.DestHigh)
		preds.DestinationConfidence = 0.75
	case preds.CalculatedPriority <= 2 && preds.PredictedDurationMS > batchDurationMS:
		preds.RecommendedDestination = string(task.DestBatch)
		preds.DestinationConfidence = 0.7
		preds.OptimizationHints = append(preds.OptimizationHints, "defer_to_batch_window")
	case preds.CalculatedPriority >= 3:
		preds.RecommendedDestination = string(task.DestNormal)
		preds.DestinationConfidence = 0.7
	default:
		preds.RecommendedDestination = string(task.DestLow)
		preds.DestinationConfidence = 0.7
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
