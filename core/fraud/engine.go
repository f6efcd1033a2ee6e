// Package fraud implements the engine that turns provider risk verdicts
// into one fraud/trust/confidence triple per evaluated request or action.
package fraud

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crossmesh/bridgecore/core/logging"
	"github.com/crossmesh/bridgecore/core/metrics"
	"github.com/crossmesh/bridgecore/core/profiles"
	"github.com/crossmesh/bridgecore/core/types"
)

// Decision reasons recorded on analyses.
const (
	ReasonScoresWithinLimits = "scores_within_limits"
	ReasonFraudScoreLimit    = "fraud_score_exceeds_limit"
	ReasonTrustBelowFloor    = "trust_score_below_floor"
	ReasonHistoricalFallback = "historical_fallback"
	ReasonNoProvider         = "no_provider_available"
)

const maxProviderConfidence = 95

// missingProviderPenalty is the confidence cost of each provider that did
// not respond within its timeout.
const missingProviderPenalty = 15

// ProviderEntry pairs a risk provider with its combination weight.
type ProviderEntry struct {
	Provider types.RiskProvider
	Weight   float64
}

// Engine queries the configured providers and combines their outputs.
// Provider calls never run under any ledger lock: evaluate, then commit.
type Engine struct {
	providers        []ProviderEntry
	timeout          time.Duration
	profiles         *profiles.Store
	suspiciousCutoff float64
	trustFloor       float64
	minConfidence    float64
	retention        int
	now              func() time.Time
	logger           *zap.Logger

	mu      sync.Mutex
	history map[string][]types.FraudAnalysis
}

var _ types.IFraudEngine = (*Engine)(nil)

// NewEngineOptions contains options for creating an Engine.
type NewEngineOptions struct {
	// Providers is the ordered provider list; weights must sum to 1.
	Providers []ProviderEntry
	// Timeout bounds each provider call.
	Timeout time.Duration
	// Profiles receives the per-actor outcome of every evaluation.
	Profiles *profiles.Store
	// SuspiciousCutoff is the fraud score above which an action counts as
	// suspicious.
	SuspiciousCutoff float64
	// TrustFloor is the minimum trust score of the is-valid rule.
	TrustFloor float64
	// MinConfidence is the floor used for fallback evaluations.
	MinConfidence float64
	// Retention caps retained analyses per actor.
	Retention int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewEngine creates a fraud scoring engine.
func NewEngine(options NewEngineOptions) (*Engine, error) {
	if options.Profiles == nil {
		return nil, errors.New("profile store is required")
	}
	if options.Timeout <= 0 {
		return nil, errors.New("provider timeout must be positive")
	}
	var sum float64
	for _, p := range options.Providers {
		if p.Provider == nil {
			return nil, errors.New("nil provider in list")
		}
		if p.Weight < 0 {
			return nil, errors.Errorf("provider %s has negative weight", p.Provider.Name())
		}
		sum += p.Weight
	}
	if len(options.Providers) > 0 && (sum < 0.999 || sum > 1.001) {
		return nil, errors.Errorf("provider weights sum to %f, want 1", sum)
	}
	retention := options.Retention
	if retention <= 0 {
		retention = 500
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		providers:        options.Providers,
		timeout:          options.Timeout,
		profiles:         options.Profiles,
		suspiciousCutoff: options.SuspiciousCutoff,
		trustFloor:       options.TrustFloor,
		minConfidence:    options.MinConfidence,
		retention:        retention,
		now:              now,
		logger:           logging.Named("fraud"),
		history:          make(map[string][]types.FraudAnalysis),
	}, nil
}

// Evaluate queries every provider concurrently and combines the verdicts.
// It always returns an analysis: unreachable providers cost confidence,
// and with none responding the actor's rolling historical average is used
// at minimum confidence. With no history either, the evaluation fails
// closed.
func (e *Engine) Evaluate(ctx context.Context, actor string, rc types.RiskContext) (*types.FraudAnalysis, error) {
	if actor == "" {
		return nil, errors.Wrap(types.ErrValidation, "actor is required")
	}
	start := e.now()

	results := e.fanOut(ctx, actor, rc)
	analysis := e.combine(actor, results)
	analysis.ID = uuid.NewString()
	analysis.Actor = actor
	analysis.CreatedAt = e.now()

	e.updateProfile(ctx, actor, analysis)
	e.retain(actor, *analysis)

	metrics.EvaluationDuration.Observe(e.now().Sub(start).Seconds())
	return analysis, nil
}

// ListAnalyses returns retained analyses for an actor, newest first.
func (e *Engine) ListAnalyses(_ context.Context, actor string, limit int) ([]types.FraudAnalysis, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.history[actor]
	if limit <= 0 || limit > len(kept) {
		limit = len(kept)
	}
	out := make([]types.FraudAnalysis, limit)
	for i := 0; i < limit; i++ {
		out[i] = kept[len(kept)-1-i]
	}
	return out, nil
}

type providerResult struct {
	entry      ProviderEntry
	assessment *types.RiskAssessment
}

// fanOut queries all providers concurrently, each bounded by the engine
// timeout. Failures are logged and counted, never propagated.
func (e *Engine) fanOut(ctx context.Context, actor string, rc types.RiskContext) []providerResult {
	if len(e.providers) == 0 {
		return nil
	}

	out := make([]*types.RiskAssessment, len(e.providers))
	var wg sync.WaitGroup
	for i, entry := range e.providers {
		wg.Add(1)
		go func(i int, entry ProviderEntry) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			assessment, err := entry.Provider.Analyze(callCtx, actor, rc)
			if err != nil {
				metrics.ProviderFailuresTotal.WithLabelValues(entry.Provider.Name()).Inc()
				e.logger.Warn("risk provider failed",
					zap.String("provider", entry.Provider.Name()),
					zap.String("actor", actor),
					zap.Error(err))
				return
			}
			out[i] = assessment
		}(i, entry)
	}
	wg.Wait()

	results := make([]providerResult, 0, len(e.providers))
	for i, a := range out {
		if a != nil {
			results = append(results, providerResult{entry: e.providers[i], assessment: a})
		}
	}
	return results
}

// combine folds provider results into one analysis using the configured
// weights, renormalized over the providers that responded.
func (e *Engine) combine(actor string, results []providerResult) *types.FraudAnalysis {
	if len(results) == 0 {
		return e.fallback(actor)
	}

	var weightSum float64
	for _, r := range results {
		weightSum += r.entry.Weight
	}
	if weightSum == 0 {
		// All-zero weights degrade to a plain mean.
		for i := range results {
			results[i].entry.Weight = 1
		}
		weightSum = float64(len(results))
	}

	var fraudScore, trustScore float64
	for _, r := range results {
		w := r.entry.Weight / weightSum
		fraudScore += clampScore(r.assessment.FraudScore) * w
		trustScore += clampScore(r.assessment.TrustScore) * w
	}

	missing := len(e.providers) - len(results)
	confidence := e.confidence(fraudScore, missing)

	analysis := &types.FraudAnalysis{
		FraudScore: fraudScore,
		TrustScore: trustScore,
		Confidence: confidence,
		Providers:  len(results),
	}
	analysis.IsValid, analysis.Reason = e.decide(fraudScore, trustScore)
	return analysis
}

// fallback serves the actor's rolling historical average at minimum
// confidence, failing closed when there is no history.
func (e *Engine) fallback(actor string) *types.FraudAnalysis {
	metrics.FallbackEvaluationsTotal.Inc()

	fraudScore, trustScore, ok := e.profiles.HistoricalAverage(actor)
	if !ok {
		e.logger.Error("no provider and no history, failing closed",
			zap.String("actor", actor))
		return &types.FraudAnalysis{
			FraudScore: types.ScoreMax,
			TrustScore: types.ScoreMin,
			IsValid:    false,
			Confidence: e.minConfidence,
			Reason:     ReasonNoProvider,
			Providers:  0,
		}
	}

	analysis := &types.FraudAnalysis{
		FraudScore: fraudScore,
		TrustScore: trustScore,
		Confidence: e.minConfidence,
		Reason:     ReasonHistoricalFallback,
		Providers:  0,
	}
	analysis.IsValid, _ = e.decide(fraudScore, trustScore)
	return analysis
}

// decide applies the is-valid rule: fraud score below half of max AND trust
// score above the floor, evaluated together.
func (e *Engine) decide(fraudScore, trustScore float64) (bool, string) {
	fraudOK := fraudScore < types.ScoreMax/2
	trustOK := trustScore > e.trustFloor
	switch {
	case fraudOK && trustOK:
		return true, ReasonScoresWithinLimits
	case !fraudOK:
		return false, ReasonFraudScoreLimit
	default:
		return false, ReasonTrustBelowFloor
	}
}

// confidence grows with the distance of the combined fraud score from the
// ambiguous middle of the range, and shrinks for every provider that did
// not respond. Near-certain extremes land around 95, the ambiguous middle
// around 75.
func (e *Engine) confidence(fraudScore float64, missingProviders int) float64 {
	mid := types.ScoreMax / 2
	separation := fraudScore - mid
	if separation < 0 {
		separation = -separation
	}
	confidence := 75 + 20*(separation/mid)
	if confidence > maxProviderConfidence {
		confidence = maxProviderConfidence
	}
	confidence -= float64(missingProviders) * missingProviderPenalty
	if confidence < e.minConfidence {
		confidence = e.minConfidence
	}
	return confidence
}

// updateProfile folds the analysis into the actor's profile. Suspicious
// actions carry the reason that triggered them so a fraud-score flag stays
// distinguishable from a risk-assessment flag.
func (e *Engine) updateProfile(ctx context.Context, actor string, analysis *types.FraudAnalysis) {
	suspicious := false
	reason := types.FlagNone
	switch {
	case analysis.FraudScore > e.suspiciousCutoff:
		suspicious = true
		reason = types.FlagFraudScore
	case !analysis.IsValid:
		suspicious = true
		reason = types.FlagRiskAssessment
	}
	e.profiles.RecordAnalysis(ctx, actor, analysis, suspicious, reason)
}

func (e *Engine) retain(actor string, analysis types.FraudAnalysis) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := append(e.history[actor], analysis)
	if len(kept) > e.retention {
		kept = kept[len(kept)-e.retention:]
	}
	e.history[actor] = kept
}

func clampScore(s float64) float64 {
	if s < types.ScoreMin {
		return types.ScoreMin
	}
	if s > types.ScoreMax {
		return types.ScoreMax
	}
	return s
}
