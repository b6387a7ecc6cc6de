// Package router maps regime and risk context to a concrete trading
// algorithm configuration using a deterministic rule table.
package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/pkg/types"
)

// RouterError represents a routing error.
type RouterError struct {
	Message string
}

func (e *RouterError) Error() string { return e.Message }

// ErrUnexplainableOverride is returned when an advisory override lacks a
// reason string. The override is rejected and the base selection is
// still returned alongside the error.
var ErrUnexplainableOverride = &RouterError{Message: "advisory override rejected: missing reason string"}

// Config configures the router.
type Config struct {
	// MinInterval is the shortest supported bar size; interval selection
	// never goes below it.
	MinInterval types.Interval
	// OverrideConfidence is the advisory confidence threshold required
	// to override the base mapping.
	OverrideConfidence float64
	// ConfidenceFloor forces the conservative branch when the regime
	// confidence falls below it.
	ConfidenceFloor float64
	// VolatilityStepDown shortens the interval one step when regime
	// volatility exceeds it.
	VolatilityStepDown float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinInterval:        types.Interval1m,
		OverrideConfidence: 0.75,
		ConfidenceFloor:    0.6,
		VolatilityStepDown: 0.45,
	}
}

// algoSpec is one row of the base mapping table.
type algoSpec struct {
	AlgorithmID    string
	Family         types.AlgorithmFamily
	Interval       types.Interval
	Indicators     []types.IndicatorRule
	ChartTransform types.ChartTransform
}

// baseTable keys the deterministic base mapping by regime.
var baseTable = map[types.Regime]algoSpec{
	types.RegimeBull: {
		AlgorithmID: "supertrend_ema_cross",
		Family:      types.FamilyTrendFollowing,
		Interval:    types.Interval15m,
		Indicators: []types.IndicatorRule{
			{Indicator: "SuperTrend", Comparator: "price_above"},
			{Indicator: "EMA_Cross", Comparator: "fast_above_slow"},
		},
		ChartTransform: types.ChartRaw,
	},
	types.RegimeBear: {
		AlgorithmID: "supertrend_short",
		Family:      types.FamilyTrendFollowing,
		Interval:    types.Interval15m,
		Indicators: []types.IndicatorRule{
			{Indicator: "SuperTrend", Comparator: "price_below"},
			{Indicator: "EMA_Cross", Comparator: "fast_below_slow"},
		},
		ChartTransform: types.ChartRaw,
	},
	types.RegimeSideways: {
		AlgorithmID: "bollinger_stochastic",
		Family:      types.FamilyMeanReversion,
		Interval:    types.Interval1h,
		Indicators: []types.IndicatorRule{
			{Indicator: "Bollinger", Comparator: "band_touch"},
			{Indicator: "Stochastic", Comparator: "oversold_overbought"},
		},
		ChartTransform: types.ChartRaw,
	},
	types.RegimeVolatile: {
		AlgorithmID: "atr_breakout_scalper",
		Family:      types.FamilyBreakoutScalping,
		Interval:    types.Interval5m,
		Indicators: []types.IndicatorRule{
			{Indicator: "Bollinger", Comparator: "band_break"},
			{Indicator: "ATR", Comparator: "expansion"},
			{Indicator: "RSI", Comparator: "extreme"},
		},
		ChartTransform: types.ChartHeikinAshi,
	},
	types.RegimeEventDriven: {
		AlgorithmID: "sentiment_scalper",
		Family:      types.FamilySentimentWeighted,
		Interval:    types.Interval1m,
		Indicators: []types.IndicatorRule{
			{Indicator: "RSI", Comparator: "extreme"},
			{Indicator: "VWAP", Comparator: "distance"},
		},
		ChartTransform: types.ChartHeikinAshi,
	},
}

// fallbackSpec is the conservative branch taken on low regime
// confidence. Never the highest-risk branch.
var fallbackSpec = algoSpec{
	AlgorithmID: "defensive_range",
	Family:      types.FamilyMeanReversion,
	Interval:    types.Interval1h,
	Indicators: []types.IndicatorRule{
		{Indicator: "Bollinger", Comparator: "band_touch"},
		{Indicator: "RSI", Comparator: "neutral_zone"},
	},
	ChartTransform: types.ChartRaw,
}

// knownAlgos indexes every routable algorithm so advisory overrides to a
// known algorithm inherit its family and indicator set.
var knownAlgos = func() map[string]algoSpec {
	m := map[string]algoSpec{fallbackSpec.AlgorithmID: fallbackSpec}
	for _, spec := range baseTable {
		m[spec.AlgorithmID] = spec
	}
	return m
}()

// Router selects algorithm configurations. The rule tables are
// read-only; state is limited to override counters.
type Router struct {
	logger *zap.Logger
	config Config

	mu                sync.RWMutex
	overridesApplied  int
	overridesRejected int
}

// NewRouter creates a router.
func NewRouter(logger *zap.Logger, config Config) *Router {
	return &Router{
		logger: logger.Named("router"),
		config: config,
	}
}

// Select maps (regime, risk profile, advisory) to a selection.
//
// The advisory may override the base mapping only when its confidence
// exceeds the configured threshold and it carries a reason string. A
// reasonless override returns ErrUnexplainableOverride together with
// the untouched base selection, so callers always have a valid routing
// decision. A nil advisory (provider unavailable or timed out) routes
// by the base table alone.
func (r *Router) Select(state types.RegimeState, profile types.RiskProfile, adv *types.Advisory) (types.AlgorithmSelection, error) {
	spec, conservative := r.baseSpec(state)
	sel := types.AlgorithmSelection{
		AlgorithmID:    spec.AlgorithmID,
		Family:         spec.Family,
		Interval:       r.selectInterval(spec, state),
		Indicators:     spec.Indicators,
		ChartTransform: spec.ChartTransform,
	}

	if conservative || adv == nil || adv.SuggestedAlgorithm == "" ||
		adv.Confidence < r.config.OverrideConfidence {
		return sel, nil
	}

	if adv.Reason == "" {
		r.mu.Lock()
		r.overridesRejected++
		r.mu.Unlock()

		r.logger.Warn("advisory override rejected without reason",
			zap.String("suggested", adv.SuggestedAlgorithm),
			zap.Float64("confidence", adv.Confidence))
		return sel, ErrUnexplainableOverride
	}

	// Overrides to a known algorithm carry its paired indicator set;
	// unknown algorithm ids keep the base pairing.
	if known, ok := knownAlgos[adv.SuggestedAlgorithm]; ok {
		sel.Family = known.Family
		sel.Indicators = known.Indicators
		sel.ChartTransform = known.ChartTransform
	}
	sel.AlgorithmID = adv.SuggestedAlgorithm
	sel.OverrideApplied = true
	sel.OverrideReason = adv.Reason

	r.mu.Lock()
	r.overridesApplied++
	r.mu.Unlock()

	r.logger.Info("advisory override applied",
		zap.String("algorithm", sel.AlgorithmID),
		zap.String("reason", adv.Reason),
		zap.Float64("confidence", adv.Confidence))

	return sel, nil
}

// baseSpec resolves the table row, falling back to the conservative
// branch on low confidence.
func (r *Router) baseSpec(state types.RegimeState) (algoSpec, bool) {
	if state.Confidence < r.config.ConfidenceFloor {
		return fallbackSpec, true
	}
	if spec, ok := baseTable[state.Regime]; ok {
		return spec, false
	}
	return fallbackSpec, true
}

// selectInterval applies the volatility-linked interval rule: higher
// regime volatility shortens the interval, never below the floor.
// Event-driven regimes force the shortest supported interval.
func (r *Router) selectInterval(spec algoSpec, state types.RegimeState) types.Interval {
	if state.Regime == types.RegimeEventDriven {
		return r.config.MinInterval
	}

	iv := spec.Interval
	if state.Volatility > r.config.VolatilityStepDown {
		iv = stepShorter(iv)
	}
	return types.ClampInterval(iv, r.config.MinInterval)
}

// stepShorter returns the next shorter supported interval.
func stepShorter(iv types.Interval) types.Interval {
	for i, candidate := range types.Intervals {
		if candidate == iv {
			if i == 0 {
				return iv
			}
			return types.Intervals[i-1]
		}
	}
	return iv
}

// Stats returns override counters.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		OverridesApplied:  r.overridesApplied,
		OverridesRejected: r.overridesRejected,
	}
}

// Stats contains router statistics.
type Stats struct {
	OverridesApplied  int `json:"overridesApplied"`
	OverridesRejected int `json:"overridesRejected"`
}
