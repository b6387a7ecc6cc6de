// Package regime classifies market conditions into discrete regimes.
// Classification is rule-ordered: the first matching rule wins, so
// overlapping conditions (e.g. a high-volatility bull trend) resolve by
// priority, not by confidence magnitude.
package regime

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/pkg/types"
)

// ClassifierError represents a classification error.
type ClassifierError struct {
	Message string
}

func (e *ClassifierError) Error() string { return e.Message }

// ErrInsufficientHistory is returned when the rolling window holds fewer
// than the minimum required samples. The caller must skip the decision
// epoch, never substitute a guessed regime.
var ErrInsufficientHistory = &ClassifierError{Message: "insufficient history for classification"}

// Config configures the classifier thresholds.
type Config struct {
	MinSamples          int     // minimum window samples before classifying
	ShortWindow         int     // short moving-average window
	LongWindow          int     // long moving-average window
	VolatilityCeiling   float64 // above this, regime is volatile
	FlatnessThreshold   float64 // trend strength below this is sideways
	HighImpactSentiment float64 // |sentiment| above this with an event flag is event-driven
	HighConfidenceFloor float64 // fallback confidence is capped below this
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinSamples:          30,
		ShortWindow:         10,
		LongWindow:          30,
		VolatilityCeiling:   0.75,
		FlatnessThreshold:   20.0,
		HighImpactSentiment: 0.6,
		HighConfidenceFloor: 0.6,
	}
}

// Classifier turns feature snapshots into regime states. It keeps one
// rolling price window per instrument; classification itself is a pure
// function of the snapshot and the frozen window.
type Classifier struct {
	logger *zap.Logger
	config Config

	mu      sync.RWMutex
	windows map[string][]decimal.Decimal
	last    map[string]types.RegimeState
}

// NewClassifier creates a classifier.
func NewClassifier(logger *zap.Logger, config Config) *Classifier {
	return &Classifier{
		logger:  logger.Named("regime"),
		config:  config,
		windows: make(map[string][]decimal.Decimal),
		last:    make(map[string]types.RegimeState),
	}
}

// Observe appends a snapshot's price to the instrument's rolling window.
func (c *Classifier) Observe(snap types.FeatureSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := append(c.windows[snap.Instrument], snap.Price)
	if max := c.config.LongWindow * 2; len(w) > max {
		w = w[len(w)-c.config.LongWindow:]
	}
	c.windows[snap.Instrument] = w
}

// Classify returns the regime for a snapshot against the instrument's
// current window. It does not mutate the window; repeated calls with an
// identical snapshot and window return identical output. Callers feed
// the window via Observe before classifying.
func (c *Classifier) Classify(snap types.FeatureSnapshot) (types.RegimeState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	window := c.windows[snap.Instrument]
	if len(window) < c.config.MinSamples {
		return types.RegimeState{}, ErrInsufficientHistory
	}

	state := c.classify(snap, window)
	c.last[snap.Instrument] = state
	return state, nil
}

// classify applies the ordered rule table. Caller holds the lock.
func (c *Classifier) classify(snap types.FeatureSnapshot, window []decimal.Decimal) types.RegimeState {
	state := types.RegimeState{
		Volatility:    snap.Volatility,
		TrendStrength: snap.TrendStrength,
		At:            snap.Timestamp,
	}

	shortAvg := average(window, c.config.ShortWindow)
	longAvg := average(window, c.config.LongWindow)

	switch {
	case snap.EventFlag && math.Abs(snap.Sentiment) >= c.config.HighImpactSentiment:
		state.Regime = types.RegimeEventDriven
		state.Confidence = clamp01(math.Abs(snap.Sentiment))

	case snap.Volatility > c.config.VolatilityCeiling:
		state.Regime = types.RegimeVolatile
		state.Confidence = clamp01(0.5 + snap.Volatility/(2*c.config.VolatilityCeiling)*0.5)

	case snap.Price.GreaterThan(longAvg) && shortAvg.GreaterThan(longAvg):
		state.Regime = types.RegimeBull
		state.Confidence = trendConfidence(shortAvg, longAvg)

	case snap.Price.LessThan(longAvg) && shortAvg.LessThan(longAvg):
		state.Regime = types.RegimeBear
		state.Confidence = trendConfidence(shortAvg, longAvg)

	case snap.TrendStrength < c.config.FlatnessThreshold:
		state.Regime = types.RegimeSideways
		state.Confidence = clamp01(0.5 + (c.config.FlatnessThreshold-snap.TrendStrength)/c.config.FlatnessThreshold*0.3)

	default:
		// Choppy: neither trending nor flat enough to call. Confidence
		// stays capped below the high-confidence floor so the router
		// takes its conservative branch.
		state.Regime = types.RegimeSideways
		state.Confidence = c.config.HighConfidenceFloor - 0.1
	}

	c.logger.Debug("regime classified",
		zap.String("instrument", snap.Instrument),
		zap.String("regime", string(state.Regime)),
		zap.Float64("confidence", state.Confidence))

	return state
}

// Last returns the most recent regime state for an instrument.
func (c *Classifier) Last(instrument string) (types.RegimeState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.last[instrument]
	return state, ok
}

// WindowLen returns the current window size for an instrument.
func (c *Classifier) WindowLen(instrument string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.windows[instrument])
}

// trendConfidence scales the short/long average separation to [0.55, 0.95].
func trendConfidence(shortAvg, longAvg decimal.Decimal) float64 {
	if longAvg.IsZero() {
		return 0.55
	}
	sep, _ := shortAvg.Sub(longAvg).Abs().Div(longAvg).Float64()
	return clamp01(0.55 + math.Min(sep*10, 0.4))
}

// average computes the mean of the trailing n window entries.
func average(window []decimal.Decimal, n int) decimal.Decimal {
	if n > len(window) {
		n = len(window)
	}
	if n == 0 {
		return decimal.Zero
	}

	sum := decimal.Zero
	for _, p := range window[len(window)-n:] {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
