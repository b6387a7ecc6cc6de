package advisory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/pkg/types"
)

// AggregatorConfig configures consensus scoring across providers.
type AggregatorConfig struct {
	// MinProviders is the minimum number of successful responses needed
	// to emit an advisory at all.
	MinProviders int
	// MinConsensus is the minimum agreement ratio between responding
	// providers. Below it the aggregate is discarded.
	MinConsensus float64
	// Weights scales each provider's contribution by name. Providers
	// without an entry get weight 1.
	Weights map[string]decimal.Decimal
}

// DefaultAggregatorConfig returns sensible defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		MinProviders: 1,
		MinConsensus: 0.5,
		Weights:      make(map[string]decimal.Decimal),
	}
}

// Aggregator fans a snapshot out to several providers and folds their
// responses into a single weighted advisory. It implements Provider, so
// the pipeline consumes it through the same timeout-bounded Client as a
// single backend.
type Aggregator struct {
	logger    *zap.Logger
	config    AggregatorConfig
	providers []Provider
}

// NewAggregator creates an aggregator over the given providers.
func NewAggregator(logger *zap.Logger, config AggregatorConfig, providers ...Provider) *Aggregator {
	return &Aggregator{
		logger:    logger.Named("aggregator"),
		config:    config,
		providers: providers,
	}
}

// Name implements Provider.
func (a *Aggregator) Name() string { return "aggregate" }

type response struct {
	name string
	adv  *types.Advisory
}

// Score implements Provider. Provider failures are tolerated as long as
// MinProviders respond; total failure returns an error so the client
// records a degraded fetch.
func (a *Aggregator) Score(ctx context.Context, snap types.FeatureSnapshot) (*types.Advisory, error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		responses []response
	)

	for _, p := range a.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()

			adv, err := p.Score(ctx, snap)
			if err != nil {
				a.logger.Debug("provider failed",
					zap.String("provider", p.Name()),
					zap.Error(err))
				return
			}
			if adv == nil {
				return
			}

			mu.Lock()
			responses = append(responses, response{name: p.Name(), adv: adv})
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	if len(responses) < a.config.MinProviders {
		return nil, errors.New("not enough advisory providers responded")
	}

	// Weighted score and confidence; consensus is the share of
	// responders agreeing with the aggregate direction.
	var (
		weightSum decimal.Decimal
		scoreSum  decimal.Decimal
		confSum   decimal.Decimal
	)
	for _, r := range responses {
		w, ok := a.config.Weights[r.name]
		if !ok {
			w = decimal.NewFromInt(1)
		}
		weightSum = weightSum.Add(w)
		scoreSum = scoreSum.Add(w.Mul(decimal.NewFromFloat(r.adv.Score)))
		confSum = confSum.Add(w.Mul(decimal.NewFromFloat(r.adv.Confidence)))
	}
	if weightSum.IsZero() {
		return nil, errors.New("all advisory providers carry zero weight")
	}

	score, _ := scoreSum.Div(weightSum).Float64()
	confidence, _ := confSum.Div(weightSum).Float64()

	agreeing := 0
	for _, r := range responses {
		if sameDirection(r.adv.Score, score) {
			agreeing++
		}
	}
	consensus := float64(agreeing) / float64(len(responses))
	if consensus < a.config.MinConsensus {
		a.logger.Debug("advisory consensus below threshold",
			zap.String("instrument", snap.Instrument),
			zap.Float64("consensus", consensus))
		return nil, nil
	}

	// Confidence is discounted by disagreement.
	confidence *= consensus

	return &types.Advisory{
		Score:              score,
		Confidence:         confidence,
		SuggestedAlgorithm: dominantSuggestion(responses),
		Reason:             joinReasons(responses),
	}, nil
}

func sameDirection(a, b float64) bool {
	if a == 0 || b == 0 {
		return a == b
	}
	return (a > 0) == (b > 0)
}

func dominantSuggestion(responses []response) string {
	counts := make(map[string]int)
	best := ""
	for _, r := range responses {
		s := r.adv.SuggestedAlgorithm
		if s == "" {
			continue
		}
		counts[s]++
		if best == "" || counts[s] > counts[best] {
			best = s
		}
	}
	return best
}

func joinReasons(responses []response) string {
	parts := make([]string, 0, len(responses))
	for _, r := range responses {
		if r.adv.Reason == "" {
			continue
		}
		parts = append(parts, r.name+": "+r.adv.Reason)
	}
	return strings.Join(parts, "; ")
}
