package advisory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/pkg/types"
)

// namedProvider is a fixed-response provider with a configurable name,
// so aggregator weights can address it.
type namedProvider struct {
	name string
	adv  *types.Advisory
	err  error
}

func (p *namedProvider) Name() string { return p.name }

func (p *namedProvider) Score(ctx context.Context, _ types.FeatureSnapshot) (*types.Advisory, error) {
	return p.adv, p.err
}

func snapshot() types.FeatureSnapshot {
	return types.FeatureSnapshot{Instrument: "RELIANCE", Timestamp: time.Now()}
}

func TestClientNilProvider(t *testing.T) {
	c := NewClient(zap.NewNop(), nil, time.Second)

	if adv := c.Fetch(context.Background(), snapshot()); adv != nil {
		t.Fatalf("nil provider must yield nil advisory, got %+v", adv)
	}
}

func TestClientPassesAdvisoryThrough(t *testing.T) {
	want := &types.Advisory{Score: 0.6, Confidence: 0.8}
	c := NewClient(zap.NewNop(), &StaticProvider{Advisory: want}, time.Second)

	got := c.Fetch(context.Background(), snapshot())
	if got == nil || got.Score != 0.6 || got.Confidence != 0.8 {
		t.Fatalf("expected advisory passed through, got %+v", got)
	}
}

func TestClientSwallowsProviderError(t *testing.T) {
	c := NewClient(zap.NewNop(), &StaticProvider{Err: errors.New("backend down")}, time.Second)

	if adv := c.Fetch(context.Background(), snapshot()); adv != nil {
		t.Fatalf("provider error must degrade to nil, got %+v", adv)
	}
}

func TestClientTimesOutSlowProvider(t *testing.T) {
	slow := &StaticProvider{
		Advisory: &types.Advisory{Score: 0.9, Confidence: 0.9},
		Delay:    200 * time.Millisecond,
	}
	c := NewClient(zap.NewNop(), slow, 10*time.Millisecond)

	start := time.Now()
	adv := c.Fetch(context.Background(), snapshot())
	elapsed := time.Since(start)

	if adv != nil {
		t.Fatalf("slow provider must time out to nil, got %+v", adv)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("fetch must return at the timeout, took %s", elapsed)
	}
}

func TestAggregatorSingleProviderPassThrough(t *testing.T) {
	p := &namedProvider{name: "alpha", adv: &types.Advisory{Score: 0.5, Confidence: 0.8, Reason: "trend intact"}}
	agg := NewAggregator(zap.NewNop(), DefaultAggregatorConfig(), p)

	adv, err := agg.Score(context.Background(), snapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adv == nil {
		t.Fatal("expected an advisory")
	}
	if adv.Score != 0.5 || adv.Confidence != 0.8 {
		t.Fatalf("single responder should pass through, got %+v", adv)
	}
	if adv.Reason != "alpha: trend intact" {
		t.Fatalf("reason should carry the provider name, got %q", adv.Reason)
	}
}

func TestAggregatorWeightedAverage(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.Weights = map[string]decimal.Decimal{
		"alpha": decimal.NewFromInt(3),
		"beta":  decimal.NewFromInt(1),
	}
	agg := NewAggregator(zap.NewNop(), cfg,
		&namedProvider{name: "alpha", adv: &types.Advisory{Score: 1.0, Confidence: 0.8}},
		&namedProvider{name: "beta", adv: &types.Advisory{Score: 0.5, Confidence: 0.4}},
	)

	adv, err := agg.Score(context.Background(), snapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adv == nil {
		t.Fatal("expected an advisory")
	}
	// (3*1.0 + 1*0.5) / 4 = 0.875; both positive so consensus is full.
	if adv.Score != 0.875 {
		t.Fatalf("expected weighted score 0.875, got %v", adv.Score)
	}
	// (3*0.8 + 1*0.4) / 4 = 0.7, undiscounted at full consensus.
	if adv.Confidence != 0.7 {
		t.Fatalf("expected weighted confidence 0.7, got %v", adv.Confidence)
	}
}

func TestAggregatorDiscardsBelowConsensus(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.MinConsensus = 0.6
	agg := NewAggregator(zap.NewNop(), cfg,
		&namedProvider{name: "alpha", adv: &types.Advisory{Score: 0.8, Confidence: 0.9}},
		&namedProvider{name: "beta", adv: &types.Advisory{Score: -0.4, Confidence: 0.9}},
	)

	adv, err := agg.Score(context.Background(), snapshot())
	if err != nil {
		t.Fatalf("split providers are not an error, got %v", err)
	}
	if adv != nil {
		t.Fatalf("split book must yield no advisory, got %+v", adv)
	}
}

func TestAggregatorToleratesPartialFailure(t *testing.T) {
	agg := NewAggregator(zap.NewNop(), DefaultAggregatorConfig(),
		&namedProvider{name: "alpha", adv: &types.Advisory{Score: 0.5, Confidence: 0.6}},
		&namedProvider{name: "beta", err: errors.New("backend down")},
	)

	adv, err := agg.Score(context.Background(), snapshot())
	if err != nil {
		t.Fatalf("one failure with MinProviders=1 should still aggregate: %v", err)
	}
	if adv == nil || adv.Score != 0.5 {
		t.Fatalf("expected surviving provider's advisory, got %+v", adv)
	}
}

func TestAggregatorErrorsWhenTooFewRespond(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.MinProviders = 2
	agg := NewAggregator(zap.NewNop(), cfg,
		&namedProvider{name: "alpha", adv: &types.Advisory{Score: 0.5, Confidence: 0.6}},
		&namedProvider{name: "beta", err: errors.New("backend down")},
	)

	if _, err := agg.Score(context.Background(), snapshot()); err == nil {
		t.Fatal("expected an error when fewer than MinProviders respond")
	}
}

func TestAggregatorDominantSuggestion(t *testing.T) {
	agg := NewAggregator(zap.NewNop(), DefaultAggregatorConfig(),
		&namedProvider{name: "alpha", adv: &types.Advisory{Score: 0.5, Confidence: 0.6, SuggestedAlgorithm: "atr_breakout_scalper"}},
		&namedProvider{name: "beta", adv: &types.Advisory{Score: 0.4, Confidence: 0.6, SuggestedAlgorithm: "atr_breakout_scalper"}},
		&namedProvider{name: "gamma", adv: &types.Advisory{Score: 0.3, Confidence: 0.6}},
	)

	adv, err := agg.Score(context.Background(), snapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adv == nil || adv.SuggestedAlgorithm != "atr_breakout_scalper" {
		t.Fatalf("expected majority suggestion, got %+v", adv)
	}
}
