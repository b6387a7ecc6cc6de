// Package types provides shared type definitions for the decision core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Regime is a discrete label for prevailing market behaviour.
type Regime string

const (
	RegimeBull        Regime = "bull"
	RegimeBear        Regime = "bear"
	RegimeSideways    Regime = "sideways"
	RegimeVolatile    Regime = "volatile"
	RegimeEventDriven Regime = "event_driven"
)

// TradeSide represents long or short exposure.
type TradeSide string

const (
	TradeSideLong  TradeSide = "long"
	TradeSideShort TradeSide = "short"
)

// TradeState represents the lifecycle state of a virtual trade.
type TradeState string

const (
	TradeStatePending    TradeState = "pending"
	TradeStateActive     TradeState = "active"
	TradeStateTrailing   TradeState = "trailing"
	TradeStateClosed     TradeState = "closed"
	TradeStateLiquidated TradeState = "liquidated"
	TradeStateRejected   TradeState = "rejected"
)

// IsTerminal reports whether no further transition is possible.
func (s TradeState) IsTerminal() bool {
	return s == TradeStateClosed || s == TradeStateLiquidated || s == TradeStateRejected
}

// IsOpen reports whether the trade holds an open position.
func (s TradeState) IsOpen() bool {
	return s == TradeStateActive || s == TradeStateTrailing
}

// InstrumentClass categorises tradeable instruments.
type InstrumentClass string

const (
	ClassEquityIntraday InstrumentClass = "equity_intraday"
	ClassEquityDelivery InstrumentClass = "equity_delivery"
	ClassFutures        InstrumentClass = "futures"
	ClassOptions        InstrumentClass = "options"
	ClassCommodity      InstrumentClass = "commodity"
)

// Interval represents supported bar sizes.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
)

// Intervals lists supported intervals ordered shortest first.
var Intervals = []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval1d}

// Duration returns the bar duration for the interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ClampInterval returns iv, raised to floor if iv is shorter than floor.
func ClampInterval(iv, floor Interval) Interval {
	if iv.Duration() < floor.Duration() {
		return floor
	}
	return iv
}

// TrailingMode controls how a trade's stop is trailed.
type TrailingMode string

const (
	TrailingNone     TrailingMode = "none"
	TrailingFixed    TrailingMode = "fixed"
	TrailingATRBased TrailingMode = "atr_based"
)

// ChartTransform selects the candle representation fed to an algorithm.
type ChartTransform string

const (
	ChartRaw        ChartTransform = "raw"
	ChartHeikinAshi ChartTransform = "heikin_ashi"
)

// AlgorithmFamily groups strategies by behaviour.
type AlgorithmFamily string

const (
	FamilyTrendFollowing   AlgorithmFamily = "trend_following"
	FamilyMeanReversion    AlgorithmFamily = "mean_reversion"
	FamilyBreakoutScalping AlgorithmFamily = "breakout_scalping"
	FamilySentimentWeighted AlgorithmFamily = "sentiment_weighted"
)

// FeatureSnapshot is one evaluation tick's worth of features for an
// instrument. Immutable once produced.
type FeatureSnapshot struct {
	Instrument    string          `json:"instrument"`
	Timestamp     time.Time       `json:"timestamp"`
	Price         decimal.Decimal `json:"price"`
	ATR           decimal.Decimal `json:"atr"`
	Volatility    float64         `json:"volatility"`    // ATR-normalized rolling volatility
	TrendStrength float64         `json:"trendStrength"` // ADX-style trend strength index
	Sentiment     float64         `json:"sentiment"`     // bounded [-1, 1]
	EventFlag     bool            `json:"eventFlag"`
	EventCategory string          `json:"eventCategory,omitempty"`
}

// RegimeState is the classifier output: a regime label plus confidence.
// Always recomputed, never mutated.
type RegimeState struct {
	Regime        Regime    `json:"regime"`
	Confidence    float64   `json:"confidence"` // [0, 1]
	Volatility    float64   `json:"volatility"`
	TrendStrength float64   `json:"trendStrength"`
	At            time.Time `json:"at"`
}

// RiskProfile holds the hard numeric limits for one decision epoch.
// Derived deterministically; recomputed per decision, never persisted
// as mutable state.
type RiskProfile struct {
	InstrumentClass InstrumentClass `json:"instrumentClass"`
	MaxRiskPct      decimal.Decimal `json:"maxRiskPct"`      // fraction of capital, e.g. 0.01
	RewardRiskRatio decimal.Decimal `json:"rewardRiskRatio"` // e.g. 2.0
	TrailingMode    TrailingMode    `json:"trailingMode"`
	TrailingATRMult decimal.Decimal `json:"trailingAtrMult"`
	MaxDrawdownPct  decimal.Decimal `json:"maxDrawdownPct"` // session hard ceiling
}

// IndicatorRule pairs an indicator with its comparator.
type IndicatorRule struct {
	Indicator  string `json:"indicator"`
	Comparator string `json:"comparator"`
}

// AlgorithmSelection is the router output for one decision epoch.
type AlgorithmSelection struct {
	AlgorithmID     string          `json:"algorithmId"`
	Family          AlgorithmFamily `json:"family"`
	Interval        Interval        `json:"interval"`
	Indicators      []IndicatorRule `json:"indicators"`
	ChartTransform  ChartTransform  `json:"chartTransform"`
	OverrideApplied bool            `json:"overrideApplied"`
	OverrideReason  string          `json:"overrideReason,omitempty"`
}

// Advisory is an opaque, non-binding suggestion from an external
// signal provider.
type Advisory struct {
	Score              float64 `json:"score"`      // [-1, 1]
	Confidence         float64 `json:"confidence"` // [0, 1]
	SuggestedAlgorithm string  `json:"suggestedAlgorithm,omitempty"`
	Reason             string  `json:"reason,omitempty"`
}

// DecisionRecord is one decision-log entry, consumed by the narrative
// layer and by the reconciliation worker.
type DecisionRecord struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	Instrument string             `json:"instrument"`
	Regime     RegimeState        `json:"regime"`
	Selection  AlgorithmSelection `json:"selection"`
	Reason     string             `json:"reason"`
}

// VirtualTrade is the only entity with a mutable lifecycle. It is owned
// exclusively by the execution engine; all mutation goes through the
// engine's transition function.
type VirtualTrade struct {
	ID              string          `json:"id"`
	DecisionID      string          `json:"decisionId"`
	Instrument      string          `json:"instrument"`
	InstrumentClass InstrumentClass `json:"instrumentClass"`
	AlgorithmID     string          `json:"algorithmId"`
	Interval        Interval        `json:"interval"`
	Indicators      []IndicatorRule `json:"indicators"`
	Side            TradeSide       `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	EntryPrice      decimal.Decimal `json:"entryPrice"`
	EntryTime       time.Time       `json:"entryTime"`
	StopPrice       decimal.Decimal `json:"stopPrice"`
	TargetPrice     decimal.Decimal `json:"targetPrice"`
	TrailingStop    decimal.Decimal `json:"trailingStop"`
	TrailingMode    TrailingMode    `json:"trailingMode"`
	TrailingATRMult decimal.Decimal `json:"trailingAtrMult,omitempty"`
	RiskPerUnit     decimal.Decimal `json:"riskPerUnit"` // per-share risk distance at entry
	State           TradeState      `json:"state"`
	SquareOffAt     time.Time       `json:"squareOffAt"`
	ExitPrice       decimal.Decimal `json:"exitPrice,omitempty"`
	ExitTime        time.Time       `json:"exitTime,omitempty"`
	RealizedPnL     decimal.Decimal `json:"realizedPnl"`
	ExitReason      string          `json:"exitReason,omitempty"`
	RejectReason    string          `json:"rejectReason,omitempty"`
	MaxLossBound    decimal.Decimal `json:"maxLossBound"` // risk amount permitted at entry
}

// MismatchKind classifies a reconciliation discrepancy.
type MismatchKind string

const (
	MismatchNone            MismatchKind = ""
	MismatchConfigDrift     MismatchKind = "config_drift"
	MismatchRiskBreach      MismatchKind = "risk_breach"
	MismatchMissingDecision MismatchKind = "missing_decision"
)

// ReconciliationRecord is one row of a post-session reconciliation
// report. Immutable.
type ReconciliationRecord struct {
	DecisionID string       `json:"decisionId"`
	TradeID    string       `json:"tradeId"`
	Mismatch   MismatchKind `json:"mismatch,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// AccountProfile is the capital/account context supplied by an external
// collaborator.
type AccountProfile struct {
	Capital              decimal.Decimal          `json:"capital"`
	EligibilityOverrides map[InstrumentClass]bool `json:"eligibilityOverrides,omitempty"`
}
