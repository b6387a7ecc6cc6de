package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/internal/risk"
	"github.com/quantdesk/decision-core/pkg/types"
)

// EngineError represents an execution engine error.
type EngineError struct {
	Message string
}

func (e *EngineError) Error() string { return e.Message }

// Errors
var (
	// ErrRiskLimitExceeded rejects an entry whose projected position
	// size would violate the risk profile bound.
	ErrRiskLimitExceeded = &EngineError{Message: "projected position size violates risk limit"}
	// ErrKillSwitchEngaged rejects entries while the kill switch is
	// engaged; re-arm is required first.
	ErrKillSwitchEngaged = &EngineError{Message: "kill switch engaged"}
	// ErrEntriesBlocked rejects entries while the session ledger blocks
	// fresh risk (daily loss limit or drawdown gate).
	ErrEntriesBlocked = &EngineError{Message: "session risk gate blocks new entries"}
	// ErrTradeNotFound is returned for unknown trade ids.
	ErrTradeNotFound = &EngineError{Message: "trade not found"}
)

// Config configures the execution engine.
type Config struct {
	// TrailTrigger is the unrealized gain, in risk-distance multiples
	// beyond breakeven, that moves a trade from active to trailing.
	TrailTrigger decimal.Decimal
	// MaxDrawdownPct is the session-level hard ceiling; breaching it
	// engages the kill switch and liquidates the book.
	MaxDrawdownPct decimal.Decimal
	// UpdateBufferSize sizes the trade update channel.
	UpdateBufferSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TrailTrigger:     decimal.NewFromFloat(0.5),
		MaxDrawdownPct:   decimal.NewFromFloat(0.05),
		UpdateBufferSize: 1000,
	}
}

// Tick is one price observation for an instrument.
type Tick struct {
	Instrument string
	Price      decimal.Decimal
	ATR        decimal.Decimal
	Timestamp  time.Time
}

// EntryRequest asks the engine to open a virtual position.
type EntryRequest struct {
	DecisionID   string
	Instrument   string
	Class        types.InstrumentClass
	AlgorithmID  string
	Interval     types.Interval
	Indicators   []types.IndicatorRule
	Side         types.TradeSide
	Price        decimal.Decimal
	StopDistance decimal.Decimal // per-share risk distance
	Profile      types.RiskProfile
	SquareOffAt  time.Time
	Timestamp    time.Time
}

// TradeUpdate notifies a state transition or stop move.
type TradeUpdate struct {
	Trade  types.VirtualTrade `json:"trade"`
	Prev   types.TradeState   `json:"prev"`
	Reason string             `json:"reason"`
}

// TradeSink persists trade records on every transition.
type TradeSink interface {
	SaveTrade(ctx context.Context, trade *types.VirtualTrade) error
}

// Engine drives virtual trades through their lifecycle:
// PENDING -> ACTIVE -> TRAILING -> CLOSED, with REJECTED and LIQUIDATED
// terminals. Each trade is owned by exactly one pipeline for its
// lifetime; all mutation goes through the engine under one lock.
type Engine struct {
	logger     *zap.Logger
	config     Config
	costs      *CostModel
	ledger     *risk.SessionLedger
	killSwitch *KillSwitch
	sink       TradeSink

	mu        sync.RWMutex
	trades    map[string]*types.VirtualTrade
	byInstr   map[string][]string
	lastPrice map[string]decimal.Decimal

	updates chan TradeUpdate
}

// NewEngine creates an execution engine. sink may be nil.
func NewEngine(logger *zap.Logger, config Config, costs *CostModel, ledger *risk.SessionLedger, killSwitch *KillSwitch, sink TradeSink) *Engine {
	return &Engine{
		logger:     logger.Named("engine"),
		config:     config,
		costs:      costs,
		ledger:     ledger,
		killSwitch: killSwitch,
		sink:       sink,
		trades:     make(map[string]*types.VirtualTrade),
		byInstr:    make(map[string][]string),
		lastPrice:  make(map[string]decimal.Decimal),
		updates:    make(chan TradeUpdate, config.UpdateBufferSize),
	}
}

// SubmitEntry runs the pre-trade checks and opens a virtual trade. The
// returned trade is REJECTED (with the matching error) when any check
// fails; no position is opened in that case.
func (e *Engine) SubmitEntry(ctx context.Context, req EntryRequest) (*types.VirtualTrade, error) {
	trade := &types.VirtualTrade{
		ID:              uuid.NewString(),
		DecisionID:      req.DecisionID,
		Instrument:      req.Instrument,
		InstrumentClass: req.Class,
		AlgorithmID:     req.AlgorithmID,
		Interval:        req.Interval,
		Indicators:      req.Indicators,
		Side:            req.Side,
		EntryPrice:      req.Price,
		EntryTime:       req.Timestamp,
		TrailingMode:    req.Profile.TrailingMode,
		State:           types.TradeStatePending,
		SquareOffAt:     req.SquareOffAt,
	}

	if e.killSwitch.Engaged() {
		return e.reject(ctx, trade, ErrKillSwitchEngaged, "kill switch engaged: "+e.killSwitch.Reason())
	}

	if allowed, reason := e.ledger.EntryAllowed(); !allowed {
		return e.reject(ctx, trade, ErrEntriesBlocked, reason)
	}

	capital := e.ledger.Capital()
	stop := applyDistance(req.Price, req.StopDistance, req.Side, true)
	qty := risk.PositionSize(capital, req.Price, stop, req.Profile)
	if qty.IsZero() {
		return e.reject(ctx, trade, ErrRiskLimitExceeded,
			fmt.Sprintf("position size zero at risk pct %s", req.Profile.MaxRiskPct.String()))
	}

	targetDist := req.StopDistance.Mul(req.Profile.RewardRiskRatio)

	e.mu.Lock()
	trade.Quantity = qty
	trade.StopPrice = stop
	trade.TargetPrice = applyDistance(req.Price, targetDist, req.Side, false)
	trade.TrailingStop = stop
	trade.TrailingATRMult = req.Profile.TrailingATRMult
	trade.RiskPerUnit = req.StopDistance
	trade.MaxLossBound = capital.Mul(req.Profile.MaxRiskPct)
	trade.State = types.TradeStateActive

	e.trades[trade.ID] = trade
	e.byInstr[req.Instrument] = append(e.byInstr[req.Instrument], trade.ID)
	snapshot := *trade
	e.mu.Unlock()

	e.logger.Info("trade opened",
		zap.String("tradeId", trade.ID),
		zap.String("instrument", req.Instrument),
		zap.String("side", string(req.Side)),
		zap.String("entry", req.Price.String()),
		zap.String("stop", trade.StopPrice.String()),
		zap.String("target", trade.TargetPrice.String()),
		zap.String("qty", qty.String()))

	e.persist(ctx, &snapshot)
	e.notify(TradeUpdate{Trade: snapshot, Prev: types.TradeStatePending, Reason: "entry accepted"})

	return &snapshot, nil
}

// reject moves a pending trade to REJECTED with a logged reason.
func (e *Engine) reject(ctx context.Context, trade *types.VirtualTrade, err *EngineError, reason string) (*types.VirtualTrade, error) {
	trade.State = types.TradeStateRejected
	trade.RejectReason = reason

	e.mu.Lock()
	e.trades[trade.ID] = trade
	snapshot := *trade
	e.mu.Unlock()

	e.logger.Warn("entry rejected",
		zap.String("tradeId", trade.ID),
		zap.String("instrument", trade.Instrument),
		zap.String("reason", reason))

	e.persist(ctx, &snapshot)
	e.notify(TradeUpdate{Trade: snapshot, Prev: types.TradeStatePending, Reason: reason})

	return &snapshot, err
}

// OnTick evaluates every open trade for the instrument against a new
// price. Kill-switch and square-off checks take priority over stop and
// target exits; trailing stops may only tighten.
func (e *Engine) OnTick(ctx context.Context, tick Tick) {
	if e.killSwitch.Engaged() {
		e.LiquidateInstrument(ctx, tick.Instrument, tick.Price, "kill switch engaged: "+e.killSwitch.Reason())
		return
	}

	e.mu.Lock()
	e.lastPrice[tick.Instrument] = tick.Price

	type outcome struct {
		update  TradeUpdate
		persist types.VirtualTrade
		pnl     *decimal.Decimal
	}
	var outcomes []outcome

	for _, id := range e.byInstr[tick.Instrument] {
		trade := e.trades[id]
		if trade == nil || !trade.State.IsOpen() {
			continue
		}

		prev := trade.State
		reason, changed := e.evaluate(trade, tick)
		if !changed {
			continue
		}

		snapshot := *trade
		o := outcome{
			update:  TradeUpdate{Trade: snapshot, Prev: prev, Reason: reason},
			persist: snapshot,
		}
		if trade.State.IsTerminal() {
			pnl := snapshot.RealizedPnL
			o.pnl = &pnl
		}
		outcomes = append(outcomes, o)
	}
	e.mu.Unlock()

	for _, o := range outcomes {
		if o.pnl != nil {
			e.ledger.RecordPnL(*o.pnl)
		}
		e.persist(ctx, &o.persist)
		e.notify(o.update)
	}

	// A close that breaches the session ceiling forces everything else
	// flat. This supersedes stop, target and trailing checks.
	if len(outcomes) > 0 && e.ledger.DrawdownBreached(e.config.MaxDrawdownPct) {
		e.killSwitch.Engage("session max drawdown breached")
		e.LiquidateAll(ctx, "session max drawdown breached")
	}
}

// evaluate applies the transition function to one trade. Caller holds
// the lock. Returns the transition reason and whether anything changed.
func (e *Engine) evaluate(trade *types.VirtualTrade, tick Tick) (string, bool) {
	// Forced square-off first: mandatory time-based liquidation.
	if !trade.SquareOffAt.IsZero() && !tick.Timestamp.Before(trade.SquareOffAt) {
		e.close(trade, tick.Price, tick.Timestamp, "square_off")
		return "square-off time reached", true
	}

	long := trade.Side == types.TradeSideLong

	if stopHit(trade, tick.Price, long) {
		e.close(trade, trade.StopPrice, tick.Timestamp, "stop_hit")
		return "stop hit", true
	}

	if targetHit(trade, tick.Price, long) {
		e.close(trade, trade.TargetPrice, tick.Timestamp, "target_hit")
		return "target hit", true
	}

	if trade.State == types.TradeStateActive && trade.TrailingMode != types.TrailingNone {
		if e.trailTriggered(trade, tick.Price, long) {
			// Stop moves to breakeven exactly once on this transition.
			trade.State = types.TradeStateTrailing
			trade.TrailingStop = trade.EntryPrice
			trade.StopPrice = trade.EntryPrice
			return "trailing engaged, stop at breakeven", true
		}
		return "", false
	}

	if trade.State == types.TradeStateTrailing {
		if e.tightenStop(trade, tick, long) {
			return "trailing stop tightened", true
		}
	}

	return "", false
}

// trailTriggered reports whether unrealized gain crossed the
// breakeven+buffer threshold.
func (e *Engine) trailTriggered(trade *types.VirtualTrade, price decimal.Decimal, long bool) bool {
	dist := trade.EntryPrice.Sub(trade.StopPrice).Abs()
	buffer := dist.Mul(e.config.TrailTrigger)

	if long {
		return price.GreaterThanOrEqual(trade.EntryPrice.Add(buffer))
	}
	return price.LessThanOrEqual(trade.EntryPrice.Sub(buffer))
}

// tightenStop computes a candidate trailing stop and applies it only if
// it tightens protection. Loosening candidates are rejected, keeping
// the stop sequence monotonic.
func (e *Engine) tightenStop(trade *types.VirtualTrade, tick Tick, long bool) bool {
	var candidate decimal.Decimal

	switch trade.TrailingMode {
	case types.TrailingATRBased:
		dist := tick.ATR.Mul(trade.TrailingATRMult)
		if dist.IsZero() {
			return false
		}
		candidate = applyDistance(tick.Price, dist, trade.Side, true)
	case types.TrailingFixed:
		candidate = applyDistance(tick.Price, trade.RiskPerUnit, trade.Side, true)
	default:
		return false
	}

	tighter := candidate.GreaterThan(trade.TrailingStop)
	if !long {
		tighter = candidate.LessThan(trade.TrailingStop)
	}
	if !tighter {
		return false
	}

	trade.TrailingStop = candidate
	trade.StopPrice = candidate
	return true
}

// close finalises a trade and computes realized PnL net of costs.
func (e *Engine) close(trade *types.VirtualTrade, exitPrice decimal.Decimal, at time.Time, reason string) {
	gross := exitPrice.Sub(trade.EntryPrice).Mul(trade.Quantity)
	if trade.Side == types.TradeSideShort {
		gross = gross.Neg()
	}
	costs := e.costs.RoundTripCost(trade.EntryPrice, exitPrice, trade.Quantity, trade.InstrumentClass)

	trade.State = types.TradeStateClosed
	trade.ExitPrice = exitPrice
	trade.ExitTime = at
	trade.ExitReason = reason
	trade.RealizedPnL = gross.Sub(costs).Round(2)
}

// LiquidateInstrument forces every open trade on an instrument to
// LIQUIDATED. Not subject to trailing-monotonicity or target checks.
func (e *Engine) LiquidateInstrument(ctx context.Context, instrument string, price decimal.Decimal, reason string) {
	e.liquidate(ctx, func(t *types.VirtualTrade) bool { return t.Instrument == instrument }, price, reason)
}

// LiquidateAll forces every open trade in the book to LIQUIDATED at the
// last observed price per instrument.
func (e *Engine) LiquidateAll(ctx context.Context, reason string) {
	e.liquidate(ctx, func(*types.VirtualTrade) bool { return true }, decimal.Zero, reason)
}

func (e *Engine) liquidate(ctx context.Context, match func(*types.VirtualTrade) bool, price decimal.Decimal, reason string) {
	now := time.Now()

	e.mu.Lock()
	var closed []types.VirtualTrade
	var prevStates []types.TradeState
	for _, trade := range e.trades {
		if !trade.State.IsOpen() || !match(trade) {
			continue
		}
		prevStates = append(prevStates, trade.State)

		exit := price
		if exit.IsZero() {
			exit = e.lastPrice[trade.Instrument]
		}
		if exit.IsZero() {
			exit = trade.EntryPrice
		}

		gross := exit.Sub(trade.EntryPrice).Mul(trade.Quantity)
		if trade.Side == types.TradeSideShort {
			gross = gross.Neg()
		}
		costs := e.costs.RoundTripCost(trade.EntryPrice, exit, trade.Quantity, trade.InstrumentClass)

		trade.State = types.TradeStateLiquidated
		trade.ExitPrice = exit
		trade.ExitTime = now
		trade.ExitReason = reason
		trade.RealizedPnL = gross.Sub(costs).Round(2)

		closed = append(closed, *trade)
	}
	e.mu.Unlock()

	for i := range closed {
		snapshot := closed[i]
		e.ledger.RecordPnL(snapshot.RealizedPnL)
		e.persist(ctx, &snapshot)
		e.notify(TradeUpdate{Trade: snapshot, Prev: prevStates[i], Reason: reason})

		e.logger.Warn("trade liquidated",
			zap.String("tradeId", snapshot.ID),
			zap.String("instrument", snapshot.Instrument),
			zap.String("reason", reason),
			zap.String("pnl", snapshot.RealizedPnL.String()))
	}
}

// AdvanceSquareOff moves a trade's square-off earlier. Postponing past
// the configured boundary is never allowed.
func (e *Engine) AdvanceSquareOff(tradeID string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	trade, ok := e.trades[tradeID]
	if !ok {
		return ErrTradeNotFound
	}
	if !trade.State.IsOpen() {
		return &EngineError{Message: "trade not open"}
	}
	if !trade.SquareOffAt.IsZero() && at.After(trade.SquareOffAt) {
		return &EngineError{Message: "square-off may only be advanced, not postponed"}
	}

	trade.SquareOffAt = at
	return nil
}

// GetTrade returns a copy of a trade.
func (e *Engine) GetTrade(id string) (*types.VirtualTrade, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	trade, ok := e.trades[id]
	if !ok {
		return nil, false
	}
	snapshot := *trade
	return &snapshot, true
}

// OpenTrades returns copies of all open trades.
func (e *Engine) OpenTrades() []types.VirtualTrade {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var open []types.VirtualTrade
	for _, trade := range e.trades {
		if trade.State.IsOpen() {
			open = append(open, *trade)
		}
	}
	return open
}

// AllTrades returns copies of every trade this session.
func (e *Engine) AllTrades() []types.VirtualTrade {
	e.mu.RLock()
	defer e.mu.RUnlock()

	trades := make([]types.VirtualTrade, 0, len(e.trades))
	for _, trade := range e.trades {
		trades = append(trades, *trade)
	}
	return trades
}

// Updates returns the trade update channel.
func (e *Engine) Updates() <-chan TradeUpdate {
	return e.updates
}

func (e *Engine) notify(update TradeUpdate) {
	select {
	case e.updates <- update:
	default:
		e.logger.Warn("trade update channel full")
	}
}

func (e *Engine) persist(ctx context.Context, trade *types.VirtualTrade) {
	if e.sink == nil {
		return
	}
	if err := e.sink.SaveTrade(ctx, trade); err != nil {
		e.logger.Error("failed to persist trade",
			zap.String("tradeId", trade.ID),
			zap.Error(err))
	}
}

// stopHit reports whether the price reached the protective stop.
func stopHit(trade *types.VirtualTrade, price decimal.Decimal, long bool) bool {
	stop := trade.StopPrice
	if long {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}

// targetHit reports whether the price reached the profit target.
func targetHit(trade *types.VirtualTrade, price decimal.Decimal, long bool) bool {
	if long {
		return price.GreaterThanOrEqual(trade.TargetPrice)
	}
	return price.LessThanOrEqual(trade.TargetPrice)
}

// applyDistance offsets a price against the trade direction (protective
// side) or with it (target side).
func applyDistance(price, dist decimal.Decimal, side types.TradeSide, protective bool) decimal.Decimal {
	below := side == types.TradeSideLong
	if !protective {
		below = !below
	}
	if below {
		return price.Sub(dist)
	}
	return price.Add(dist)
}
