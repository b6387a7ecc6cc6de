package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/internal/risk"
	"github.com/quantdesk/decision-core/pkg/types"
)

// newTestEngine builds an engine with a zero-cost model so PnL math in
// assertions stays exact.
func newTestEngine(t *testing.T, capital int64) (*Engine, *risk.SessionLedger, *KillSwitch) {
	t.Helper()

	logger := zap.NewNop()
	ledger := risk.NewSessionLedger(logger, risk.DefaultResolverConfig(), decimal.NewFromInt(capital))
	killSwitch := NewKillSwitch(logger)
	costs := NewCostModel(types.CostConfig{})

	return NewEngine(logger, DefaultConfig(), costs, ledger, killSwitch, nil), ledger, killSwitch
}

func intradayProfile(trailing types.TrailingMode) types.RiskProfile {
	return types.RiskProfile{
		InstrumentClass: types.ClassEquityIntraday,
		MaxRiskPct:      decimal.NewFromFloat(0.01),
		RewardRiskRatio: decimal.NewFromFloat(2.0),
		TrailingMode:    trailing,
		TrailingATRMult: decimal.NewFromInt(1),
	}
}

func entryRequest(instrument string, trailing types.TrailingMode) EntryRequest {
	return EntryRequest{
		DecisionID:   "dec-1",
		Instrument:   instrument,
		Class:        types.ClassEquityIntraday,
		AlgorithmID:  "supertrend_ema_cross",
		Interval:     types.Interval15m,
		Side:         types.TradeSideLong,
		Price:        decimal.NewFromInt(500),
		StopDistance: decimal.NewFromInt(5),
		Profile:      intradayProfile(trailing),
		Timestamp:    time.Now(),
	}
}

func tick(instrument string, price float64) Tick {
	return Tick{
		Instrument: instrument,
		Price:      decimal.NewFromFloat(price),
		Timestamp:  time.Now(),
	}
}

func TestSubmitEntryOpensActiveTrade(t *testing.T) {
	e, _, _ := newTestEngine(t, 100000)
	ctx := context.Background()

	trade, err := e.SubmitEntry(ctx, entryRequest("RELIANCE", types.TrailingFixed))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if trade.State != types.TradeStateActive {
		t.Fatalf("expected active, got %s", trade.State)
	}
	// Risk budget 1% of 100000 = 1000, distance 5 -> 200 shares.
	if !trade.Quantity.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected 200 shares, got %s", trade.Quantity)
	}
	if !trade.StopPrice.Equal(decimal.NewFromInt(495)) {
		t.Fatalf("expected stop at 495, got %s", trade.StopPrice)
	}
	if !trade.TargetPrice.Equal(decimal.NewFromInt(510)) {
		t.Fatalf("expected target at 510 (2:1), got %s", trade.TargetPrice)
	}
	if !trade.MaxLossBound.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected loss bound 1000, got %s", trade.MaxLossBound)
	}
}

func TestSubmitEntryShortSide(t *testing.T) {
	e, _, _ := newTestEngine(t, 100000)

	req := entryRequest("RELIANCE", types.TrailingNone)
	req.Side = types.TradeSideShort

	trade, err := e.SubmitEntry(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !trade.StopPrice.Equal(decimal.NewFromInt(505)) {
		t.Fatalf("short stop should sit above entry, got %s", trade.StopPrice)
	}
	if !trade.TargetPrice.Equal(decimal.NewFromInt(490)) {
		t.Fatalf("short target should sit below entry, got %s", trade.TargetPrice)
	}
}

func TestSubmitEntryRejectedWhenKillSwitchEngaged(t *testing.T) {
	e, _, killSwitch := newTestEngine(t, 100000)

	killSwitch.Engage("manual halt")

	trade, err := e.SubmitEntry(context.Background(), entryRequest("RELIANCE", types.TrailingNone))
	if !errors.Is(err, ErrKillSwitchEngaged) {
		t.Fatalf("expected ErrKillSwitchEngaged, got %v", err)
	}
	if trade.State != types.TradeStateRejected {
		t.Fatalf("expected rejected, got %s", trade.State)
	}
	if trade.RejectReason == "" {
		t.Fatal("rejection must carry a reason")
	}
}

func TestSubmitEntryRejectedWhenRiskBoundUnmeetable(t *testing.T) {
	e, _, _ := newTestEngine(t, 100000)

	req := entryRequest("RELIANCE", types.TrailingNone)
	req.StopDistance = decimal.NewFromInt(2000) // one unit would risk 2000 > 1000

	trade, err := e.SubmitEntry(context.Background(), req)
	if !errors.Is(err, ErrRiskLimitExceeded) {
		t.Fatalf("expected ErrRiskLimitExceeded, got %v", err)
	}
	if trade.State != types.TradeStateRejected {
		t.Fatalf("expected rejected, got %s", trade.State)
	}
	if len(e.OpenTrades()) != 0 {
		t.Fatal("rejected entry must not open a position")
	}
}

func TestStopHitClosesTradeAtStop(t *testing.T) {
	e, ledger, _ := newTestEngine(t, 100000)
	ctx := context.Background()

	trade, err := e.SubmitEntry(ctx, entryRequest("RELIANCE", types.TrailingNone))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.OnTick(ctx, tick("RELIANCE", 494))

	closed, _ := e.GetTrade(trade.ID)
	if closed.State != types.TradeStateClosed {
		t.Fatalf("expected closed, got %s", closed.State)
	}
	if closed.ExitReason != "stop_hit" {
		t.Fatalf("expected stop_hit, got %s", closed.ExitReason)
	}
	// Exit at the stop, not the traded-through price.
	if !closed.ExitPrice.Equal(decimal.NewFromInt(495)) {
		t.Fatalf("expected exit at 495, got %s", closed.ExitPrice)
	}
	// (495-500) * 200 = -1000, within the loss bound.
	if !closed.RealizedPnL.Equal(decimal.NewFromInt(-1000)) {
		t.Fatalf("expected -1000 pnl, got %s", closed.RealizedPnL)
	}
	if closed.RealizedPnL.Abs().GreaterThan(closed.MaxLossBound) {
		t.Fatal("realized loss must not exceed the per-trade bound")
	}
	if !ledger.DailyPnL().Equal(decimal.NewFromInt(-1000)) {
		t.Fatalf("ledger should record the loss, got %s", ledger.DailyPnL())
	}
}

func TestTargetHitClosesTradeAtTarget(t *testing.T) {
	e, _, _ := newTestEngine(t, 100000)
	ctx := context.Background()

	trade, err := e.SubmitEntry(ctx, entryRequest("RELIANCE", types.TrailingNone))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.OnTick(ctx, tick("RELIANCE", 512))

	closed, _ := e.GetTrade(trade.ID)
	if closed.State != types.TradeStateClosed || closed.ExitReason != "target_hit" {
		t.Fatalf("expected target_hit close, got %s/%s", closed.State, closed.ExitReason)
	}
	if !closed.RealizedPnL.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected +2000 pnl, got %s", closed.RealizedPnL)
	}
}

func TestTrailingEngagesBreakevenExactlyOnce(t *testing.T) {
	e, _, _ := newTestEngine(t, 100000)
	ctx := context.Background()

	trade, err := e.SubmitEntry(ctx, entryRequest("RELIANCE", types.TrailingFixed))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Below the trigger (entry + 0.5*distance = 502.5): still active.
	e.OnTick(ctx, tick("RELIANCE", 502))
	got, _ := e.GetTrade(trade.ID)
	if got.State != types.TradeStateActive {
		t.Fatalf("expected still active, got %s", got.State)
	}

	// Crossing the trigger moves the stop to breakeven, once.
	e.OnTick(ctx, tick("RELIANCE", 503))
	got, _ = e.GetTrade(trade.ID)
	if got.State != types.TradeStateTrailing {
		t.Fatalf("expected trailing, got %s", got.State)
	}
	if !got.StopPrice.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected breakeven stop at 500, got %s", got.StopPrice)
	}

	// Further gains tighten by the fixed risk distance.
	e.OnTick(ctx, tick("RELIANCE", 506))
	got, _ = e.GetTrade(trade.ID)
	if !got.StopPrice.Equal(decimal.NewFromInt(501)) {
		t.Fatalf("expected stop trailed to 501, got %s", got.StopPrice)
	}

	// A pullback must never loosen the stop.
	e.OnTick(ctx, tick("RELIANCE", 504))
	got, _ = e.GetTrade(trade.ID)
	if !got.StopPrice.Equal(decimal.NewFromInt(501)) {
		t.Fatalf("trailing stop loosened to %s", got.StopPrice)
	}

	// Falling to the trailed stop closes at it.
	e.OnTick(ctx, tick("RELIANCE", 500))
	got, _ = e.GetTrade(trade.ID)
	if got.State != types.TradeStateClosed {
		t.Fatalf("expected closed, got %s", got.State)
	}
	if !got.ExitPrice.Equal(decimal.NewFromInt(501)) {
		t.Fatalf("expected exit at the trailed stop 501, got %s", got.ExitPrice)
	}
	// (501-500) * 200 = +200: loss converted to a locked-in gain.
	if !got.RealizedPnL.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected +200 pnl, got %s", got.RealizedPnL)
	}
}

func TestTrailingATRBased(t *testing.T) {
	e, _, _ := newTestEngine(t, 100000)
	ctx := context.Background()

	trade, err := e.SubmitEntry(ctx, entryRequest("RELIANCE", types.TrailingATRBased))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.OnTick(ctx, tick("RELIANCE", 503)) // engage trailing at breakeven

	atrTick := tick("RELIANCE", 506)
	atrTick.ATR = decimal.NewFromInt(2)
	e.OnTick(ctx, atrTick)

	got, _ := e.GetTrade(trade.ID)
	if !got.StopPrice.Equal(decimal.NewFromInt(504)) {
		t.Fatalf("expected ATR stop at 506-2=504, got %s", got.StopPrice)
	}

	// Zero ATR yields no candidate; the stop must hold.
	e.OnTick(ctx, tick("RELIANCE", 507))
	got, _ = e.GetTrade(trade.ID)
	if !got.StopPrice.Equal(decimal.NewFromInt(504)) {
		t.Fatalf("zero-ATR tick must not move the stop, got %s", got.StopPrice)
	}
}

func TestSquareOffOverridesTarget(t *testing.T) {
	e, _, _ := newTestEngine(t, 100000)
	ctx := context.Background()

	req := entryRequest("RELIANCE", types.TrailingNone)
	req.SquareOffAt = time.Now().Add(-time.Minute) // already past
	trade, err := e.SubmitEntry(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Price is beyond the target, but square-off takes priority.
	e.OnTick(ctx, tick("RELIANCE", 515))

	got, _ := e.GetTrade(trade.ID)
	if got.State != types.TradeStateClosed {
		t.Fatalf("expected closed, got %s", got.State)
	}
	if got.ExitReason != "square_off" {
		t.Fatalf("square-off must supersede target, got %s", got.ExitReason)
	}
	if !got.ExitPrice.Equal(decimal.NewFromInt(515)) {
		t.Fatalf("square-off exits at market, got %s", got.ExitPrice)
	}
}

func TestAdvanceSquareOffOnlyEarlier(t *testing.T) {
	e, _, _ := newTestEngine(t, 100000)

	boundary := time.Now().Add(2 * time.Hour)
	req := entryRequest("RELIANCE", types.TrailingNone)
	req.SquareOffAt = boundary
	trade, err := e.SubmitEntry(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.AdvanceSquareOff(trade.ID, boundary.Add(-time.Hour)); err != nil {
		t.Fatalf("advancing earlier should succeed: %v", err)
	}
	if err := e.AdvanceSquareOff(trade.ID, boundary.Add(time.Hour)); err == nil {
		t.Fatal("postponing past the boundary must fail")
	}
	if err := e.AdvanceSquareOff("missing", boundary); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("expected ErrTradeNotFound, got %v", err)
	}
}

func TestKillSwitchLiquidatesWholeBook(t *testing.T) {
	e, _, killSwitch := newTestEngine(t, 1000000)
	ctx := context.Background()

	instruments := []string{"RELIANCE", "TCS", "INFY"}
	for _, inst := range instruments {
		if _, err := e.SubmitEntry(ctx, entryRequest(inst, types.TrailingNone)); err != nil {
			t.Fatalf("entry for %s failed: %v", inst, err)
		}
		e.OnTick(ctx, tick(inst, 502)) // record a last price
	}
	if len(e.OpenTrades()) != 3 {
		t.Fatalf("expected 3 open trades, got %d", len(e.OpenTrades()))
	}

	killSwitch.Engage("manual emergency stop")
	e.LiquidateAll(ctx, "kill switch engaged")

	if len(e.OpenTrades()) != 0 {
		t.Fatal("all open trades must be liquidated")
	}
	for _, trade := range e.AllTrades() {
		if trade.State != types.TradeStateLiquidated {
			t.Fatalf("expected liquidated, got %s", trade.State)
		}
		// Exit at the last observed price.
		if !trade.ExitPrice.Equal(decimal.NewFromInt(502)) {
			t.Fatalf("expected exit at last price 502, got %s", trade.ExitPrice)
		}
	}

	// Entries stay blocked until an explicit re-arm.
	if _, err := e.SubmitEntry(ctx, entryRequest("RELIANCE", types.TrailingNone)); !errors.Is(err, ErrKillSwitchEngaged) {
		t.Fatalf("expected ErrKillSwitchEngaged, got %v", err)
	}

	killSwitch.Rearm()
	if _, err := e.SubmitEntry(ctx, entryRequest("RELIANCE", types.TrailingNone)); err != nil {
		t.Fatalf("entry after re-arm should succeed: %v", err)
	}
}

func TestOnTickWithEngagedKillSwitchLiquidatesInstrument(t *testing.T) {
	e, _, killSwitch := newTestEngine(t, 100000)
	ctx := context.Background()

	trade, err := e.SubmitEntry(ctx, entryRequest("RELIANCE", types.TrailingNone))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	killSwitch.Engage("manual halt")
	e.OnTick(ctx, tick("RELIANCE", 501))

	got, _ := e.GetTrade(trade.ID)
	if got.State != types.TradeStateLiquidated {
		t.Fatalf("tick under engaged kill switch must liquidate, got %s", got.State)
	}
	if !got.ExitPrice.Equal(decimal.NewFromInt(501)) {
		t.Fatalf("expected liquidation at tick price, got %s", got.ExitPrice)
	}
}

func TestDrawdownBreachEngagesKillSwitchAndFlattens(t *testing.T) {
	logger := zap.NewNop()
	ledger := risk.NewSessionLedger(logger, risk.DefaultResolverConfig(), decimal.NewFromInt(100000))
	killSwitch := NewKillSwitch(logger)
	cfg := DefaultConfig()
	cfg.MaxDrawdownPct = decimal.NewFromFloat(0.005) // 0.5%: one full stop loss breaches
	e := NewEngine(logger, cfg, NewCostModel(types.CostConfig{}), ledger, killSwitch, nil)
	ctx := context.Background()

	losing, err := e.SubmitEntry(ctx, entryRequest("RELIANCE", types.TrailingNone))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	surviving, err := e.SubmitEntry(ctx, entryRequest("TCS", types.TrailingNone))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.OnTick(ctx, tick("TCS", 502))

	// Stop out the first trade: -1000 = 1% > 0.5% ceiling.
	e.OnTick(ctx, tick("RELIANCE", 494))

	if !killSwitch.Engaged() {
		t.Fatal("drawdown breach must engage the kill switch")
	}

	got, _ := e.GetTrade(losing.ID)
	if got.State != types.TradeStateClosed {
		t.Fatalf("losing trade should close on its stop, got %s", got.State)
	}
	other, _ := e.GetTrade(surviving.ID)
	if other.State != types.TradeStateLiquidated {
		t.Fatalf("remaining book must be force-flattened, got %s", other.State)
	}
}

func TestCostsReduceRealizedPnL(t *testing.T) {
	logger := zap.NewNop()
	ledger := risk.NewSessionLedger(logger, risk.DefaultResolverConfig(), decimal.NewFromInt(100000))
	e := NewEngine(logger, DefaultConfig(), NewCostModel(DefaultCostConfig()), ledger, NewKillSwitch(logger), nil)
	ctx := context.Background()

	trade, err := e.SubmitEntry(ctx, entryRequest("RELIANCE", types.TrailingNone))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.OnTick(ctx, tick("RELIANCE", 512))

	got, _ := e.GetTrade(trade.ID)
	// Gross +2000 minus two flat charges and 0.025% per side of notional.
	if got.RealizedPnL.GreaterThanOrEqual(decimal.NewFromInt(2000)) {
		t.Fatalf("costs must reduce pnl below gross, got %s", got.RealizedPnL)
	}
	if got.RealizedPnL.LessThan(decimal.NewFromInt(1900)) {
		t.Fatalf("cost model out of expected range, got %s", got.RealizedPnL)
	}
}

func TestUpdatesChannelCarriesTransitions(t *testing.T) {
	e, _, _ := newTestEngine(t, 100000)
	ctx := context.Background()

	trade, err := e.SubmitEntry(ctx, entryRequest("RELIANCE", types.TrailingNone))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case update := <-e.Updates():
		if update.Trade.ID != trade.ID || update.Prev != types.TradeStatePending {
			t.Fatalf("unexpected first update: %+v", update)
		}
	default:
		t.Fatal("entry should emit a trade update")
	}
}
