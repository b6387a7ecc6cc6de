package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/pkg/types"
)

type fixedSource struct {
	decisions []types.DecisionRecord
	trades    []types.VirtualTrade
}

func (s *fixedSource) AllDecisions(ctx context.Context) ([]types.DecisionRecord, error) {
	return s.decisions, nil
}

func (s *fixedSource) Trades(ctx context.Context) ([]types.VirtualTrade, error) {
	return s.trades, nil
}

func newTestWorker(src *fixedSource) *Worker {
	return NewWorker(zap.NewNop(), DefaultConfig(), src)
}

func decision(id, instrument, algo string, interval types.Interval, at time.Time) types.DecisionRecord {
	return types.DecisionRecord{
		ID:         id,
		Instrument: instrument,
		Selection: types.AlgorithmSelection{
			AlgorithmID: algo,
			Interval:    interval,
		},
		Timestamp: at,
	}
}

func closedTrade(id, decisionID, instrument, algo string, interval types.Interval, entry, exit time.Time) types.VirtualTrade {
	return types.VirtualTrade{
		ID:          id,
		DecisionID:  decisionID,
		Instrument:  instrument,
		AlgorithmID: algo,
		Interval:    interval,
		State:        types.TradeStateClosed,
		EntryTime:    entry,
		ExitTime:     exit,
		RealizedPnL:  decimal.NewFromInt(-500),
		MaxLossBound: decimal.NewFromInt(1000),
	}
}

func countMismatches(records []types.ReconciliationRecord, kind types.MismatchKind) int {
	n := 0
	for _, r := range records {
		if r.Mismatch == kind {
			n++
		}
	}
	return n
}

func TestReconcileCleanSession(t *testing.T) {
	entry := time.Now().Add(-2 * time.Hour)
	exit := entry.Add(time.Hour)

	src := &fixedSource{
		decisions: []types.DecisionRecord{
			decision("d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry),
		},
		trades: []types.VirtualTrade{
			closedTrade("t1", "d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry, exit),
		},
	}

	records, err := newTestWorker(src).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record per trade, got %d", len(records))
	}
	if records[0].Mismatch != types.MismatchNone {
		t.Fatalf("clean trade must produce a clean record, got %s", records[0].Mismatch)
	}
	if records[0].TradeID != "t1" || records[0].DecisionID != "d1" {
		t.Fatalf("record must reference the pair, got %+v", records[0])
	}
}

func TestReconcileMissingDecision(t *testing.T) {
	entry := time.Now().Add(-time.Hour)

	src := &fixedSource{
		trades: []types.VirtualTrade{
			closedTrade("t1", "d-gone", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry, entry.Add(time.Minute)),
		},
	}

	records, err := newTestWorker(src).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countMismatches(records, types.MismatchMissingDecision) != 1 {
		t.Fatalf("expected a missing-decision record, got %+v", records)
	}
}

func TestReconcileEntryConfigDrift(t *testing.T) {
	entry := time.Now().Add(-time.Hour)

	src := &fixedSource{
		decisions: []types.DecisionRecord{
			decision("d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry),
		},
		trades: []types.VirtualTrade{
			// Trade ran on a different interval than the decision recorded.
			closedTrade("t1", "d1", "RELIANCE", "supertrend_ema_cross", types.Interval5m, entry, entry.Add(time.Minute)),
		},
	}

	records, err := newTestWorker(src).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countMismatches(records, types.MismatchConfigDrift) != 1 {
		t.Fatalf("expected a config-drift record, got %+v", records)
	}
}

func TestReconcileMidTradeSelectionChangeIsDrift(t *testing.T) {
	entry := time.Now().Add(-2 * time.Hour)
	exit := entry.Add(time.Hour)

	src := &fixedSource{
		decisions: []types.DecisionRecord{
			decision("d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry),
			// A different algorithm goes live mid-trade with no
			// re-selection marker in its reason.
			decision("d2", "RELIANCE", "atr_breakout_scalper", types.Interval5m, entry.Add(30*time.Minute)),
		},
		trades: []types.VirtualTrade{
			closedTrade("t1", "d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry, exit),
		},
	}

	records, err := newTestWorker(src).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countMismatches(records, types.MismatchConfigDrift) != 1 {
		t.Fatalf("expected drift for unexplained mid-trade change, got %+v", records)
	}
}

func TestReconcileExplicitReselectionIsNotDrift(t *testing.T) {
	entry := time.Now().Add(-2 * time.Hour)
	exit := entry.Add(time.Hour)

	change := decision("d2", "RELIANCE", "atr_breakout_scalper", types.Interval5m, entry.Add(30*time.Minute))
	change.Reason = "re-selection: regime shifted to VOLATILE"

	src := &fixedSource{
		decisions: []types.DecisionRecord{
			decision("d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry),
			change,
		},
		trades: []types.VirtualTrade{
			closedTrade("t1", "d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry, exit),
		},
	}

	records, err := newTestWorker(src).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countMismatches(records, types.MismatchConfigDrift) != 0 {
		t.Fatalf("explicit re-selection must not flag drift, got %+v", records)
	}
}

func TestReconcileOtherInstrumentDecisionsIgnored(t *testing.T) {
	entry := time.Now().Add(-2 * time.Hour)
	exit := entry.Add(time.Hour)

	src := &fixedSource{
		decisions: []types.DecisionRecord{
			decision("d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry),
			decision("d2", "TCS", "atr_breakout_scalper", types.Interval5m, entry.Add(30*time.Minute)),
		},
		trades: []types.VirtualTrade{
			closedTrade("t1", "d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry, exit),
		},
	}

	records, err := newTestWorker(src).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countMismatches(records, types.MismatchConfigDrift) != 0 {
		t.Fatalf("decisions on other instruments are irrelevant, got %+v", records)
	}
}

func TestReconcileRiskBreach(t *testing.T) {
	entry := time.Now().Add(-time.Hour)

	breached := closedTrade("t1", "d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry, entry.Add(time.Minute))
	breached.RealizedPnL = decimal.NewFromInt(-1200) // bound is 1000, tolerance 1

	src := &fixedSource{
		decisions: []types.DecisionRecord{
			decision("d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry),
		},
		trades: []types.VirtualTrade{breached},
	}

	records, err := newTestWorker(src).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countMismatches(records, types.MismatchRiskBreach) != 1 {
		t.Fatalf("expected a risk-breach record, got %+v", records)
	}
}

func TestReconcileLossWithinToleranceIsClean(t *testing.T) {
	entry := time.Now().Add(-time.Hour)

	trade := closedTrade("t1", "d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry, entry.Add(time.Minute))
	trade.RealizedPnL = decimal.NewFromFloat(-1000.50) // within bound + tolerance

	src := &fixedSource{
		decisions: []types.DecisionRecord{
			decision("d1", "RELIANCE", "supertrend_ema_cross", types.Interval15m, entry),
		},
		trades: []types.VirtualTrade{trade},
	}

	records, err := newTestWorker(src).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countMismatches(records, types.MismatchRiskBreach) != 0 {
		t.Fatalf("loss within tolerance must not flag, got %+v", records)
	}
}

func TestReconcileSkipsRejectedTrades(t *testing.T) {
	rejected := types.VirtualTrade{
		ID:         "t1",
		DecisionID: "d-gone",
		Instrument: "RELIANCE",
		State:      types.TradeStateRejected,
	}

	src := &fixedSource{trades: []types.VirtualTrade{rejected}}

	records, err := newTestWorker(src).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("rejected trades are not reconciled, got %+v", records)
	}
}
