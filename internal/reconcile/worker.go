// Package reconcile diffs router decisions against executed virtual
// trades after a session and flags inconsistencies. It produces a
// report only; trades and selections are never mutated.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/pkg/types"
)

// Config configures the reconciliation worker.
type Config struct {
	// PnLTolerance is the absolute rounding tolerance, in capital
	// currency, applied before flagging a risk breach.
	PnLTolerance decimal.Decimal
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PnLTolerance: decimal.NewFromInt(1)}
}

// Source supplies the session's decision log and trade log.
type Source interface {
	AllDecisions(ctx context.Context) ([]types.DecisionRecord, error)
	Trades(ctx context.Context) ([]types.VirtualTrade, error)
}

// Worker reconciles one session.
type Worker struct {
	logger *zap.Logger
	config Config
	source Source
}

// NewWorker creates a reconciliation worker.
func NewWorker(logger *zap.Logger, config Config, source Source) *Worker {
	return &Worker{
		logger: logger.Named("reconcile"),
		config: config,
		source: source,
	}
}

// Reconcile produces one record per trade, plus extra records for each
// discrepancy found during the trade's lifetime.
func (w *Worker) Reconcile(ctx context.Context) ([]types.ReconciliationRecord, error) {
	decisions, err := w.source.AllDecisions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load decision log: %w", err)
	}
	trades, err := w.source.Trades(ctx)
	if err != nil {
		return nil, fmt.Errorf("load trade log: %w", err)
	}

	byID := make(map[string]types.DecisionRecord, len(decisions))
	for _, d := range decisions {
		byID[d.ID] = d
	}

	now := time.Now()
	var records []types.ReconciliationRecord

	for _, trade := range trades {
		if trade.State == types.TradeStateRejected {
			continue
		}

		record := types.ReconciliationRecord{
			DecisionID: trade.DecisionID,
			TradeID:    trade.ID,
			Timestamp:  now,
		}

		entry, ok := byID[trade.DecisionID]
		if !ok {
			record.Mismatch = types.MismatchMissingDecision
			record.Detail = "originating decision absent from decision log"
			records = append(records, record)
			continue
		}

		if drift, detail := w.checkDrift(trade, entry, decisions); drift {
			records = append(records, types.ReconciliationRecord{
				DecisionID: trade.DecisionID,
				TradeID:    trade.ID,
				Mismatch:   types.MismatchConfigDrift,
				Detail:     detail,
				Timestamp:  now,
			})
		}

		if breach, detail := w.checkRiskBreach(trade); breach {
			records = append(records, types.ReconciliationRecord{
				DecisionID: trade.DecisionID,
				TradeID:    trade.ID,
				Mismatch:   types.MismatchRiskBreach,
				Detail:     detail,
				Timestamp:  now,
			})
		}

		// The clean row documents that the trade was checked.
		records = append(records, record)
	}

	w.report(records)
	return records, nil
}

// checkDrift verifies the selection recorded at entry stayed live for
// the trade's lifetime. A differing selection within the trade window
// is drift unless the decision log marks it as an explicit
// re-selection.
func (w *Worker) checkDrift(trade types.VirtualTrade, entry types.DecisionRecord, decisions []types.DecisionRecord) (bool, string) {
	if entry.Selection.AlgorithmID != trade.AlgorithmID || entry.Selection.Interval != trade.Interval {
		return true, fmt.Sprintf("trade config (%s/%s) does not match recorded decision (%s/%s)",
			trade.AlgorithmID, trade.Interval, entry.Selection.AlgorithmID, entry.Selection.Interval)
	}

	end := trade.ExitTime
	if end.IsZero() {
		end = time.Now()
	}

	for _, d := range decisions {
		if d.Instrument != trade.Instrument || d.ID == entry.ID {
			continue
		}
		if d.Timestamp.Before(trade.EntryTime) || d.Timestamp.After(end) {
			continue
		}
		if d.Selection.AlgorithmID == trade.AlgorithmID {
			continue
		}
		if strings.Contains(strings.ToLower(d.Reason), "re-selection") {
			continue
		}
		return true, fmt.Sprintf("selection changed to %s at %s during trade lifetime without re-selection event",
			d.Selection.AlgorithmID, d.Timestamp.Format(time.RFC3339))
	}

	return false, ""
}

// checkRiskBreach flags closed trades whose realized loss exceeds the
// bound recorded at entry, beyond the rounding tolerance.
func (w *Worker) checkRiskBreach(trade types.VirtualTrade) (bool, string) {
	if trade.State != types.TradeStateClosed && trade.State != types.TradeStateLiquidated {
		return false, ""
	}
	if !trade.RealizedPnL.IsNegative() || trade.MaxLossBound.IsZero() {
		return false, ""
	}

	loss := trade.RealizedPnL.Neg()
	allowed := trade.MaxLossBound.Add(w.config.PnLTolerance)
	if loss.LessThanOrEqual(allowed) {
		return false, ""
	}

	return true, fmt.Sprintf("realized loss %s exceeds risk bound %s (tolerance %s)",
		loss.String(), trade.MaxLossBound.String(), w.config.PnLTolerance.String())
}

// report logs a summary for operators.
func (w *Worker) report(records []types.ReconciliationRecord) {
	counts := make(map[types.MismatchKind]int)
	for _, r := range records {
		if r.Mismatch != types.MismatchNone {
			counts[r.Mismatch]++
		}
	}

	if len(counts) == 0 {
		w.logger.Info("reconciliation clean", zap.Int("records", len(records)))
		return
	}

	w.logger.Warn("reconciliation discrepancies found",
		zap.Int("records", len(records)),
		zap.Int("configDrift", counts[types.MismatchConfigDrift]),
		zap.Int("riskBreach", counts[types.MismatchRiskBreach]),
		zap.Int("missingDecision", counts[types.MismatchMissingDecision]))
}
