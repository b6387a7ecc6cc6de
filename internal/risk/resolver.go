// Package risk derives hard numeric limits from capital, instrument
// class and regime, and tracks session-level drawdown.
package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/pkg/types"
)

// ResolverError represents a risk resolution error.
type ResolverError struct {
	Message string
}

func (e *ResolverError) Error() string { return e.Message }

// ErrInstrumentNotEligible is returned when capital is below the
// instrument class minimum. The class is excluded for this cycle, never
// silently downgraded.
var ErrInstrumentNotEligible = &ResolverError{Message: "instrument class not eligible for capital"}

// ResolverConfig contains the risk limit tables.
type ResolverConfig struct {
	// ClassMinCapital is the minimum capital per instrument class.
	ClassMinCapital map[types.InstrumentClass]decimal.Decimal
	// ClassMaxRiskPct is the base per-trade risk fraction per class.
	ClassMaxRiskPct map[types.InstrumentClass]decimal.Decimal
	// HighRiskRegimeScale shrinks the risk fraction in volatile and
	// event-driven regimes.
	HighRiskRegimeScale decimal.Decimal
	// TightTrailMult is the ATR multiplier forced in high-risk regimes.
	TightTrailMult decimal.Decimal
	// FixedTrailMult is the ATR multiplier for trending regimes.
	FixedTrailMult decimal.Decimal
	// MaxDrawdownPct is the session hard ceiling.
	MaxDrawdownPct decimal.Decimal
	// DailyLossLimitPct blocks fresh entries past this daily loss.
	DailyLossLimitPct decimal.Decimal
}

// DefaultResolverConfig returns the default limit tables.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		ClassMinCapital: map[types.InstrumentClass]decimal.Decimal{
			types.ClassEquityDelivery: decimal.NewFromInt(5000),
			types.ClassEquityIntraday: decimal.NewFromInt(10000),
			types.ClassCommodity:      decimal.NewFromInt(100000),
			types.ClassFutures:        decimal.NewFromInt(150000),
			types.ClassOptions:        decimal.NewFromInt(200000),
		},
		ClassMaxRiskPct: map[types.InstrumentClass]decimal.Decimal{
			types.ClassEquityDelivery: decimal.NewFromFloat(0.02),
			types.ClassEquityIntraday: decimal.NewFromFloat(0.01),
			types.ClassCommodity:      decimal.NewFromFloat(0.01),
			types.ClassFutures:        decimal.NewFromFloat(0.01),
			types.ClassOptions:        decimal.NewFromFloat(0.01),
		},
		HighRiskRegimeScale: decimal.NewFromFloat(0.5),
		TightTrailMult:      decimal.NewFromFloat(1.0),
		FixedTrailMult:      decimal.NewFromFloat(2.0),
		MaxDrawdownPct:      decimal.NewFromFloat(0.05),
		DailyLossLimitPct:   decimal.NewFromFloat(0.02),
	}
}

// Resolver resolves risk profiles. Pure and table-driven; the tables are
// read-only after construction.
type Resolver struct {
	logger *zap.Logger
	config ResolverConfig
}

// NewResolver creates a resolver.
func NewResolver(logger *zap.Logger, config ResolverConfig) *Resolver {
	return &Resolver{
		logger: logger.Named("risk"),
		config: config,
	}
}

// Eligible reports whether the class is tradeable with the given account,
// honouring per-account eligibility overrides.
func (r *Resolver) Eligible(account types.AccountProfile, class types.InstrumentClass) bool {
	if allowed, ok := account.EligibilityOverrides[class]; ok {
		return allowed
	}
	min, ok := r.config.ClassMinCapital[class]
	if !ok {
		return false
	}
	return account.Capital.GreaterThanOrEqual(min)
}

// Resolve derives the risk profile for one decision epoch.
func (r *Resolver) Resolve(account types.AccountProfile, class types.InstrumentClass, state types.RegimeState) (types.RiskProfile, error) {
	if !r.Eligible(account, class) {
		r.logger.Info("instrument class excluded",
			zap.String("class", string(class)),
			zap.String("capital", account.Capital.String()))
		return types.RiskProfile{}, ErrInstrumentNotEligible
	}

	maxRisk, ok := r.config.ClassMaxRiskPct[class]
	if !ok {
		return types.RiskProfile{}, &ResolverError{Message: fmt.Sprintf("no risk table entry for class %s", class)}
	}

	profile := types.RiskProfile{
		InstrumentClass: class,
		MaxRiskPct:      maxRisk,
		RewardRiskRatio: decimal.NewFromFloat(2.0),
		MaxDrawdownPct:  r.config.MaxDrawdownPct,
	}

	// Trailing tightness scales inversely with regime risk.
	switch state.Regime {
	case types.RegimeVolatile, types.RegimeEventDriven:
		profile.MaxRiskPct = maxRisk.Mul(r.config.HighRiskRegimeScale)
		profile.TrailingMode = types.TrailingATRBased
		profile.TrailingATRMult = r.config.TightTrailMult
	case types.RegimeBull, types.RegimeBear:
		profile.TrailingMode = types.TrailingFixed
		profile.TrailingATRMult = r.config.FixedTrailMult
	default:
		profile.TrailingMode = types.TrailingNone
	}

	if state.Regime == types.RegimeEventDriven {
		profile.RewardRiskRatio = decimal.NewFromFloat(1.5)
	}

	return profile, nil
}

// PositionSize computes the quantity that risks at most
// profile.MaxRiskPct of capital between entry and stop. Returns zero
// when the stop distance makes even one unit breach the bound.
func PositionSize(capital, entry, stop decimal.Decimal, profile types.RiskProfile) decimal.Decimal {
	dist := entry.Sub(stop).Abs()
	if dist.IsZero() || entry.IsZero() {
		return decimal.Zero
	}

	riskAmount := capital.Mul(profile.MaxRiskPct)
	qty := riskAmount.Div(dist).Floor()
	if qty.LessThan(decimal.NewFromInt(1)) {
		return decimal.Zero
	}
	return qty
}

// SessionLedger tracks realized PnL against start-of-session capital.
// Read by every pipeline, written only on trade close.
type SessionLedger struct {
	logger *zap.Logger
	config ResolverConfig

	mu           sync.RWMutex
	startCapital decimal.Decimal
	capital      decimal.Decimal
	dailyPnL     decimal.Decimal
	closedTrades int
}

// NewSessionLedger opens a ledger at the session's starting capital.
func NewSessionLedger(logger *zap.Logger, config ResolverConfig, startCapital decimal.Decimal) *SessionLedger {
	return &SessionLedger{
		logger:       logger.Named("session"),
		config:       config,
		startCapital: startCapital,
		capital:      startCapital,
	}
}

// RecordPnL applies a closed trade's realized PnL.
func (l *SessionLedger) RecordPnL(pnl decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.dailyPnL = l.dailyPnL.Add(pnl)
	l.capital = l.capital.Add(pnl)
	l.closedTrades++

	l.logger.Info("session pnl updated",
		zap.String("pnl", pnl.String()),
		zap.String("dailyPnL", l.dailyPnL.String()),
		zap.String("capital", l.capital.String()))
}

// Capital returns current capital.
func (l *SessionLedger) Capital() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.capital
}

// DailyPnL returns realized PnL for the session.
func (l *SessionLedger) DailyPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dailyPnL
}

// DrawdownPct returns the drawdown fraction versus start capital.
func (l *SessionLedger) DrawdownPct() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.startCapital.IsZero() {
		return decimal.Zero
	}
	dd := l.startCapital.Sub(l.capital).Div(l.startCapital)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// DrawdownBreached reports whether the session ceiling is breached.
func (l *SessionLedger) DrawdownBreached(maxDrawdownPct decimal.Decimal) bool {
	return l.DrawdownPct().GreaterThan(maxDrawdownPct)
}

// EntryAllowed reports whether fresh entries are permitted, with a
// reason when blocked.
func (l *SessionLedger) EntryAllowed() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.startCapital.IsZero() {
		dd := l.startCapital.Sub(l.capital).Div(l.startCapital)
		if dd.GreaterThan(l.config.MaxDrawdownPct) {
			return false, fmt.Sprintf("session drawdown breach (%s > %s)", dd.StringFixed(4), l.config.MaxDrawdownPct.StringFixed(4))
		}
	}

	lossLimit := l.capital.Mul(l.config.DailyLossLimitPct).Neg()
	if l.dailyPnL.LessThan(lossLimit) {
		return false, fmt.Sprintf("daily loss limit hit (%s < %s)", l.dailyPnL.StringFixed(2), lossLimit.StringFixed(2))
	}

	return true, "ok"
}

// Stats returns a session snapshot.
func (l *SessionLedger) Stats() SessionStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return SessionStats{
		StartCapital: l.startCapital,
		Capital:      l.capital,
		DailyPnL:     l.dailyPnL,
		ClosedTrades: l.closedTrades,
	}
}

// SessionStats contains session-level statistics.
type SessionStats struct {
	StartCapital decimal.Decimal `json:"startCapital"`
	Capital      decimal.Decimal `json:"capital"`
	DailyPnL     decimal.Decimal `json:"dailyPnL"`
	ClosedTrades int             `json:"closedTrades"`
}
