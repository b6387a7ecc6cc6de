// Package pipeline runs one evaluation pipeline per instrument.
// Within a pipeline, snapshot -> regime -> selection -> trade
// transitions are strictly ordered; across pipelines there is no
// ordering requirement. Each virtual trade is owned by exactly one
// pipeline for its entire lifetime.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/internal/advisory"
	"github.com/quantdesk/decision-core/internal/engine"
	"github.com/quantdesk/decision-core/internal/events"
	"github.com/quantdesk/decision-core/internal/metrics"
	"github.com/quantdesk/decision-core/internal/regime"
	"github.com/quantdesk/decision-core/internal/risk"
	"github.com/quantdesk/decision-core/internal/router"
	"github.com/quantdesk/decision-core/pkg/types"
)

// Instrument describes one instrument evaluated by the core.
type Instrument struct {
	Symbol string
	Class  types.InstrumentClass
}

// Config configures the pipeline manager.
type Config struct {
	SnapshotBuffer  int
	ShutdownTimeout time.Duration
	// EnterOnDecision opens a virtual position for each fresh decision
	// when the bot is armed and no trade is open on the instrument.
	EnterOnDecision bool
	// StopATRMult sets the initial stop distance in ATR multiples.
	StopATRMult float64
	Session     types.SessionConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotBuffer:  1024,
		ShutdownTimeout: 10 * time.Second,
		EnterOnDecision: true,
		StopATRMult:     1.5,
		Session: types.SessionConfig{
			SquareOffTimes: map[types.InstrumentClass]string{
				types.ClassEquityIntraday: "15:15",
				types.ClassFutures:        "15:15",
				types.ClassOptions:        "15:15",
				types.ClassCommodity:      "23:00",
			},
			SquareOffBuffer: 5 * time.Minute,
		},
	}
}

// DecisionSink persists decision-log entries.
type DecisionSink interface {
	SaveDecision(ctx context.Context, record *types.DecisionRecord) error
}

// Manager owns all instrument pipelines.
type Manager struct {
	logger     *zap.Logger
	config     Config
	classifier *regime.Classifier
	resolver   *risk.Resolver
	algoRouter *router.Router
	advisories *advisory.Client
	exec       *engine.Engine
	killSwitch *engine.KillSwitch
	sink       DecisionSink
	bus        *events.Bus
	metrics    *metrics.Metrics

	account atomic.Value // types.AccountProfile, refreshed between epochs
	armed   atomic.Bool

	mu        sync.Mutex
	pipelines map[string]*pipeline
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// pipeline is the single-writer evaluation loop for one instrument.
type pipeline struct {
	instrument Instrument
	snapshots  chan types.FeatureSnapshot
	lastAlgo   string
	lastRegime types.Regime
}

// NewManager wires a pipeline manager.
func NewManager(
	logger *zap.Logger,
	config Config,
	classifier *regime.Classifier,
	resolver *risk.Resolver,
	algoRouter *router.Router,
	advisories *advisory.Client,
	exec *engine.Engine,
	killSwitch *engine.KillSwitch,
	sink DecisionSink,
	bus *events.Bus,
	m *metrics.Metrics,
	account types.AccountProfile,
) *Manager {
	mgr := &Manager{
		logger:     logger.Named("pipeline"),
		config:     config,
		classifier: classifier,
		resolver:   resolver,
		algoRouter: algoRouter,
		advisories: advisories,
		exec:       exec,
		killSwitch: killSwitch,
		sink:       sink,
		bus:        bus,
		metrics:    m,
		pipelines:  make(map[string]*pipeline),
	}
	mgr.account.Store(account)
	mgr.armed.Store(true)
	return mgr
}

// Register adds an instrument pipeline. Must be called before Start.
func (m *Manager) Register(instrument Instrument) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pipelines[instrument.Symbol] = &pipeline{
		instrument: instrument,
		snapshots:  make(chan types.FeatureSnapshot, m.config.SnapshotBuffer),
	}
}

// Start launches one goroutine per registered instrument plus the
// kill-switch watcher.
func (m *Manager) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return errors.New("pipeline manager already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.Lock()
	for _, p := range m.pipelines {
		m.wg.Add(1)
		go m.run(p)
	}
	m.mu.Unlock()

	// The watcher makes kill-switch engagement observable even when no
	// tick is in flight.
	m.wg.Add(1)
	go m.watchKillSwitch()

	m.logger.Info("pipelines started", zap.Int("instruments", len(m.pipelines)))
	return nil
}

// Stop drains and shuts down all pipelines.
func (m *Manager) Stop() error {
	if !m.running.Swap(false) {
		return nil
	}

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("pipelines stopped")
		return nil
	case <-time.After(m.config.ShutdownTimeout):
		return errors.New("pipeline shutdown timed out")
	}
}

// Submit routes a snapshot to its instrument pipeline, preserving
// arrival order.
func (m *Manager) Submit(snap types.FeatureSnapshot) error {
	m.mu.Lock()
	p, ok := m.pipelines[snap.Instrument]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pipeline registered for %s", snap.Instrument)
	}

	select {
	case p.snapshots <- snap:
		return nil
	default:
		return fmt.Errorf("pipeline for %s is saturated", snap.Instrument)
	}
}

// UpdateAccount atomically refreshes the account profile between
// decision epochs.
func (m *Manager) UpdateAccount(account types.AccountProfile) {
	m.account.Store(account)
}

// Arm enables opening new positions.
func (m *Manager) Arm() { m.armed.Store(true) }

// Disarm stops opening new positions; open trades keep being managed.
func (m *Manager) Disarm() { m.armed.Store(false) }

// Armed reports whether new entries are enabled.
func (m *Manager) Armed() bool { return m.armed.Load() }

func (m *Manager) watchKillSwitch() {
	defer m.wg.Done()

	ch := m.killSwitch.Subscribe()
	for {
		select {
		case <-m.ctx.Done():
			return
		case reason := <-ch:
			m.metrics.KillSwitchEngaged.Set(1)
			m.bus.Publish(events.NewEvent(events.TypeKillSwitch, events.RiskAlert{
				Severity: "critical",
				Message:  "kill switch engaged: " + reason,
			}))
			m.exec.LiquidateAll(m.ctx, "kill switch engaged: "+reason)
		}
	}
}

// run is a pipeline's main loop.
func (m *Manager) run(p *pipeline) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case snap, ok := <-p.snapshots:
			if !ok {
				return
			}
			m.process(p, snap)
		}
	}
}

// process handles one evaluation tick for one instrument.
func (m *Manager) process(p *pipeline, snap types.FeatureSnapshot) {
	// Open positions are evaluated on every tick, decision or not.
	m.exec.OnTick(m.ctx, engine.Tick{
		Instrument: snap.Instrument,
		Price:      snap.Price,
		ATR:        snap.ATR,
		Timestamp:  snap.Timestamp,
	})
	m.metrics.OpenTrades.Set(float64(len(m.exec.OpenTrades())))
	if !m.killSwitch.Engaged() {
		m.metrics.KillSwitchEngaged.Set(0)
	}

	m.classifier.Observe(snap)
	state, err := m.classifier.Classify(snap)
	if err != nil {
		if errors.Is(err, regime.ErrInsufficientHistory) {
			// Skip the epoch; never substitute a guessed regime.
			m.metrics.EpochsSkipped.WithLabelValues("insufficient_history").Inc()
			m.logger.Debug("epoch skipped: insufficient history",
				zap.String("instrument", snap.Instrument),
				zap.Int("samples", m.classifier.WindowLen(snap.Instrument)))
			return
		}
		m.logger.Error("classification failed", zap.Error(err))
		return
	}
	m.metrics.SetRegime(snap.Instrument, state.Regime)
	if p.lastRegime != "" && p.lastRegime != state.Regime {
		m.bus.Publish(events.NewEvent(events.TypeRegimeChange, state))
	}
	p.lastRegime = state.Regime

	account := m.account.Load().(types.AccountProfile)
	profile, err := m.resolver.Resolve(account, p.instrument.Class, state)
	if err != nil {
		if errors.Is(err, risk.ErrInstrumentNotEligible) {
			m.metrics.EpochsSkipped.WithLabelValues("not_eligible").Inc()
			m.logger.Info("instrument excluded this cycle",
				zap.String("instrument", snap.Instrument),
				zap.String("class", string(p.instrument.Class)),
				zap.String("capital", account.Capital.String()))
			return
		}
		m.logger.Error("risk resolution failed", zap.Error(err))
		return
	}

	adv := m.advisories.Fetch(m.ctx, snap)
	if adv == nil {
		m.metrics.AdvisoryTimeouts.Inc()
	}

	selection, err := m.algoRouter.Select(state, profile, adv)
	if errors.Is(err, router.ErrUnexplainableOverride) {
		// Recoverable: the base selection is still valid.
		m.metrics.OverridesTotal.WithLabelValues("rejected").Inc()
	} else if selection.OverrideApplied {
		m.metrics.OverridesTotal.WithLabelValues("applied").Inc()
	}

	record := m.logDecision(p, snap, state, selection)
	m.metrics.DecisionsTotal.WithLabelValues(string(state.Regime)).Inc()

	if m.config.EnterOnDecision {
		m.maybeEnter(p, snap, state, profile, selection, record)
	}

	p.lastAlgo = selection.AlgorithmID
}

// logDecision builds and persists the decision-log entry.
func (m *Manager) logDecision(p *pipeline, snap types.FeatureSnapshot, state types.RegimeState, selection types.AlgorithmSelection) types.DecisionRecord {
	reason := fmt.Sprintf("regime %s (confidence %.2f) routed to %s/%s on %s",
		state.Regime, state.Confidence, selection.Family, selection.AlgorithmID, selection.Interval)
	if selection.OverrideApplied {
		reason += "; advisory override: " + selection.OverrideReason
	}
	if p.lastAlgo != "" && p.lastAlgo != selection.AlgorithmID && m.hasOpenTrade(snap.Instrument) {
		reason = "re-selection: " + reason
	}

	record := types.DecisionRecord{
		ID:         uuid.NewString(),
		Timestamp:  snap.Timestamp,
		Instrument: snap.Instrument,
		Regime:     state,
		Selection:  selection,
		Reason:     reason,
	}

	if err := m.sink.SaveDecision(m.ctx, &record); err != nil {
		m.logger.Error("failed to persist decision",
			zap.String("decisionId", record.ID),
			zap.Error(err))
	}
	m.bus.Publish(events.NewEvent(events.TypeDecisionLogged, events.DecisionLogged{Record: record}))

	m.logger.Info("decision logged",
		zap.String("instrument", snap.Instrument),
		zap.String("regime", string(state.Regime)),
		zap.String("algorithm", selection.AlgorithmID),
		zap.String("interval", string(selection.Interval)),
		zap.Bool("override", selection.OverrideApplied))

	return record
}

// maybeEnter opens a position for the decision when entries are armed,
// nothing is open on the instrument, and the session window permits.
func (m *Manager) maybeEnter(p *pipeline, snap types.FeatureSnapshot, state types.RegimeState, profile types.RiskProfile, selection types.AlgorithmSelection, record types.DecisionRecord) {
	if !m.armed.Load() || m.hasOpenTrade(snap.Instrument) {
		return
	}

	squareOff, ok := m.squareOffFor(p.instrument.Class, snap.Timestamp)
	if ok && !snap.Timestamp.Before(squareOff) {
		m.metrics.EpochsSkipped.WithLabelValues("past_square_off").Inc()
		return
	}

	stopDist := snap.ATR.Mul(decimal.NewFromFloat(m.config.StopATRMult))
	if stopDist.IsZero() {
		m.metrics.EpochsSkipped.WithLabelValues("no_atr").Inc()
		return
	}

	side := types.TradeSideLong
	if state.Regime == types.RegimeBear || (state.Regime == types.RegimeEventDriven && snap.Sentiment < 0) {
		side = types.TradeSideShort
	}

	_, err := m.exec.SubmitEntry(m.ctx, engine.EntryRequest{
		DecisionID:   record.ID,
		Instrument:   snap.Instrument,
		Class:        p.instrument.Class,
		AlgorithmID:  selection.AlgorithmID,
		Interval:     selection.Interval,
		Indicators:   selection.Indicators,
		Side:         side,
		Price:        snap.Price,
		StopDistance: stopDist,
		Profile:      profile,
		SquareOffAt:  squareOff,
		Timestamp:    snap.Timestamp,
	})
	if err != nil {
		var engineErr *engine.EngineError
		if errors.As(err, &engineErr) {
			m.metrics.EntriesRejected.WithLabelValues(rejectLabel(err)).Inc()
		}
	}
}

// squareOffFor computes the session square-off boundary for the class
// on the snapshot's day, advanced by the configured buffer.
func (m *Manager) squareOffFor(class types.InstrumentClass, at time.Time) (time.Time, bool) {
	boundary, ok := m.config.Session.SquareOffTimes[class]
	if !ok {
		return time.Time{}, false
	}

	parsed, err := time.Parse("15:04", boundary)
	if err != nil {
		return time.Time{}, false
	}

	squareOff := time.Date(at.Year(), at.Month(), at.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, at.Location())
	return squareOff.Add(-m.config.Session.SquareOffBuffer), true
}

func (m *Manager) hasOpenTrade(instrument string) bool {
	for _, t := range m.exec.OpenTrades() {
		if t.Instrument == instrument {
			return true
		}
	}
	return false
}

func rejectLabel(err error) string {
	switch {
	case errors.Is(err, engine.ErrRiskLimitExceeded):
		return "risk_limit"
	case errors.Is(err, engine.ErrKillSwitchEngaged):
		return "kill_switch"
	case errors.Is(err, engine.ErrEntriesBlocked):
		return "session_gate"
	default:
		return "other"
	}
}
