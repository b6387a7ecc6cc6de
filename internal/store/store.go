// Package store persists decision-log entries, trade records and
// reconciliation reports.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/quantdesk/decision-core/pkg/types"
)

// Store is the persistence boundary for the decision core.
type Store interface {
	SaveDecision(ctx context.Context, record *types.DecisionRecord) error
	Decisions(ctx context.Context, instrument string, limit int) ([]types.DecisionRecord, error)
	AllDecisions(ctx context.Context) ([]types.DecisionRecord, error)

	SaveTrade(ctx context.Context, trade *types.VirtualTrade) error
	Trades(ctx context.Context) ([]types.VirtualTrade, error)

	SaveReport(ctx context.Context, records []types.ReconciliationRecord) error
	LatestReport(ctx context.Context) ([]types.ReconciliationRecord, error)

	Close() error
}

// MemoryStore is an in-process Store used in tests and development.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions []types.DecisionRecord
	trades    map[string]types.VirtualTrade
	report    []types.ReconciliationRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]types.VirtualTrade)}
}

// SaveDecision appends a decision-log entry.
func (s *MemoryStore) SaveDecision(_ context.Context, record *types.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.decisions = append(s.decisions, *record)
	return nil
}

// Decisions returns up to limit most recent decisions for an instrument.
func (s *MemoryStore) Decisions(_ context.Context, instrument string, limit int) ([]types.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.DecisionRecord
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].Instrument == instrument {
			out = append(out, s.decisions[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// AllDecisions returns the full decision log in chronological order.
func (s *MemoryStore) AllDecisions(_ context.Context) ([]types.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.DecisionRecord, len(s.decisions))
	copy(out, s.decisions)
	return out, nil
}

// SaveTrade upserts a trade record.
func (s *MemoryStore) SaveTrade(_ context.Context, trade *types.VirtualTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades[trade.ID] = *trade
	return nil
}

// Trades returns all trade records ordered by entry time.
func (s *MemoryStore) Trades(_ context.Context) ([]types.VirtualTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.VirtualTrade, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

// SaveReport replaces the latest reconciliation report.
func (s *MemoryStore) SaveReport(_ context.Context, records []types.ReconciliationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.report = make([]types.ReconciliationRecord, len(records))
	copy(s.report, records)
	return nil
}

// LatestReport returns the most recent reconciliation report, or nil
// when none has been saved.
func (s *MemoryStore) LatestReport(_ context.Context) ([]types.ReconciliationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.report == nil {
		return nil, nil
	}
	out := make([]types.ReconciliationRecord, len(s.report))
	copy(out, s.report)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
