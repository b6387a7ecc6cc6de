package engine

import (
	"github.com/shopspring/decimal"

	"github.com/quantdesk/decision-core/pkg/types"
)

// CostModel estimates per-side transaction costs: a flat brokerage
// charge plus a percentage of notional that varies by instrument class.
type CostModel struct {
	config types.CostConfig
}

// DefaultCostConfig returns the default cost model parameters.
func DefaultCostConfig() types.CostConfig {
	return types.CostConfig{
		FlatPerOrder: decimal.NewFromInt(20),
		PctBySide: map[types.InstrumentClass]decimal.Decimal{
			types.ClassEquityIntraday: decimal.NewFromFloat(0.00025),
			types.ClassEquityDelivery: decimal.NewFromFloat(0.001),
			types.ClassFutures:        decimal.NewFromFloat(0.0002),
			types.ClassOptions:        decimal.NewFromFloat(0.0005),
			types.ClassCommodity:      decimal.NewFromFloat(0.0003),
		},
	}
}

// NewCostModel creates a cost model.
func NewCostModel(config types.CostConfig) *CostModel {
	return &CostModel{config: config}
}

// SideCost returns the estimated cost of one side of a trade.
func (m *CostModel) SideCost(price, quantity decimal.Decimal, class types.InstrumentClass) decimal.Decimal {
	notional := price.Mul(quantity)
	pct := m.config.PctBySide[class]
	return m.config.FlatPerOrder.Add(notional.Mul(pct))
}

// RoundTripCost returns entry plus exit cost at the given prices.
func (m *CostModel) RoundTripCost(entry, exit, quantity decimal.Decimal, class types.InstrumentClass) decimal.Decimal {
	return m.SideCost(entry, quantity, class).Add(m.SideCost(exit, quantity, class))
}
