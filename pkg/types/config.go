// Package types provides configuration types for the decision core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServerConfig represents operator API server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	AllowedOrigins []string      `json:"allowedOrigins"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics"`
}

// StoreConfig represents decision/trade persistence configuration
type StoreConfig struct {
	Backend   string        `json:"backend"` // "redis", "memory"
	RedisURL  string        `json:"redisUrl"`
	KeyPrefix string        `json:"keyPrefix"`
	OpTimeout time.Duration `json:"opTimeout"`
}

// SessionConfig represents trading session boundaries per instrument class
type SessionConfig struct {
	// SquareOffTimes maps instrument class to the wall-clock square-off
	// boundary in "15:04" format. Intraday classes are forced flat here.
	SquareOffTimes map[InstrumentClass]string `json:"squareOffTimes"`
	// SquareOffBuffer advances the boundary, e.g. 5m closes positions
	// five minutes before session close.
	SquareOffBuffer time.Duration `json:"squareOffBuffer"`
}

// CostConfig represents the per-side transaction cost model
type CostConfig struct {
	FlatPerOrder decimal.Decimal                     `json:"flatPerOrder"`
	PctBySide    map[InstrumentClass]decimal.Decimal `json:"pctBySide"` // fraction of notional
}
