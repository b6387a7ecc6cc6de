// Package config loads runtime configuration from an optional YAML
// file plus DECISION_CORE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level runtime configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Log      LogConfig      `mapstructure:"log"`
	Account  AccountConfig  `mapstructure:"account"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Advisory AdvisoryConfig `mapstructure:"advisory"`
	Session  SessionConfig  `mapstructure:"session"`
}

// ServerConfig holds HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend   string        `mapstructure:"backend"` // "memory" or "redis"
	RedisURL  string        `mapstructure:"redis_url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// LogConfig controls zap output.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// AccountConfig seeds the account profile.
type AccountConfig struct {
	Capital     float64 `mapstructure:"capital"`
	Instruments []struct {
		Symbol string `mapstructure:"symbol"`
		Class  string `mapstructure:"class"`
	} `mapstructure:"instruments"`
}

// EngineConfig holds execution-engine tunables.
type EngineConfig struct {
	TrailTrigger    float64 `mapstructure:"trail_trigger"`
	MaxDrawdownPct  float64 `mapstructure:"max_drawdown_pct"`
	StopATRMult     float64 `mapstructure:"stop_atr_mult"`
	EnterOnDecision bool    `mapstructure:"enter_on_decision"`
}

// AdvisoryConfig controls the external advisory client.
type AdvisoryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionConfig holds per-class square-off boundaries in "15:04" form.
type SessionConfig struct {
	SquareOffTimes  map[string]string `mapstructure:"square_off_times"`
	SquareOffBuffer time.Duration     `mapstructure:"square_off_buffer"`
}

// Load reads the config file at path (optional when empty) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("DECISION_CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Store.Backend != "memory" && cfg.Store.Backend != "redis" {
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.key_prefix", "core")
	v.SetDefault("store.op_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("account.capital", 500000)

	v.SetDefault("engine.trail_trigger", 0.5)
	v.SetDefault("engine.max_drawdown_pct", 0.05)
	v.SetDefault("engine.stop_atr_mult", 1.5)
	v.SetDefault("engine.enter_on_decision", true)

	v.SetDefault("advisory.timeout", 2*time.Second)

	v.SetDefault("session.square_off_times", map[string]string{
		"equity_intraday": "15:15",
		"futures":         "15:15",
		"options":         "15:15",
		"commodity":       "23:00",
	})
	v.SetDefault("session.square_off_buffer", 5*time.Minute)
}
