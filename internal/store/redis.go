package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/pkg/types"
)

// RedisStore persists decisions and trades in Redis. Decisions live in
// a list per instrument plus a global list; trades are one hash entry
// per trade id; the reconciliation report is a single JSON value.
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, logger *zap.Logger, config types.StoreConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "core"
	}

	return &RedisStore{
		logger: logger.Named("store"),
		client: client,
		prefix: prefix,
	}, nil
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// SaveDecision appends a decision-log entry.
func (s *RedisStore) SaveDecision(ctx context.Context, record *types.DecisionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key("decisions"), data)
	pipe.RPush(ctx, s.key("decisions", record.Instrument), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

// Decisions returns up to limit most recent decisions for an instrument.
func (s *RedisStore) Decisions(ctx context.Context, instrument string, limit int) ([]types.DecisionRecord, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}

	raw, err := s.client.LRange(ctx, s.key("decisions", instrument), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load decisions: %w", err)
	}

	records, err := unmarshalDecisions(raw)
	if err != nil {
		return nil, err
	}
	// Most recent first, matching MemoryStore.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// AllDecisions returns the full decision log in chronological order.
func (s *RedisStore) AllDecisions(ctx context.Context) ([]types.DecisionRecord, error) {
	raw, err := s.client.LRange(ctx, s.key("decisions"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load decision log: %w", err)
	}
	return unmarshalDecisions(raw)
}

func unmarshalDecisions(raw []string) ([]types.DecisionRecord, error) {
	records := make([]types.DecisionRecord, 0, len(raw))
	for _, item := range raw {
		var rec types.DecisionRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// SaveTrade upserts a trade record.
func (s *RedisStore) SaveTrade(ctx context.Context, trade *types.VirtualTrade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	if err := s.client.HSet(ctx, s.key("trades"), trade.ID, data).Err(); err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// Trades returns all trade records.
func (s *RedisStore) Trades(ctx context.Context) ([]types.VirtualTrade, error) {
	raw, err := s.client.HGetAll(ctx, s.key("trades")).Result()
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}

	trades := make([]types.VirtualTrade, 0, len(raw))
	for _, item := range raw {
		var t types.VirtualTrade
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("unmarshal trade: %w", err)
		}
		trades = append(trades, t)
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].EntryTime.Before(trades[j].EntryTime) })
	return trades, nil
}

// SaveReport replaces the latest reconciliation report.
func (s *RedisStore) SaveReport(ctx context.Context, records []types.ReconciliationRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := s.client.Set(ctx, s.key("report"), data, 0).Err(); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

// LatestReport returns the most recent reconciliation report.
func (s *RedisStore) LatestReport(ctx context.Context) ([]types.ReconciliationRecord, error) {
	data, err := s.client.Get(ctx, s.key("report")).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}

	var records []types.ReconciliationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return records, nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
