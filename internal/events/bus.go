// Package events provides the in-process event bus connecting the
// decision pipelines to outbound transports.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/pkg/types"
)

// Type categorises bus events.
type Type string

const (
	TypeDecisionLogged Type = "decision.logged"
	TypeTradeUpdate    Type = "trade.update"
	TypeRiskAlert      Type = "risk.alert"
	TypeKillSwitch     Type = "kill_switch"
	TypeRegimeChange   Type = "regime.change"
)

// Event is one bus message.
type Event struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// NewEvent stamps a payload with ID and time.
func NewEvent(t Type, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// DecisionLogged is the payload for TypeDecisionLogged.
type DecisionLogged struct {
	Record types.DecisionRecord `json:"record"`
}

// RiskAlert is the payload for TypeRiskAlert.
type RiskAlert struct {
	Severity   string `json:"severity"` // "warning" or "critical"
	Instrument string `json:"instrument,omitempty"`
	Message    string `json:"message"`
}

// Handler processes one event. Handlers must not block.
type Handler func(event Event)

// Stats tracks bus throughput.
type Stats struct {
	Published int64 `json:"published"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
}

// Config configures the bus.
type Config struct {
	BufferSize int
	Workers    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 4096,
		Workers:    4,
	}
}

// Bus fans events out to subscribers. Publish never blocks; events are
// dropped when the buffer is full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Handler
	all         []Handler

	eventChan chan Event

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus creates and starts the bus workers.
func NewBus(logger *zap.Logger, config Config) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		subscribers: make(map[Type][]Handler),
		eventChan:   make(chan Event, config.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("events"),
	}

	for i := 0; i < config.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	return b
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Publish enqueues an event without blocking.
func (b *Bus) Publish(event Event) {
	b.published.Add(1)

	select {
	case b.eventChan <- event:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, bus saturated", zap.String("type", string(event.Type)))
	}
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Processed: b.processed.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close stops the workers after draining in-flight events.
func (b *Bus) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bus) worker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			// Drain what is already queued.
			for {
				select {
				case event := <-b.eventChan:
					b.dispatch(event)
				default:
					return
				}
			}
		case event := <-b.eventChan:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[event.Type])+len(b.all))
	handlers = append(handlers, b.subscribers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.run(handler, event)
	}

	b.processed.Add(1)
}

// run isolates handler panics so one bad subscriber cannot stall the bus.
func (b *Bus) run(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()

	handler(event)
}
