// Package engine owns the virtual trade lifecycle state machine.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// KillSwitch is the process-wide cancellation signal. It is a single
// shared atomic flag plus a broadcast to subscribers, so every active
// pipeline observes engagement within one tick interval. After firing
// it stays engaged until explicitly re-armed.
type KillSwitch struct {
	logger  *zap.Logger
	engaged atomic.Bool

	mu        sync.Mutex
	reason    string
	engagedAt time.Time
	subs      []chan string
}

// NewKillSwitch creates a disengaged kill switch.
func NewKillSwitch(logger *zap.Logger) *KillSwitch {
	return &KillSwitch{logger: logger.Named("kill-switch")}
}

// Engage fires the switch. Idempotent; the first reason wins.
func (k *KillSwitch) Engage(reason string) {
	if k.engaged.Swap(true) {
		return
	}

	k.mu.Lock()
	k.reason = reason
	k.engagedAt = time.Now()
	subs := make([]chan string, len(k.subs))
	copy(subs, k.subs)
	k.mu.Unlock()

	k.logger.Error("kill switch engaged", zap.String("reason", reason))

	for _, ch := range subs {
		select {
		case ch <- reason:
		default:
		}
	}
}

// Rearm clears the switch. New evaluation cycles may open positions
// again only after this explicit call.
func (k *KillSwitch) Rearm() {
	if !k.engaged.Swap(false) {
		return
	}

	k.mu.Lock()
	k.reason = ""
	k.mu.Unlock()

	k.logger.Info("kill switch re-armed")
}

// Engaged reports whether the switch is currently engaged.
func (k *KillSwitch) Engaged() bool {
	return k.engaged.Load()
}

// Reason returns the engagement reason, empty when disengaged.
func (k *KillSwitch) Reason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reason
}

// Subscribe returns a channel that receives the reason on engagement.
// The channel is buffered; a slow subscriber never blocks the switch.
func (k *KillSwitch) Subscribe() <-chan string {
	ch := make(chan string, 1)

	k.mu.Lock()
	k.subs = append(k.subs, ch)
	k.mu.Unlock()

	return ch
}
