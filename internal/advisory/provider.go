// Package advisory defines the pluggable external advisory capability.
// The router's core logic stays deterministic and testable independent
// of any specific scoring backend.
package advisory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quantdesk/decision-core/pkg/types"
)

// Provider supplies a non-binding suggested decision with a confidence
// score. Implementations are external collaborators (LLM scorers,
// sentiment feeds); the core only consumes this interface.
type Provider interface {
	Name() string
	Score(ctx context.Context, snap types.FeatureSnapshot) (*types.Advisory, error)
}

// Client wraps a provider with a hard timeout. On timeout or error the
// caller proceeds without an advisory; the pipeline is never blocked on
// an external signal.
type Client struct {
	logger   *zap.Logger
	provider Provider
	timeout  time.Duration
}

// NewClient creates a timeout-bounded advisory client. provider may be
// nil, in which case every fetch returns no advisory.
func NewClient(logger *zap.Logger, provider Provider, timeout time.Duration) *Client {
	return &Client{
		logger:   logger.Named("advisory"),
		provider: provider,
		timeout:  timeout,
	}
}

// Fetch returns the provider's advisory, or nil when the provider is
// absent, errors, or exceeds the timeout.
func (c *Client) Fetch(ctx context.Context, snap types.FeatureSnapshot) *types.Advisory {
	if c.provider == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		adv *types.Advisory
		err error
	}
	done := make(chan result, 1)

	go func() {
		adv, err := c.provider.Score(ctx, snap)
		done <- result{adv: adv, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			c.logger.Warn("advisory provider failed, proceeding without advisory",
				zap.String("provider", c.provider.Name()),
				zap.String("instrument", snap.Instrument),
				zap.Error(res.err))
			return nil
		}
		return res.adv

	case <-ctx.Done():
		c.logger.Warn("advisory provider timed out, proceeding without advisory",
			zap.String("provider", c.provider.Name()),
			zap.String("instrument", snap.Instrument),
			zap.Duration("timeout", c.timeout))
		return nil
	}
}

// StaticProvider returns a fixed advisory. Used in development mode and
// tests to exercise the override path without a live backend.
type StaticProvider struct {
	Advisory *types.Advisory
	Delay    time.Duration
	Err      error
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return "static" }

// Score implements Provider.
func (p *StaticProvider) Score(ctx context.Context, _ types.FeatureSnapshot) (*types.Advisory, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Advisory, nil
}
