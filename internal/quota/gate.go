package quota

import (
	"context"
	"errors"
)

// Gate layers the two quota budgets every outbound call must clear: the
// provider-wide daily cap and the per-caller hourly cap. Both trackers must
// grant; either rejection short-circuits with the later of the two reset
// times so callers back off long enough to clear both.
type Gate struct {
	Provider         *Tracker
	Caller           *Tracker
	ProviderIdentity string
}

// NewGate wires a Gate over an existing pair of trackers.
func NewGate(provider, caller *Tracker, providerIdentity string) *Gate {
	return &Gate{
		Provider:         provider,
		Caller:           caller,
		ProviderIdentity: providerIdentity,
	}
}

// Allow consumes one token from each layer. The breaker state of either
// layer short-circuits with *CircuitOpenError.
func (g *Gate) Allow(ctx context.Context, callerIdentity string) error {
	if err := g.Provider.Consume(ctx, g.ProviderIdentity); err != nil {
		return g.withLaterReset(ctx, err, g.Caller, callerIdentity)
	}
	if err := g.Caller.Consume(ctx, callerIdentity); err != nil {
		return g.withLaterReset(ctx, err, g.Provider, g.ProviderIdentity)
	}
	return nil
}

// RecordFailure reports an upstream failure against the provider layer,
// which owns the circuit breaker.
func (g *Gate) RecordFailure(ctx context.Context) error {
	return g.Provider.RecordFailure(ctx, g.ProviderIdentity)
}

// RecordSuccess clears the provider layer's failure streak.
func (g *Gate) RecordSuccess(ctx context.Context) error {
	return g.Provider.RecordSuccess(ctx, g.ProviderIdentity)
}

// withLaterReset stretches a quota rejection to cover the other layer's
// reset time when that one is further out.
func (g *Gate) withLaterReset(ctx context.Context, err error, other *Tracker, otherIdentity string) error {
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		return err
	}
	otherReset, peekErr := other.PeekResetAt(ctx, otherIdentity)
	if peekErr == nil && otherReset.After(qe.ResetAt) {
		return &QuotaExceededError{Identity: qe.Identity, ResetAt: otherReset}
	}
	return qe
}
