/*
rates.go - Rate and multiplier resolution for the sweeper

PURPOSE:
  The engine treats hourly rates and the reward multiplier as opaque
  inputs frozen into each session interval. These interfaces are where
  those inputs come from at sweep time: guild configuration for the
  rates, and whatever bonus scheme the deployment runs for the
  multiplier. The exact bonus-selection rule is deliberately outside
  this module; callers plug in their own provider.

SEE ALSO:
  - sweeper.go: Consumes both providers on every heartbeat
  - engine/types.go: RateConfig
*/
package tracking

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/studyhall/session-engine/engine"
)

// =============================================================================
// PROVIDERS
// =============================================================================

// RateProvider supplies the reward rates in effect for a member, and the
// guild's daily tracked-time cap.
type RateProvider interface {
	// RatesFor returns the hourly rates for the member. Called on every
	// sweep tick, so a change in guild configuration takes effect from the
	// next heartbeat onward.
	RatesFor(ctx context.Context, guild engine.GuildID, user engine.UserID) (engine.RateConfig, error)

	// DailyCap returns the maximum tracked time per UTC day for the guild.
	// Zero means uncapped.
	DailyCap(guild engine.GuildID) time.Duration
}

// MultiplierProvider resolves the reward multiplier for a member. The
// multiplier is an already-decided scalar; how boosts are selected and
// prorated is the provider's business.
type MultiplierProvider interface {
	MultiplierFor(ctx context.Context, guild engine.GuildID, user engine.UserID) (decimal.Decimal, error)
}

// =============================================================================
// STATIC IMPLEMENTATIONS
// =============================================================================

// StaticRates serves one fixed rate configuration and cap for all members.
type StaticRates struct {
	Rates engine.RateConfig
	Cap   time.Duration
}

func (s StaticRates) RatesFor(context.Context, engine.GuildID, engine.UserID) (engine.RateConfig, error) {
	return s.Rates, nil
}

func (s StaticRates) DailyCap(engine.GuildID) time.Duration { return s.Cap }

// StaticMultiplier serves one fixed multiplier for all members.
type StaticMultiplier struct {
	Value decimal.Decimal
}

// NoMultiplier is the neutral multiplier.
func NoMultiplier() StaticMultiplier {
	return StaticMultiplier{Value: decimal.NewFromInt(1)}
}

func (s StaticMultiplier) MultiplierFor(context.Context, engine.GuildID, engine.UserID) (decimal.Decimal, error) {
	return s.Value, nil
}
