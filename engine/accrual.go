/*
accrual.go - Reward calculation and saturating arithmetic

PURPOSE:
  Pure functions converting elapsed time and hourly rates into reward
  amounts. No storage dependency; fully unit-testable.

FORMULA:
  reward = floor((base*hourlyRate + live*hourlyBonusRate) * multiplier / 3600)

  where base and live are elapsed seconds. The result saturates at the
  int32 bounds rather than overflowing, and so does every addition into a
  running balance - repeated small increments can overflow even when each
  increment fits.

PRECISION:
  Intermediate values are decimal.Decimal, and sessions accumulate
  coin-seconds (rate times elapsed seconds, times the multiplier) rather
  than coins. Products of decimals are exact; quotients are not, so the
  division by 3600 happens exactly once, at settlement, with an exact
  floored quotient. Dividing per interval would round each quotient and
  make the settled reward depend on tick granularity.

SEE ALSO:
  - tracker.go: Accrues interval rewards into OngoingSession
  - settle.go: Applies the final floor+saturate
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

var secondsPerHour = decimal.NewFromInt(3600)

// =============================================================================
// SATURATING ARITHMETIC
// =============================================================================

// SaturatingAdd adds two coin amounts, clamping at the int32 bounds.
func SaturatingAdd(a, b Coins) Coins {
	sum := int64(a) + int64(b)
	if sum > int64(MaxCoins) {
		return MaxCoins
	}
	if sum < int64(MinCoins) {
		return MinCoins
	}
	return Coins(sum)
}

// SaturatingSub subtracts b from a, clamping at the int32 bounds.
func SaturatingSub(a, b Coins) Coins {
	diff := int64(a) - int64(b)
	if diff > int64(MaxCoins) {
		return MaxCoins
	}
	if diff < int64(MinCoins) {
		return MinCoins
	}
	return Coins(diff)
}

// SettleAccrued converts accumulated coin-seconds into whole coins:
// floor(accrued / 3600), clamped at the int32 bounds. QuoRem keeps the
// quotient exact, so the result is the same however the accrual was
// partitioned into intervals.
func SettleAccrued(accrued decimal.Decimal) Coins {
	q, r := accrued.QuoRem(secondsPerHour, 0)
	if r.IsNegative() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return Saturate(q)
}

// Saturate floors a decimal reward to whole coins, clamping at the int32
// bounds. This is the single point where fractional accruals become coins.
func Saturate(d decimal.Decimal) Coins {
	floored := d.Floor()
	if floored.GreaterThan(decimal.NewFromInt(int64(MaxCoins))) {
		return MaxCoins
	}
	if floored.LessThan(decimal.NewFromInt(int64(MinCoins))) {
		return MinCoins
	}
	return Coins(floored.IntPart())
}

// =============================================================================
// REWARD CALCULATION
// =============================================================================

// Reward computes the settled reward for the given total durations:
//
//	floor((base*hourlyRate + bonus*hourlyBonusRate) * multiplier / 3600)
//
// base is the full session duration, bonus the live (bonus-eligible) part.
func Reward(base, bonus time.Duration, cfg RateConfig) Coins {
	return SettleAccrued(intervalReward(base, bonus, cfg))
}

// intervalReward is the exact coin-second accrual for one elapsed interval.
// Multiplication only; the division by 3600 waits for SettleAccrued.
func intervalReward(base, bonus time.Duration, cfg RateConfig) decimal.Decimal {
	baseSecs := decimal.NewFromFloat(base.Seconds())
	bonusSecs := decimal.NewFromFloat(bonus.Seconds())
	raw := baseSecs.Mul(cfg.HourlyRate).Add(bonusSecs.Mul(cfg.HourlyBonusRate))
	return raw.Mul(cfg.Multiplier)
}

// intervalBonus is the live-bonus component of intervalReward.
func intervalBonus(bonus time.Duration, cfg RateConfig) decimal.Decimal {
	bonusSecs := decimal.NewFromFloat(bonus.Seconds())
	return bonusSecs.Mul(cfg.HourlyBonusRate).Mul(cfg.Multiplier)
}
