/*
Package engine provides the core session accounting engine.

PURPOSE:
  This package contains the types and algorithms for continuous session
  accounting: an open-ended "member is currently studying" session accrues
  tracked time and currency rewards, supports live sub-states (video on,
  screen share), and is atomically closed into an immutable history record
  while crediting a transactional coin ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Coins: A 32-bit currency amount with saturating arithmetic
  - Member: The per-(guild, user) aggregate (tracked time + balance)
  - OngoingSession: The single open session for a member
  - SessionRecord: An immutable historical session
  - Transaction: An immutable ledger entry recording balance changes
  - RateConfig: Hourly reward rates frozen into a session

DESIGN PRINCIPLES:
  1. Immutability: Transactions and session records are never modified
  2. Precision: Accrued rewards use decimal.Decimal until settlement;
     floating point never touches the ledger
  3. Saturation: Balances clamp at the int32 range instead of wrapping
  4. Reconstructability: Member.Coins is a materialized cache of the
     ledger sum and can always be recomputed from transactions

USAGE:
  tracker := &engine.Tracker{Store: store}
  sess, err := tracker.Start(ctx, guild, user, channel, now, flags, rates)

SEE ALSO:
  - tracker.go: Start/Tick/Close operations
  - accrual.go: Reward calculation and saturating arithmetic
  - settle.go: Atomic close-and-credit
  - ledger.go: Transaction validation and balance replay
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type GuildID int64
type UserID int64
type ChannelID int64
type SessionID string
type TransactionID string

// MemberKey identifies a member within one guild.
// All per-member operations are serialized on this key.
type MemberKey struct {
	Guild GuildID
	User  UserID
}

// =============================================================================
// COINS - 32-bit currency with saturating semantics
// =============================================================================

// Coins is a currency amount. Balances are bounded to the signed 32-bit
// range; all additions into a balance must go through SaturatingAdd.
type Coins int32

const (
	MaxCoins Coins = 1<<31 - 1
	MinCoins Coins = -1 << 31
)

// =============================================================================
// MEMBER - per-(guild, user) aggregate
// =============================================================================

// Member holds the running totals for one user in one guild.
//
// Coins is a materialized cache of the transaction ledger sum. It is only
// mutated through settlement, economy operations, or explicit admin
// adjustment, and can be recomputed from the ledger (see reconcile.go).
type Member struct {
	Guild       GuildID
	User        UserID
	TrackedTime time.Duration
	Coins       Coins
	DisplayName string
	FirstJoined time.Time
}

// =============================================================================
// LIVE FLAGS - sub-state qualifiers active during part of a session
// =============================================================================

// LiveFlags are the boolean sub-states of an open session. A sub-state's
// duration only advances while its flag is true.
type LiveFlags struct {
	Video  bool
	Stream bool
}

// Live reports whether the member is in any bonus-eligible live state.
func (f LiveFlags) Live() bool { return f.Video || f.Stream }

// =============================================================================
// RATE CONFIG - hourly reward rates, supplied by the caller
// =============================================================================

// RateConfig carries the reward rates for a session interval.
//
// HourlyRate applies to all elapsed time, HourlyBonusRate additionally to
// live time. Multiplier is an already-resolved scalar (e.g. a vote boost);
// this package never looks bonuses up itself.
type RateConfig struct {
	HourlyRate      decimal.Decimal
	HourlyBonusRate decimal.Decimal
	Multiplier      decimal.Decimal
}

// NewRateConfig builds a RateConfig from float rates with multiplier 1.
func NewRateConfig(hourlyRate, hourlyBonusRate float64) RateConfig {
	return RateConfig{
		HourlyRate:      decimal.NewFromFloat(hourlyRate),
		HourlyBonusRate: decimal.NewFromFloat(hourlyBonusRate),
		Multiplier:      decimal.NewFromInt(1),
	}
}

// WithMultiplier returns a copy of the config with the given multiplier.
func (rc RateConfig) WithMultiplier(m decimal.Decimal) RateConfig {
	rc.Multiplier = m
	return rc
}

// =============================================================================
// ONGOING SESSION - at most one per (guild, user)
// =============================================================================

// OngoingSession is the single open session for a member.
//
// INVARIANTS:
//   - Sub-state durations only advance while the corresponding flag was
//     true during the preceding interval, measured from LastUpdate.
//   - Accrued rewards are kept exact (decimal) until settlement, so the
//     final reward is independent of tick granularity.
//   - The row is deleted exactly when the session is closed into history.
type OngoingSession struct {
	Guild   GuildID
	User    UserID
	Channel ChannelID

	StartedAt  time.Time
	LastUpdate time.Time

	LiveDuration   time.Duration
	VideoDuration  time.Duration
	StreamDuration time.Duration

	// Accrued is the exact coin-second accrual (rate * seconds *
	// multiplier) up to LastUpdate; AccruedBonus is the portion of it
	// contributed by the live bonus rate. Divided by 3600 once, at
	// settlement (SettleAccrued).
	Accrued      decimal.Decimal
	AccruedBonus decimal.Decimal

	Flags LiveFlags
	Rates RateConfig
}

// Key returns the serialization key for this session.
func (s *OngoingSession) Key() MemberKey {
	return MemberKey{Guild: s.Guild, User: s.User}
}

// =============================================================================
// SESSION TOTALS - final computed state handed from Close to Settle
// =============================================================================

// SessionTotals is the finalized output of closing a session. It is computed
// without mutating stored state, so a failed settlement can retry from the
// same totals without recomputation.
type SessionTotals struct {
	Guild   GuildID
	User    UserID
	Channel ChannelID

	StartedAt time.Time
	ClosedAt  time.Time

	Duration       time.Duration
	LiveDuration   time.Duration
	VideoDuration  time.Duration
	StreamDuration time.Duration

	// Reward is the total settled reward (base + bonus), already floored
	// and saturated; Bonus is the live-bonus component of it.
	Reward Coins
	Bonus  Coins
}

// =============================================================================
// SESSION RECORD - immutable history
// =============================================================================

// SessionRecord is an append-only historical session. Created exactly once,
// at close time, from the final computed totals. Never mutated.
type SessionRecord struct {
	ID      SessionID
	Guild   GuildID
	User    UserID
	Channel ChannelID

	StartedAt      time.Time
	Duration       time.Duration
	LiveDuration   time.Duration
	VideoDuration  time.Duration
	StreamDuration time.Duration

	// Transaction links to the ledger entry that paid for this session.
	Transaction TransactionID
}

// =============================================================================
// TRANSACTION - append-only ledger entry
// =============================================================================

// TransactionType is the closed enumeration of balance-affecting events.
type TransactionType string

const (
	TxRefund   TransactionType = "REFUND"
	TxTransfer TransactionType = "TRANSFER"
	TxPurchase TransactionType = "SHOP_PURCHASE"
	TxSession  TransactionType = "STUDY_SESSION"
	TxAdmin    TransactionType = "ADMIN"
	TxTasks    TransactionType = "TASKS"
)

// Transaction is an immutable audit record of one balance-affecting event.
//
// The sum of all transactions touching a member (as From or To) equals that
// member's balance; Member.Coins is a cache of this sum, not a separate
// source of truth.
type Transaction struct {
	ID    TransactionID
	Type  TransactionType
	Guild GuildID

	// Actor performed the event; From/To are the debited and credited
	// accounts. Either may be nil (e.g. a purchase has no To account).
	Actor UserID
	From  *UserID
	To    *UserID

	Amount Coins
	Bonus  Coins

	// Refunds backreferences the transaction a REFUND undoes. It must
	// reference a refundable type (see ledger.go).
	Refunds *TransactionID

	IdempotencyKey string
	CreatedAt      time.Time
}

// Total is the full balance effect of the transaction.
func (t Transaction) Total() Coins {
	return SaturatingAdd(t.Amount, t.Bonus)
}
