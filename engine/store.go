/*
store.go - Persistence interfaces for sessions, members, and the ledger

PURPOSE:
  Defines the interface between the accounting engine and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory
  storage; the engine only relies on the transactional contract.

KEY INTERFACES:
  SessionStore: Open-session rows keyed by (guild, user)
  MemberStore:  Member aggregates with saturating balance updates
  LedgerStore:  Append-only transaction persistence
  HistoryStore: Append-only session history
  TxStore:      Atomic multi-table writes (WithTx)

APPEND-ONLY CONTRACT:
  coin_transactions and session_history have no update or delete
  operations. Corrections are made via refund transactions.

SERIALIZATION:
  Operations on the same (guild, user) key must not interleave their
  read-modify-write of the open session. Implementations provide this
  either through database row locks (PostgreSQL SELECT ... FOR UPDATE,
  preferred - it also covers multiple processes) or a coarse in-process
  lock around WithTx (SQLite, memory).

IMPLEMENTATIONS:
  - store/sqlite:        Embedded SQLite
  - store/postgres:      Production PostgreSQL with row locking
  - engine/store:        In-memory for testing

SEE ALSO:
  - tracker.go, settle.go: Engine operations built on these interfaces
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore persists open sessions, at most one per (guild, user).
type SessionStore interface {
	// InsertSession creates an open session. Returns an error wrapping
	// ErrAlreadyOpen if the member already has one.
	InsertSession(ctx context.Context, s OngoingSession) error

	// GetSession returns the open session for the member, or an error
	// wrapping ErrNoOpenSession. Inside WithTx, implementations backed by
	// a shared database must lock the returned row for update.
	GetSession(ctx context.Context, guild GuildID, user UserID) (*OngoingSession, error)

	// UpdateSession overwrites the member's open session.
	UpdateSession(ctx context.Context, s OngoingSession) error

	// DeleteSession removes the member's open session. Returns an error
	// wrapping ErrNoOpenSession if none exists.
	DeleteSession(ctx context.Context, guild GuildID, user UserID) error

	// ListSessions returns all open sessions, for the heartbeat sweep.
	ListSessions(ctx context.Context) ([]OngoingSession, error)
}

// =============================================================================
// MEMBER STORE
// =============================================================================

// MemberStore persists member aggregates.
type MemberStore interface {
	// EnsureMember fetches the member, creating it on first interaction.
	EnsureMember(ctx context.Context, guild GuildID, user UserID) (*Member, error)

	// GetMember returns the member, or an error wrapping ErrMemberNotFound.
	GetMember(ctx context.Context, guild GuildID, user UserID) (*Member, error)

	// ListMembers returns all members of a guild.
	ListMembers(ctx context.Context, guild GuildID) ([]Member, error)

	// CreditMember applies a saturating balance delta and a tracked-time
	// delta, returning the updated member. The saturation is part of the
	// update, not a separate read-modify-write.
	CreditMember(ctx context.Context, guild GuildID, user UserID, delta Coins, tracked time.Duration) (*Member, error)

	// SetMemberBalance overwrites the materialized balance. Used only by
	// reconciliation and admin SET adjustments.
	SetMemberBalance(ctx context.Context, guild GuildID, user UserID, balance Coins) error
}

// =============================================================================
// LEDGER STORE
// =============================================================================

// LedgerStore persists the append-only transaction ledger.
// No Update, no Delete. Ever.
type LedgerStore interface {
	// AppendTransaction persists a transaction. Returns an error wrapping
	// ErrDuplicateIdempotencyKey if the key already exists.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns a transaction by ID, or an error wrapping
	// ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// TransactionsFor returns all transactions touching the member (as
	// actor, from, or to), chronologically.
	TransactionsFor(ctx context.Context, guild GuildID, user UserID) ([]Transaction, error)

	// TransactionExists checks whether an idempotency key is present.
	TransactionExists(ctx context.Context, idempotencyKey string) (bool, error)

	// IsRefunded checks whether a refund already references the given
	// transaction.
	IsRefunded(ctx context.Context, id TransactionID) (bool, error)
}

// =============================================================================
// HISTORY STORE
// =============================================================================

// HistoryStore persists closed sessions. Append-only.
type HistoryStore interface {
	// InsertSessionRecord appends a historical session.
	InsertSessionRecord(ctx context.Context, rec SessionRecord) error

	// SessionsFor returns the member's session history, most recent first.
	SessionsFor(ctx context.Context, guild GuildID, user UserID) ([]SessionRecord, error)

	// TrackedSince returns the total recorded duration of sessions that
	// started at or after the given time. Used for the daily voice cap.
	TrackedSince(ctx context.Context, guild GuildID, user UserID, since time.Time) (time.Duration, error)
}

// =============================================================================
// COMBINED STORE
// =============================================================================

// Store is the full persistence surface the engine operates on.
type Store interface {
	SessionStore
	MemberStore
	LedgerStore
	HistoryStore
}

// TxStore wraps Store with transaction support.
//
// WithTx executes fn atomically: if fn returns an error the transaction is
// rolled back and no writes are visible; otherwise all writes commit
// together. Close+Settle runs inside a single WithTx so a crash between
// the two cannot lose a session.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}
