/*
settle.go - Atomic close-and-credit

PURPOSE:
  Settlement is the one place a session's accrued value becomes durable.
  In a single storage transaction it deletes the open session, appends a
  STUDY_SESSION ledger entry, inserts the immutable history record, and
  credits the member's balance and tracked time. All four writes commit
  together or not at all.

CRASH SAFETY:
  Close (tracker.go) is a pure read, so a crash between Close and Settle
  leaves the open session intact and nothing is lost. A crash after
  commit is covered by idempotency: the key derived from the session's
  identity means a retried settlement finds the existing ledger entry
  and returns without writing anything.

RETRY CONTRACT:
  Any error from Settle wraps ErrSettlementFailed and is safe to retry
  with the SAME totals. Settling twice never credits twice.

SEE ALSO:
  - tracker.go: Produces the SessionTotals input
  - ledger.go: Transaction validation
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDEMPOTENCY
// =============================================================================

// settlementKey derives the deterministic idempotency key for a settlement.
// Two calls with the same totals produce the same key, so a retried
// settlement is recognized as already applied.
func settlementKey(t SessionTotals) string {
	return fmt.Sprintf("settle:%d:%d:%d:%d",
		t.Guild, t.User, t.StartedAt.UnixNano(), t.ClosedAt.UnixNano())
}

// =============================================================================
// SETTLER
// =============================================================================

// Settler turns closed session totals into durable ledger state.
type Settler struct {
	Store TxStore
}

// NewSettler creates a settler over the given store.
func NewSettler(store TxStore) *Settler {
	return &Settler{Store: store}
}

// Settle atomically commits a closed session: delete the open session row,
// append the reward transaction, insert the history record, and credit the
// member. Exactly-once: retrying with the same totals is a no-op that
// returns the member's current state.
func (st *Settler) Settle(ctx context.Context, totals SessionTotals) (*Member, error) {
	key := settlementKey(totals)

	tx := Transaction{
		ID:             TransactionID(uuid.NewString()),
		Type:           TxSession,
		Guild:          totals.Guild,
		Actor:          totals.User,
		To:             &totals.User,
		Amount:         SaturatingSub(totals.Reward, totals.Bonus),
		Bonus:          totals.Bonus,
		IdempotencyKey: key,
		CreatedAt:      totals.ClosedAt,
	}

	rec := SessionRecord{
		ID:             SessionID(uuid.NewString()),
		Guild:          totals.Guild,
		User:           totals.User,
		Channel:        totals.Channel,
		StartedAt:      totals.StartedAt,
		Duration:       totals.Duration,
		LiveDuration:   totals.LiveDuration,
		VideoDuration:  totals.VideoDuration,
		StreamDuration: totals.StreamDuration,
		Transaction:    tx.ID,
	}

	if err := ValidateTransaction(tx); err != nil {
		return nil, &SettlementError{Guild: totals.Guild, User: totals.User, Err: err}
	}

	var member *Member
	err := st.Store.WithTx(ctx, func(s Store) error {
		applied, err := s.TransactionExists(ctx, key)
		if err != nil {
			return err
		}
		if applied {
			// Retry after a successful commit. Everything below already
			// happened; just return the current member state.
			member, err = s.GetMember(ctx, totals.Guild, totals.User)
			return err
		}

		// The session row may already be gone when a retry raced a partial
		// failure; tolerate that, the idempotency key is the real guard.
		if err := s.DeleteSession(ctx, totals.Guild, totals.User); err != nil && !IsNotFound(err) {
			return err
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		if err := s.InsertSessionRecord(ctx, rec); err != nil {
			return err
		}
		member, err = s.CreditMember(ctx, totals.Guild, totals.User, totals.Reward, totals.Duration)
		return err
	})
	if err != nil {
		return nil, &SettlementError{Guild: totals.Guild, User: totals.User, Err: err}
	}
	return member, nil
}

// CloseAndSettle closes the member's open session as of now and settles it
// in one call. The close itself runs inside the settlement transaction, so
// even the read of the final session state cannot race a concurrent tick.
func (st *Settler) CloseAndSettle(ctx context.Context, guild GuildID, user UserID, now time.Time) (*SessionTotals, *Member, error) {
	var (
		totals SessionTotals
		member *Member
	)
	err := st.Store.WithTx(ctx, func(s Store) error {
		sess, err := s.GetSession(ctx, guild, user)
		if err != nil {
			return err
		}
		totals = finalize(*sess, now)

		key := settlementKey(totals)
		tx := Transaction{
			ID:             TransactionID(uuid.NewString()),
			Type:           TxSession,
			Guild:          guild,
			Actor:          user,
			To:             &user,
			Amount:         SaturatingSub(totals.Reward, totals.Bonus),
			Bonus:          totals.Bonus,
			IdempotencyKey: key,
			CreatedAt:      now,
		}
		rec := SessionRecord{
			ID:             SessionID(uuid.NewString()),
			Guild:          guild,
			User:           user,
			Channel:        totals.Channel,
			StartedAt:      totals.StartedAt,
			Duration:       totals.Duration,
			LiveDuration:   totals.LiveDuration,
			VideoDuration:  totals.VideoDuration,
			StreamDuration: totals.StreamDuration,
			Transaction:    tx.ID,
		}

		if err := s.DeleteSession(ctx, guild, user); err != nil {
			return err
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		if err := s.InsertSessionRecord(ctx, rec); err != nil {
			return err
		}
		member, err = s.CreditMember(ctx, guild, user, totals.Reward, totals.Duration)
		return err
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, err
		}
		return nil, nil, &SettlementError{Guild: guild, User: user, Err: err}
	}
	return &totals, member, nil
}
