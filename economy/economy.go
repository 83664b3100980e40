/*
Package economy provides the coin economy operations beyond session rewards.

PURPOSE:
  Wraps the engine's ledger and member stores with the business rules of
  the guild economy: member-to-member transfers, shop purchases, refunds,
  administrative adjustments, and task rewards. Every operation goes
  through the same path as session settlement: append an immutable
  transaction, apply the saturating balance effect, commit both together.

THE ONE RULE:
  The ledger is the source of truth. An operation's balance effect must
  equal the replay effect of the transaction it appends, exactly. That is
  why every operation routes its balance mutation through apply(), which
  mirrors engine.BalanceOf.

REFUND SEMANTICS:
  A refund reverses a prior TRANSFER, SHOP_PURCHASE, or TASKS transaction
  by appending a REFUND with the from/to accounts swapped and a
  backreference to the original. Each transaction can be refunded at most
  once. Refunding can push the original recipient negative; the balance
  check only guards debits a member initiates.

SEE ALSO:
  - engine/ledger.go: Validation and the refundable type set
  - engine/settle.go: The STUDY_SESSION path
*/
package economy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/studyhall/session-engine/engine"
)

// =============================================================================
// ECONOMY
// =============================================================================

// Economy executes balance-affecting operations against the ledger.
type Economy struct {
	Store engine.TxStore
}

// New creates an economy over the given store.
func New(store engine.TxStore) *Economy {
	return &Economy{Store: store}
}

// apply mutates cached balances to match the transaction's replay effect.
// Must stay in lockstep with engine.BalanceOf.
func apply(ctx context.Context, s engine.Store, tx engine.Transaction) error {
	total := tx.Total()
	if tx.From != nil {
		if _, err := s.CreditMember(ctx, tx.Guild, *tx.From, engine.SaturatingSub(0, total), 0); err != nil {
			return err
		}
	}
	if tx.To != nil {
		if _, err := s.CreditMember(ctx, tx.Guild, *tx.To, total, 0); err != nil {
			return err
		}
	}
	return nil
}

// commit validates, appends, and applies a transaction inside the current
// store view.
func commit(ctx context.Context, s engine.Store, tx engine.Transaction) error {
	if err := engine.ValidateTransaction(tx); err != nil {
		return err
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		return err
	}
	return apply(ctx, s, tx)
}

// requireBalance checks that the member can cover a debit they initiate.
func requireBalance(ctx context.Context, s engine.Store, guild engine.GuildID, user engine.UserID, amount engine.Coins) error {
	member, err := s.EnsureMember(ctx, guild, user)
	if err != nil {
		return err
	}
	if member.Coins < amount {
		return &engine.InsufficientBalanceError{
			Guild:     guild,
			User:      user,
			Available: member.Coins,
			Requested: amount,
		}
	}
	return nil
}

// =============================================================================
// TRANSFER
// =============================================================================

// Transfer moves coins between two members of a guild. Fails with
// ErrInsufficientBalance if the sender cannot cover the amount.
func (e *Economy) Transfer(ctx context.Context, guild engine.GuildID, actor engine.UserID, from, to engine.UserID, amount engine.Coins, now time.Time) (*engine.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	if from == to {
		return nil, fmt.Errorf("cannot transfer to self")
	}

	tx := engine.Transaction{
		ID:             engine.TransactionID(uuid.NewString()),
		Type:           engine.TxTransfer,
		Guild:          guild,
		Actor:          actor,
		From:           &from,
		To:             &to,
		Amount:         amount,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
	}

	err := e.Store.WithTx(ctx, func(s engine.Store) error {
		if _, err := s.EnsureMember(ctx, guild, to); err != nil {
			return err
		}
		if err := requireBalance(ctx, s, guild, from, amount); err != nil {
			return err
		}
		return commit(ctx, s, tx)
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// =============================================================================
// PURCHASE
// =============================================================================

// Purchase debits a member for a shop item. The coins leave the economy;
// a purchase has no receiving account.
func (e *Economy) Purchase(ctx context.Context, guild engine.GuildID, user engine.UserID, cost engine.Coins, now time.Time) (*engine.Transaction, error) {
	if cost <= 0 {
		return nil, fmt.Errorf("purchase cost must be positive, got %d", cost)
	}

	tx := engine.Transaction{
		ID:             engine.TransactionID(uuid.NewString()),
		Type:           engine.TxPurchase,
		Guild:          guild,
		Actor:          user,
		From:           &user,
		Amount:         cost,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
	}

	err := e.Store.WithTx(ctx, func(s engine.Store) error {
		if err := requireBalance(ctx, s, guild, user, cost); err != nil {
			return err
		}
		return commit(ctx, s, tx)
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// =============================================================================
// REFUND
// =============================================================================

// Refund reverses a prior transaction by appending a REFUND with the
// accounts swapped. Fails with ErrIncompatibleRefund for non-refundable
// types and ErrAlreadyRefunded if the target was refunded before. The
// deterministic idempotency key doubles as a guard against racing refunds.
func (e *Economy) Refund(ctx context.Context, guild engine.GuildID, actor engine.UserID, target engine.TransactionID, now time.Time) (*engine.Transaction, error) {
	var refund engine.Transaction

	err := e.Store.WithTx(ctx, func(s engine.Store) error {
		orig, err := s.GetTransaction(ctx, target)
		if err != nil {
			return err
		}
		if orig.Guild != guild {
			return engine.ErrTransactionNotFound
		}
		if !engine.CanRefund(orig.Type) {
			return fmt.Errorf("cannot refund %s transaction %s: %w", orig.Type, orig.ID, engine.ErrIncompatibleRefund)
		}
		refunded, err := s.IsRefunded(ctx, target)
		if err != nil {
			return err
		}
		if refunded {
			return engine.ErrAlreadyRefunded
		}

		refund = engine.Transaction{
			ID:             engine.TransactionID(uuid.NewString()),
			Type:           engine.TxRefund,
			Guild:          guild,
			Actor:          actor,
			From:           orig.To,
			To:             orig.From,
			Amount:         orig.Amount,
			Bonus:          orig.Bonus,
			Refunds:        &orig.ID,
			IdempotencyKey: fmt.Sprintf("refund:%s", orig.ID),
			CreatedAt:      now,
		}
		return commit(ctx, s, refund)
	})
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// =============================================================================
// ADMIN ADJUSTMENT
// =============================================================================

// AdjustKind selects how an admin adjustment interprets its value.
type AdjustKind string

const (
	AdjustSet AdjustKind = "SET" // value is the new balance
	AdjustAdd AdjustKind = "ADD" // value is a signed delta
)

// AdminAdjust changes a member's balance by operator action. The ledger
// entry records the applied delta either way, so a SET is auditable as the
// difference it caused, and replay still reconstructs the balance.
func (e *Economy) AdminAdjust(ctx context.Context, guild engine.GuildID, actor engine.UserID, user engine.UserID, kind AdjustKind, value engine.Coins, now time.Time) (*engine.Member, *engine.Transaction, error) {
	var (
		member *engine.Member
		tx     engine.Transaction
	)

	err := e.Store.WithTx(ctx, func(s engine.Store) error {
		current, err := s.EnsureMember(ctx, guild, user)
		if err != nil {
			return err
		}

		var delta engine.Coins
		switch kind {
		case AdjustSet:
			delta = engine.SaturatingSub(value, current.Coins)
		case AdjustAdd:
			delta = value
		default:
			return fmt.Errorf("unknown adjustment kind %q", kind)
		}

		tx = engine.Transaction{
			ID:             engine.TransactionID(uuid.NewString()),
			Type:           engine.TxAdmin,
			Guild:          guild,
			Actor:          actor,
			IdempotencyKey: uuid.NewString(),
			CreatedAt:      now,
		}
		if delta >= 0 {
			tx.To = &user
			tx.Amount = delta
		} else {
			tx.From = &user
			tx.Amount = engine.SaturatingSub(0, delta)
		}

		if err := commit(ctx, s, tx); err != nil {
			return err
		}
		member, err = s.GetMember(ctx, guild, user)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return member, &tx, nil
}

// =============================================================================
// TASK REWARDS
// =============================================================================

// RewardTasks credits a member for completed tasks. The caller supplies the
// idempotency key (e.g. derived from the task batch) so a redelivered event
// cannot pay twice.
func (e *Economy) RewardTasks(ctx context.Context, guild engine.GuildID, user engine.UserID, amount engine.Coins, idempotencyKey string, now time.Time) (*engine.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("task reward must be positive, got %d", amount)
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("task reward requires an idempotency key")
	}

	tx := engine.Transaction{
		ID:             engine.TransactionID(uuid.NewString()),
		Type:           engine.TxTasks,
		Guild:          guild,
		Actor:          user,
		To:             &user,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}

	err := e.Store.WithTx(ctx, func(s engine.Store) error {
		if _, err := s.EnsureMember(ctx, guild, user); err != nil {
			return err
		}
		return commit(ctx, s, tx)
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
