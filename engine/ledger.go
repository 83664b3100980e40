/*
ledger.go - Transaction validation and balance replay

PURPOSE:
  The coin ledger is the immutable source of truth for all balance
  changes. Every session reward, transfer, purchase, refund, and admin
  adjustment is recorded here. Member.Coins is a materialized cache of
  the ledger sum - it can always be rebuilt by replay (see reconcile.go).

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, transactions cannot be modified
  3. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)
  4. COMPATIBLE REFUNDS: A REFUND's backreference must point at a
     transaction of a refundable type, and each transaction can be
     refunded at most once

CORRECTIONS:
  Mistakes are never edited. A refund transaction with the opposite
  balance effect is appended; both remain in the ledger and the history
  stays auditable.

SEE ALSO:
  - store.go: LedgerStore persistence interface
  - economy/: Transfer/purchase/refund operations built on this
  - reconcile.go: Rebuilding the balance cache from the ledger
*/
package engine

import (
	"fmt"
)

// =============================================================================
// TRANSACTION VALIDATION
// =============================================================================

var validTypes = map[TransactionType]bool{
	TxRefund:   true,
	TxTransfer: true,
	TxPurchase: true,
	TxSession:  true,
	TxAdmin:    true,
	TxTasks:    true,
}

// refundable lists the transaction types a REFUND may backreference.
// Session rewards and admin adjustments are corrected with a fresh ADMIN
// transaction instead, so the audit trail names the responsible actor.
var refundable = map[TransactionType]bool{
	TxTransfer: true,
	TxPurchase: true,
	TxTasks:    true,
}

// CanRefund reports whether a transaction of the given type may be the
// target of a refund.
func CanRefund(t TransactionType) bool { return refundable[t] }

// ValidateTransaction checks structural invariants before a transaction is
// appended. Storage constraints back these up, but failing early keeps the
// errors meaningful.
func ValidateTransaction(tx Transaction) error {
	if !validTypes[tx.Type] {
		return fmt.Errorf("unknown transaction type %q", tx.Type)
	}
	if tx.From == nil && tx.To == nil {
		return fmt.Errorf("transaction %s has neither a from nor a to account", tx.ID)
	}
	if tx.Amount < 0 || tx.Bonus < 0 {
		return fmt.Errorf("transaction %s has a negative amount; direction is expressed by from/to", tx.ID)
	}
	if tx.Refunds != nil && tx.Type != TxRefund {
		return fmt.Errorf("transaction %s of type %s carries a refund backreference", tx.ID, tx.Type)
	}
	if tx.Type == TxRefund && tx.Refunds == nil {
		return fmt.Errorf("refund transaction %s has no backreference", tx.ID)
	}
	return nil
}

// =============================================================================
// BALANCE REPLAY
// =============================================================================

// BalanceOf reconstructs a member's balance by replaying transactions in
// order, with the same saturating semantics the live balance update uses.
// This is the reconciliation ground truth for Member.Coins.
func BalanceOf(txs []Transaction, user UserID) Coins {
	var balance Coins
	for _, tx := range txs {
		total := tx.Total()
		if tx.To != nil && *tx.To == user {
			balance = SaturatingAdd(balance, total)
		}
		if tx.From != nil && *tx.From == user {
			balance = SaturatingSub(balance, total)
		}
	}
	return balance
}

// TrackedOf sums the recorded duration of a member's session history, the
// replay counterpart of Member.TrackedTime.
func TrackedOf(records []SessionRecord) (total int64) {
	for _, rec := range records {
		total += int64(rec.Duration)
	}
	return total
}
