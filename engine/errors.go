/*
errors.go - Centralized error types for the session engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages (economy, tracking) wrap these with additional context.

ERROR CATEGORIES:
  1. Tracker errors - Session lifecycle violations
  2. Settlement errors - Durable-commit failures (retryable)
  3. Ledger errors - Transaction validation and persistence failures

USAGE:
  if errors.Is(err, engine.ErrAlreadyOpen) {
      // caller policy: idempotent-ignore, or force-close-then-start
  }

SEE ALSO:
  - tracker.go, settle.go, ledger.go: Producers of these errors
*/
package engine

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAlreadyOpen is returned by Start when the member already has an
	// open session. Whether to ignore or force-close first is caller policy.
	ErrAlreadyOpen = errors.New("session already open")

	// ErrNoOpenSession is returned by Tick/Close when no session is open.
	// Usually indicates a missed start event upstream.
	ErrNoOpenSession = errors.New("no open session")

	// ErrSettlementFailed is returned when the atomic close-and-credit
	// could not commit. The closed totals are still valid; retry Settle.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrMemberNotFound is returned when a referenced member doesn't exist.
	ErrMemberNotFound = errors.New("member not found")

	// ErrTransactionNotFound is returned when a referenced ledger
	// transaction doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the
	// same idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrIncompatibleRefund is returned when a refund references a
	// transaction of a non-refundable type.
	ErrIncompatibleRefund = errors.New("refund references incompatible transaction type")

	// ErrAlreadyRefunded is returned when the referenced transaction has
	// already been refunded.
	ErrAlreadyRefunded = errors.New("transaction already refunded")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SettlementError wraps the storage failure that aborted a settlement.
type SettlementError struct {
	Guild GuildID
	User  UserID
	Err   error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement failed for member %d in guild %d: %v", e.User, e.Guild, e.Err)
}

func (e *SettlementError) Unwrap() error { return ErrSettlementFailed }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Guild     GuildID
	User      UserID
	Available Coins
	Requested Coins
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for member %d in guild %d: available %d, requested %d",
		e.User, e.Guild, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// AlreadyOpenError reports the conflicting open session.
type AlreadyOpenError struct {
	Guild     GuildID
	User      UserID
	Channel   ChannelID
	StartedAt time.Time
}

func (e *AlreadyOpenError) Error() string {
	return fmt.Sprintf("member %d in guild %d already has an open session in channel %d since %s",
		e.User, e.Guild, e.Channel, e.StartedAt.Format(time.RFC3339))
}

func (e *AlreadyOpenError) Unwrap() error { return ErrAlreadyOpen }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSettlementFailed)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAlreadyOpen) ||
		errors.Is(err, ErrNoOpenSession) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrIncompatibleRefund) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrNoOpenSession)
}
