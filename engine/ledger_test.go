package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/studyhall/session-engine/engine"
)

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func userPtr(u engine.UserID) *engine.UserID { return &u }

func txIDPtr(id engine.TransactionID) *engine.TransactionID { return &id }

func TestValidateTransaction_RejectsUnknownType(t *testing.T) {
	err := engine.ValidateTransaction(engine.Transaction{
		ID:   "tx-1",
		Type: "LOOT_DROP",
		To:   userPtr(testUser),
	})
	assert.Error(t, err)
}

func TestValidateTransaction_RequiresAnAccount(t *testing.T) {
	err := engine.ValidateTransaction(engine.Transaction{
		ID:   "tx-1",
		Type: engine.TxAdmin,
	})
	assert.Error(t, err)
}

func TestValidateTransaction_RejectsNegativeAmounts(t *testing.T) {
	err := engine.ValidateTransaction(engine.Transaction{
		ID:     "tx-1",
		Type:   engine.TxTransfer,
		From:   userPtr(testUser),
		To:     userPtr(engine.UserID(43)),
		Amount: -5,
	})
	assert.Error(t, err, "direction is from/to, never a negative amount")
}

func TestValidateTransaction_RefundBackreferenceRules(t *testing.T) {
	// Non-refund with a backreference is malformed.
	err := engine.ValidateTransaction(engine.Transaction{
		ID:      "tx-1",
		Type:    engine.TxTransfer,
		From:    userPtr(testUser),
		To:      userPtr(engine.UserID(43)),
		Refunds: txIDPtr("tx-0"),
	})
	assert.Error(t, err)

	// Refund without a backreference is malformed.
	err = engine.ValidateTransaction(engine.Transaction{
		ID:   "tx-2",
		Type: engine.TxRefund,
		To:   userPtr(testUser),
	})
	assert.Error(t, err)

	// Well-formed refund.
	err = engine.ValidateTransaction(engine.Transaction{
		ID:      "tx-3",
		Type:    engine.TxRefund,
		To:      userPtr(testUser),
		Amount:  10,
		Refunds: txIDPtr("tx-0"),
	})
	assert.NoError(t, err)
}

func TestCanRefund_TypeSet(t *testing.T) {
	assert.True(t, engine.CanRefund(engine.TxTransfer))
	assert.True(t, engine.CanRefund(engine.TxPurchase))
	assert.True(t, engine.CanRefund(engine.TxTasks))

	assert.False(t, engine.CanRefund(engine.TxSession), "session rewards are corrected via ADMIN")
	assert.False(t, engine.CanRefund(engine.TxAdmin))
	assert.False(t, engine.CanRefund(engine.TxRefund), "no refunds of refunds")
}

// =============================================================================
// BALANCE REPLAY TESTS
// =============================================================================

func TestBalanceOf_CreditsAndDebits(t *testing.T) {
	alice := engine.UserID(1)
	bob := engine.UserID(2)

	txs := []engine.Transaction{
		{ID: "t1", Type: engine.TxSession, To: &alice, Amount: 100, Bonus: 20},
		{ID: "t2", Type: engine.TxTransfer, From: &alice, To: &bob, Amount: 30},
		{ID: "t3", Type: engine.TxPurchase, From: &alice, Amount: 10},
	}

	assert.Equal(t, engine.Coins(80), engine.BalanceOf(txs, alice))
	assert.Equal(t, engine.Coins(30), engine.BalanceOf(txs, bob))
	assert.Equal(t, engine.Coins(0), engine.BalanceOf(txs, engine.UserID(99)))
}

func TestBalanceOf_SaturatesLikeLiveUpdates(t *testing.T) {
	// GIVEN: A ledger whose running sum exceeds int32 midway
	// WHEN: Replaying
	// THEN: The replay saturates at the same points the live balance did,
	//       so reconciliation agrees with the cache

	alice := engine.UserID(1)
	txs := []engine.Transaction{
		{ID: "t1", Type: engine.TxSession, To: &alice, Amount: engine.MaxCoins},
		{ID: "t2", Type: engine.TxSession, To: &alice, Amount: engine.MaxCoins},
		{ID: "t3", Type: engine.TxPurchase, From: &alice, Amount: 100},
	}

	assert.Equal(t, engine.MaxCoins-100, engine.BalanceOf(txs, alice))
}

func TestTrackedOf_SumsHistory(t *testing.T) {
	records := []engine.SessionRecord{
		{ID: "s1", Duration: 3600e9},
		{ID: "s2", Duration: 1800e9},
	}
	assert.Equal(t, int64(5400e9), engine.TrackedOf(records))
}
