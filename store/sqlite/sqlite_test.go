package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyhall/session-engine/engine"
	"github.com/studyhall/session-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	guild = engine.GuildID(1001)
	alice = engine.UserID(1)
	chann = engine.ChannelID(7)
)

var t0 = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func openSession(user engine.UserID) engine.OngoingSession {
	return engine.OngoingSession{
		Guild:      guild,
		User:       user,
		Channel:    chann,
		StartedAt:  t0,
		LastUpdate: t0,
		Flags:      engine.LiveFlags{Video: true},
		Rates:      engine.NewRateConfig(100, 360),
	}
}

// =============================================================================
// SESSION ROUND TRIP
// =============================================================================

func TestSession_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := openSession(alice)
	require.NoError(t, store.InsertSession(ctx, sess))

	got, err := store.GetSession(ctx, guild, alice)
	require.NoError(t, err)
	assert.Equal(t, sess.Channel, got.Channel)
	assert.True(t, got.StartedAt.Equal(t0))
	assert.True(t, got.Flags.Video)
	assert.False(t, got.Flags.Stream)
	assert.True(t, got.Rates.HourlyRate.Equal(sess.Rates.HourlyRate))
	assert.True(t, got.Accrued.IsZero())

	// Update survives with decimal precision intact.
	got.LiveDuration = 90 * time.Second
	got.Accrued = decimal.RequireFromString("9045.27")
	require.NoError(t, store.UpdateSession(ctx, *got))

	again, err := store.GetSession(ctx, guild, alice)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, again.LiveDuration)
	assert.True(t, again.Accrued.Equal(got.Accrued), "decimal stored as text, no drift")
}

func TestSession_DuplicateOpenRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertSession(ctx, openSession(alice)))

	err := store.InsertSession(ctx, openSession(alice))
	assert.ErrorIs(t, err, engine.ErrAlreadyOpen)

	var openErr *engine.AlreadyOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, chann, openErr.Channel)
}

func TestSession_GetAndDeleteMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetSession(ctx, guild, alice)
	assert.ErrorIs(t, err, engine.ErrNoOpenSession)
	assert.ErrorIs(t, store.DeleteSession(ctx, guild, alice), engine.ErrNoOpenSession)
	assert.ErrorIs(t, store.UpdateSession(ctx, openSession(alice)), engine.ErrNoOpenSession)
}

// =============================================================================
// MEMBER BALANCE
// =============================================================================

func TestCreditMember_SaturatesInSQL(t *testing.T) {
	// GIVEN: A member near the int32 ceiling
	// WHEN: Crediting past it
	// THEN: The stored balance clamps at the ceiling

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreditMember(ctx, guild, alice, engine.MaxCoins-10, 0)
	require.NoError(t, err)

	m, err := store.CreditMember(ctx, guild, alice, 100, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, engine.MaxCoins, m.Coins)
	assert.Equal(t, time.Hour, m.TrackedTime)

	m, err = store.CreditMember(ctx, guild, alice, engine.MinCoins, 0)
	require.NoError(t, err)
	m, err = store.CreditMember(ctx, guild, alice, engine.MinCoins, 0)
	require.NoError(t, err)
	assert.Equal(t, engine.MinCoins, m.Coins, "floor clamp")
}

func TestEnsureMember_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.EnsureMember(ctx, guild, alice)
	require.NoError(t, err)

	_, err = store.CreditMember(ctx, guild, alice, 50, 0)
	require.NoError(t, err)

	second, err := store.EnsureMember(ctx, guild, alice)
	require.NoError(t, err)
	assert.Equal(t, engine.Coins(50), second.Coins, "ensure never resets an existing member")
	assert.True(t, second.FirstJoined.Equal(first.FirstJoined))
}

// =============================================================================
// LEDGER
// =============================================================================

func TestAppendTransaction_IdempotencyKeyUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	u := alice

	tx := engine.Transaction{
		ID: "tx-1", Type: engine.TxSession, Guild: guild, Actor: alice,
		To: &u, Amount: 100, IdempotencyKey: "settle:1:1:0:0", CreatedAt: t0,
	}
	require.NoError(t, store.AppendTransaction(ctx, tx))

	tx.ID = "tx-2"
	err := store.AppendTransaction(ctx, tx)
	assert.ErrorIs(t, err, engine.ErrDuplicateIdempotencyKey)
}

func TestAppendTransaction_RefundOnceEnforcedBySchema(t *testing.T) {
	// The unique partial index on refunds backs up the application check.

	store := newTestStore(t)
	ctx := context.Background()
	u := alice
	target := engine.TransactionID("tx-orig")

	orig := engine.Transaction{
		ID: target, Type: engine.TxPurchase, Guild: guild, Actor: alice,
		From: &u, Amount: 40, IdempotencyKey: "k1", CreatedAt: t0,
	}
	require.NoError(t, store.AppendTransaction(ctx, orig))

	r1 := engine.Transaction{
		ID: "tx-r1", Type: engine.TxRefund, Guild: guild, Actor: alice,
		To: &u, Amount: 40, Refunds: &target, IdempotencyKey: "k2", CreatedAt: t0,
	}
	require.NoError(t, store.AppendTransaction(ctx, r1))

	refunded, err := store.IsRefunded(ctx, target)
	require.NoError(t, err)
	assert.True(t, refunded)

	r2 := engine.Transaction{
		ID: "tx-r2", Type: engine.TxRefund, Guild: guild, Actor: alice,
		To: &u, Amount: 40, Refunds: &target, IdempotencyKey: "k3", CreatedAt: t0,
	}
	assert.ErrorIs(t, store.AppendTransaction(ctx, r2), engine.ErrAlreadyRefunded)
}

func TestTransactionsFor_ChronologicalAndScoped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a, b := alice, engine.UserID(2)

	txs := []engine.Transaction{
		{ID: "t1", Type: engine.TxSession, Guild: guild, Actor: a, To: &a, Amount: 100, IdempotencyKey: "k1", CreatedAt: t0},
		{ID: "t2", Type: engine.TxTransfer, Guild: guild, Actor: a, From: &a, To: &b, Amount: 30, IdempotencyKey: "k2", CreatedAt: t0.Add(time.Minute)},
		{ID: "t3", Type: engine.TxSession, Guild: engine.GuildID(9), Actor: a, To: &a, Amount: 7, IdempotencyKey: "k3", CreatedAt: t0},
	}
	for _, tx := range txs {
		require.NoError(t, store.AppendTransaction(ctx, tx))
	}

	got, err := store.TransactionsFor(ctx, guild, a)
	require.NoError(t, err)
	require.Len(t, got, 2, "other guilds excluded")
	assert.Equal(t, engine.TransactionID("t1"), got[0].ID)
	assert.Equal(t, engine.TransactionID("t2"), got[1].ID)

	assert.Equal(t, engine.Coins(70), engine.BalanceOf(got, a))
}

// =============================================================================
// HISTORY
// =============================================================================

func TestTrackedSince_SumsFromBoundary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	yesterday := engine.SessionRecord{
		ID: "s1", Guild: guild, User: alice, Channel: chann,
		StartedAt: t0.Add(-24 * time.Hour), Duration: 2 * time.Hour, Transaction: "t1",
	}
	today := engine.SessionRecord{
		ID: "s2", Guild: guild, User: alice, Channel: chann,
		StartedAt: t0, Duration: 30 * time.Minute, Transaction: "t2",
	}
	require.NoError(t, store.InsertSessionRecord(ctx, yesterday))
	require.NoError(t, store.InsertSessionRecord(ctx, today))

	total, err := store.TrackedSince(ctx, guild, alice, t0.Truncate(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, total)

	all, err := store.TrackedSince(ctx, guild, alice, t0.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour+30*time.Minute, all)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a session and a ledger entry, then fails
	// WHEN: WithTx returns the error
	// THEN: Neither write is visible

	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("abort")

	err := store.WithTx(ctx, func(s engine.Store) error {
		if err := s.InsertSession(ctx, openSession(alice)); err != nil {
			return err
		}
		u := alice
		tx := engine.Transaction{
			ID: "tx-1", Type: engine.TxSession, Guild: guild, Actor: alice,
			To: &u, Amount: 100, IdempotencyKey: "k1", CreatedAt: t0,
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetSession(ctx, guild, alice)
	assert.ErrorIs(t, err, engine.ErrNoOpenSession)

	exists, err := store.TransactionExists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWithTx_SettlementEndToEnd(t *testing.T) {
	// The engine settlement path against real SQL.

	store := newTestStore(t)
	tracker := engine.NewTracker(store)
	settler := engine.NewSettler(store)
	ctx := context.Background()

	_, err := tracker.Start(ctx, guild, alice, chann, t0, engine.LiveFlags{}, engine.NewRateConfig(100, 0))
	require.NoError(t, err)

	totals, member, err := settler.CloseAndSettle(ctx, guild, alice, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, engine.Coins(100), totals.Reward)
	assert.Equal(t, engine.Coins(100), member.Coins)
	assert.Equal(t, time.Hour, member.TrackedTime)

	records, err := store.SessionsFor(ctx, guild, alice)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, time.Hour, records[0].Duration)
}
