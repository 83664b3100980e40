package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyhall/session-engine/engine"
	"github.com/studyhall/session-engine/engine/store"
)

// =============================================================================
// RECONCILIATION TESTS
// =============================================================================

func seedSettledSession(t *testing.T, mem *store.TxMemory, user engine.UserID, hours int) {
	t.Helper()
	ctx := context.Background()
	tracker := engine.NewTracker(mem)
	settler := engine.NewSettler(mem)

	_, err := tracker.Start(ctx, testGuild, user, testChannel, t0, engine.LiveFlags{}, engine.NewRateConfig(100, 0))
	require.NoError(t, err)
	totals, err := tracker.Close(ctx, testGuild, user, t0.Add(time.Duration(hours)*time.Hour))
	require.NoError(t, err)
	_, err = settler.Settle(ctx, *totals)
	require.NoError(t, err)
}

func TestReconcile_CleanWhenCacheMatchesLedger(t *testing.T) {
	mem := store.NewTxMemory()
	seedSettledSession(t, mem, engine.UserID(1), 1)
	seedSettledSession(t, mem, engine.UserID(2), 2)

	rec := engine.NewReconciler(mem)
	report, err := rec.Reconcile(context.Background(), testGuild, false)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Members)
	assert.True(t, report.Clean())
}

func TestReconcile_DetectsDrift(t *testing.T) {
	// GIVEN: A cached balance corrupted away from the ledger sum
	// WHEN: Reconciling without repair
	// THEN: The drift is reported and the cache is left alone

	mem := store.NewTxMemory()
	seedSettledSession(t, mem, testUser, 1)
	ctx := context.Background()

	require.NoError(t, mem.SetMemberBalance(ctx, testGuild, testUser, 9999))

	rec := engine.NewReconciler(mem)
	report, err := rec.Reconcile(ctx, testGuild, false)
	require.NoError(t, err)

	require.Len(t, report.Drifted, 1)
	assert.Equal(t, engine.Coins(9999), report.Drifted[0].Cached)
	assert.Equal(t, engine.Coins(100), report.Drifted[0].Replayed)
	assert.False(t, report.Repaired)

	member, err := mem.GetMember(ctx, testGuild, testUser)
	require.NoError(t, err)
	assert.Equal(t, engine.Coins(9999), member.Coins, "dry run must not write")
}

func TestReconcile_RepairRestoresLedgerTruth(t *testing.T) {
	mem := store.NewTxMemory()
	seedSettledSession(t, mem, testUser, 1)
	ctx := context.Background()

	require.NoError(t, mem.SetMemberBalance(ctx, testGuild, testUser, -5))

	rec := engine.NewReconciler(mem)
	report, err := rec.Reconcile(ctx, testGuild, true)
	require.NoError(t, err)
	require.Len(t, report.Drifted, 1)
	assert.True(t, report.Repaired)

	member, err := mem.GetMember(ctx, testGuild, testUser)
	require.NoError(t, err)
	assert.Equal(t, engine.Coins(100), member.Coins, "the ledger wins")
}

func TestReconcile_IgnoresOtherGuilds(t *testing.T) {
	mem := store.NewTxMemory()
	seedSettledSession(t, mem, testUser, 1)

	rec := engine.NewReconciler(mem)
	report, err := rec.Reconcile(context.Background(), engine.GuildID(555), false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Members)
	assert.True(t, report.Clean())
}
