package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyhall/session-engine/engine"
	"github.com/studyhall/session-engine/engine/store"
	"pgregory.net/rapid"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	testGuild   = engine.GuildID(1001)
	testUser    = engine.UserID(42)
	testChannel = engine.ChannelID(7)
)

var t0 = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker() (*engine.Tracker, *store.TxMemory) {
	mem := store.NewTxMemory()
	return engine.NewTracker(mem), mem
}

func at(secs int) time.Time {
	return t0.Add(time.Duration(secs) * time.Second)
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestTracker_Start_CreatesMemberAndSession(t *testing.T) {
	tracker, mem := newTestTracker()
	ctx := context.Background()

	sess, err := tracker.Start(ctx, testGuild, testUser, testChannel, t0, engine.LiveFlags{}, engine.NewRateConfig(100, 0))
	require.NoError(t, err)
	assert.Equal(t, t0, sess.StartedAt)
	assert.Equal(t, t0, sess.LastUpdate)
	assert.True(t, sess.Accrued.IsZero())

	member, err := mem.GetMember(ctx, testGuild, testUser)
	require.NoError(t, err)
	assert.Equal(t, engine.Coins(0), member.Coins)
	assert.Equal(t, time.Duration(0), member.TrackedTime)
}

func TestTracker_Start_SecondOpenRejected(t *testing.T) {
	// GIVEN: An open session
	// WHEN: Starting again for the same member
	// THEN: ErrAlreadyOpen, and the original session is untouched

	tracker, mem := newTestTracker()
	ctx := context.Background()
	rates := engine.NewRateConfig(100, 0)

	_, err := tracker.Start(ctx, testGuild, testUser, testChannel, t0, engine.LiveFlags{}, rates)
	require.NoError(t, err)

	_, err = tracker.Start(ctx, testGuild, testUser, engine.ChannelID(8), at(60), engine.LiveFlags{}, rates)
	assert.ErrorIs(t, err, engine.ErrAlreadyOpen)

	var openErr *engine.AlreadyOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, testChannel, openErr.Channel)
	assert.Equal(t, t0, openErr.StartedAt)

	sess, err := mem.GetSession(ctx, testGuild, testUser)
	require.NoError(t, err)
	assert.Equal(t, testChannel, sess.Channel)
}

func TestTracker_Start_SameUserDifferentGuilds(t *testing.T) {
	tracker, _ := newTestTracker()
	ctx := context.Background()
	rates := engine.NewRateConfig(100, 0)

	_, err := tracker.Start(ctx, testGuild, testUser, testChannel, t0, engine.LiveFlags{}, rates)
	require.NoError(t, err)
	_, err = tracker.Start(ctx, engine.GuildID(2002), testUser, testChannel, t0, engine.LiveFlags{}, rates)
	assert.NoError(t, err, "sessions in different guilds are independent")
}

func TestTracker_Tick_NoOpenSession(t *testing.T) {
	tracker, _ := newTestTracker()
	_, err := tracker.Tick(context.Background(), testGuild, testUser, t0, engine.LiveFlags{}, engine.NewRateConfig(100, 0))
	assert.ErrorIs(t, err, engine.ErrNoOpenSession)
}

func TestTracker_Close_NoOpenSession(t *testing.T) {
	tracker, _ := newTestTracker()
	_, err := tracker.Close(context.Background(), testGuild, testUser, t0)
	assert.ErrorIs(t, err, engine.ErrNoOpenSession)
}

func TestTracker_Close_DoesNotRemoveSession(t *testing.T) {
	// GIVEN: An open session
	// WHEN: Close computes the totals
	// THEN: The open session row survives; only Settle removes it

	tracker, mem := newTestTracker()
	ctx := context.Background()

	_, err := tracker.Start(ctx, testGuild, testUser, testChannel, t0, engine.LiveFlags{}, engine.NewRateConfig(100, 0))
	require.NoError(t, err)

	totals, err := tracker.Close(ctx, testGuild, testUser, at(3600))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, totals.Duration)
	assert.Equal(t, engine.Coins(100), totals.Reward)

	_, err = mem.GetSession(ctx, testGuild, testUser)
	assert.NoError(t, err, "close is a pure read")
}

// =============================================================================
// FLAG AND DURATION SEMANTICS
// =============================================================================

func TestTracker_FlagsApplyToPrecedingInterval(t *testing.T) {
	// GIVEN: hourlyRate=0, hourlyBonusRate=360, session started without flags
	// WHEN: Video turns on at T=600 and off at T=1200, close at T=1800
	// THEN: Live duration is exactly 600s and the reward is 60

	tracker, _ := newTestTracker()
	ctx := context.Background()
	rates := engine.NewRateConfig(0, 360)

	_, err := tracker.Start(ctx, testGuild, testUser, testChannel, t0, engine.LiveFlags{}, rates)
	require.NoError(t, err)

	_, err = tracker.Tick(ctx, testGuild, testUser, at(600), engine.LiveFlags{Video: true}, rates)
	require.NoError(t, err)
	_, err = tracker.Tick(ctx, testGuild, testUser, at(1200), engine.LiveFlags{}, rates)
	require.NoError(t, err)

	totals, err := tracker.Close(ctx, testGuild, testUser, at(1800))
	require.NoError(t, err)

	assert.Equal(t, 1800*time.Second, totals.Duration)
	assert.Equal(t, 600*time.Second, totals.LiveDuration)
	assert.Equal(t, 600*time.Second, totals.VideoDuration)
	assert.Equal(t, time.Duration(0), totals.StreamDuration)
	assert.Equal(t, engine.Coins(60), totals.Reward)
	assert.Equal(t, engine.Coins(60), totals.Bonus)
}

func TestTracker_StreamAndVideoTrackIndependently(t *testing.T) {
	tracker, _ := newTestTracker()
	ctx := context.Background()
	rates := engine.NewRateConfig(0, 0)

	_, err := tracker.Start(ctx, testGuild, testUser, testChannel, t0, engine.LiveFlags{Stream: true}, rates)
	require.NoError(t, err)
	_, err = tracker.Tick(ctx, testGuild, testUser, at(100), engine.LiveFlags{Stream: true, Video: true}, rates)
	require.NoError(t, err)

	totals, err := tracker.Close(ctx, testGuild, testUser, at(300))
	require.NoError(t, err)

	assert.Equal(t, 300*time.Second, totals.StreamDuration)
	assert.Equal(t, 200*time.Second, totals.VideoDuration)
	assert.Equal(t, 300*time.Second, totals.LiveDuration, "live covers any flag being set")
}

func TestTracker_ClockSkew_ZeroElapsed(t *testing.T) {
	// GIVEN: A tick with a timestamp before the last update
	// WHEN: The session advances
	// THEN: Nothing accrues and nothing goes negative

	tracker, _ := newTestTracker()
	ctx := context.Background()
	rates := engine.NewRateConfig(100, 0)

	_, err := tracker.Start(ctx, testGuild, testUser, testChannel, t0, engine.LiveFlags{}, rates)
	require.NoError(t, err)

	sess, err := tracker.Tick(ctx, testGuild, testUser, at(-300), engine.LiveFlags{}, rates)
	require.NoError(t, err)
	assert.True(t, sess.Accrued.IsZero())

	totals, err := tracker.Close(ctx, testGuild, testUser, at(-600))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), totals.Duration)
	assert.Equal(t, engine.Coins(0), totals.Reward)
}

func TestTracker_ZeroDurationClose(t *testing.T) {
	tracker, _ := newTestTracker()
	ctx := context.Background()

	_, err := tracker.Start(ctx, testGuild, testUser, testChannel, t0, engine.LiveFlags{}, engine.NewRateConfig(100, 0))
	require.NoError(t, err)

	totals, err := tracker.Close(ctx, testGuild, testUser, t0)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), totals.Duration)
	assert.Equal(t, engine.Coins(0), totals.Reward)
}

func TestTracker_RateChangeMidSession(t *testing.T) {
	// Rates supplied with a tick apply from that tick onward; the stored
	// rates cover the preceding interval.
	tracker, _ := newTestTracker()
	ctx := context.Background()

	_, err := tracker.Start(ctx, testGuild, testUser, testChannel, t0, engine.LiveFlags{}, engine.NewRateConfig(100, 0))
	require.NoError(t, err)
	_, err = tracker.Tick(ctx, testGuild, testUser, at(1800), engine.LiveFlags{}, engine.NewRateConfig(200, 0))
	require.NoError(t, err)

	totals, err := tracker.Close(ctx, testGuild, testUser, at(3600))
	require.NoError(t, err)

	// First half hour at 100/h = 50, second at 200/h = 100.
	assert.Equal(t, engine.Coins(150), totals.Reward)
}

func TestTracker_IrregularTicksMatchSingleClose(t *testing.T) {
	// GIVEN: Rates whose per-interval quotients are repeating decimals
	//        (709/h base, 1000/h live) and ticks at awkward offsets
	// WHEN: The session is ticked at 1730s and 1912s, then closed at 7200s
	// THEN: The reward equals the unticked close exactly: 7200*1709/3600 = 3418

	ctx := context.Background()
	flags := engine.LiveFlags{Video: true}
	rates := engine.NewRateConfig(709, 1000)

	tracker, _ := newTestTracker()
	_, err := tracker.Start(ctx, testGuild, testUser, testChannel, t0, flags, rates)
	require.NoError(t, err)
	for _, off := range []int{1730, 1912} {
		_, err = tracker.Tick(ctx, testGuild, testUser, at(off), flags, rates)
		require.NoError(t, err)
	}
	totals, err := tracker.Close(ctx, testGuild, testUser, at(7200))
	require.NoError(t, err)

	assert.Equal(t, engine.Coins(3418), totals.Reward)
	assert.Equal(t, engine.Coins(2000), totals.Bonus)
}

// =============================================================================
// PARTITION INVARIANCE (PROPERTY)
// =============================================================================

func TestTracker_TickPartitionInvariance(t *testing.T) {
	// Splitting a session into arbitrary tick partitions never changes the
	// final totals: heartbeats are bookkeeping, not accounting events.

	rapid.Check(t, func(rt *rapid.T) {
		total := rapid.IntRange(1, 7200).Draw(rt, "totalSeconds")
		numTicks := rapid.IntRange(0, 10).Draw(rt, "numTicks")

		offsets := make([]int, numTicks)
		for i := range offsets {
			offsets[i] = rapid.IntRange(0, total).Draw(rt, "offset")
		}

		flags := engine.LiveFlags{
			Video:  rapid.Bool().Draw(rt, "video"),
			Stream: rapid.Bool().Draw(rt, "stream"),
		}
		rates := engine.NewRateConfig(
			float64(rapid.IntRange(0, 1000).Draw(rt, "hourlyRate")),
			float64(rapid.IntRange(0, 1000).Draw(rt, "hourlyBonusRate")),
		)

		ctx := context.Background()

		// Reference: a single close with no intermediate ticks.
		refTracker, _ := newTestTracker()
		_, err := refTracker.Start(ctx, testGuild, testUser, testChannel, t0, flags, rates)
		require.NoError(rt, err)
		want, err := refTracker.Close(ctx, testGuild, testUser, at(total))
		require.NoError(rt, err)

		// Same session ticked at the drawn offsets (unordered, may repeat,
		// may include skewed-backward points).
		tracker, _ := newTestTracker()
		_, err = tracker.Start(ctx, testGuild, testUser, testChannel, t0, flags, rates)
		require.NoError(rt, err)
		for _, off := range offsets {
			_, err = tracker.Tick(ctx, testGuild, testUser, at(off), flags, rates)
			require.NoError(rt, err)
		}
		got, err := tracker.Close(ctx, testGuild, testUser, at(total))
		require.NoError(rt, err)

		assert.Equal(rt, want.Duration, got.Duration)
		assert.Equal(rt, want.LiveDuration, got.LiveDuration)
		assert.Equal(rt, want.VideoDuration, got.VideoDuration)
		assert.Equal(rt, want.StreamDuration, got.StreamDuration)
		assert.Equal(rt, want.Reward, got.Reward)
		assert.Equal(rt, want.Bonus, got.Bonus)
	})
}

// =============================================================================
// PURE ADVANCE TESTS
// =============================================================================

func TestAdvance_NegativeElapsedIsZero(t *testing.T) {
	d := engine.Advance(engine.LiveFlags{Video: true}, t0, t0.Add(-time.Minute))
	assert.Equal(t, time.Duration(0), d.Elapsed)
	assert.Equal(t, time.Duration(0), d.Video)
	assert.Equal(t, time.Duration(0), d.Live)
}

func TestAdvance_FlagsPartitionElapsed(t *testing.T) {
	d := engine.Advance(engine.LiveFlags{Stream: true}, t0, t0.Add(90*time.Second))
	assert.Equal(t, 90*time.Second, d.Elapsed)
	assert.Equal(t, 90*time.Second, d.Stream)
	assert.Equal(t, 90*time.Second, d.Live)
	assert.Equal(t, time.Duration(0), d.Video)
}
