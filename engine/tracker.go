/*
tracker.go - Session lifecycle: Start, Tick, Close

PURPOSE:
  Maintains the single-open-session-per-member invariant and keeps
  accumulated durations correct under arbitrarily irregular update events.

THE CENTRAL INVARIANT:
  Splitting an interval into sub-intervals never changes the totals. A
  heartbeat every few minutes, a tick immediately before a flag change,
  and a single tick spanning the whole session all produce identical
  final durations and reward. Advance() is the pure function this rests
  on; Tick only ever applies it over [LastUpdate, now].

CLOCK SKEW:
  now < LastUpdate is treated as zero elapsed, never negative accrual.

CONCURRENCY:
  Every operation runs inside Store.WithTx, so concurrent Tick/Close for
  one member are serialized by the storage layer (row locks on PostgreSQL,
  a coarse transaction lock on SQLite/memory). Operations on different
  members are fully independent.

SEE ALSO:
  - settle.go: Turns Close output into durable ledger state
  - accrual.go: Interval reward math
*/
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PURE INTERVAL ARITHMETIC
// =============================================================================

// DurationDelta is the elapsed time of one interval, partitioned into the
// sub-states that were active throughout it.
type DurationDelta struct {
	Elapsed time.Duration
	Live    time.Duration
	Video   time.Duration
	Stream  time.Duration
}

// Advance computes the duration delta for the interval [from, to] given the
// flags that were in effect during it. Negative elapsed time (clock skew)
// yields a zero delta.
func Advance(flags LiveFlags, from, to time.Time) DurationDelta {
	elapsed := to.Sub(from)
	if elapsed < 0 {
		elapsed = 0
	}
	d := DurationDelta{Elapsed: elapsed}
	if flags.Video {
		d.Video = elapsed
	}
	if flags.Stream {
		d.Stream = elapsed
	}
	if flags.Live() {
		d.Live = elapsed
	}
	return d
}

// advanceTo folds the interval [s.LastUpdate, now] into the session: the
// flags and rates stored on the session applied over the preceding
// interval, then the new flags and rates take effect.
func (s *OngoingSession) advanceTo(now time.Time, flags LiveFlags, rates RateConfig) {
	delta := Advance(s.Flags, s.LastUpdate, now)

	s.LiveDuration += delta.Live
	s.VideoDuration += delta.Video
	s.StreamDuration += delta.Stream
	s.Accrued = s.Accrued.Add(intervalReward(delta.Elapsed, delta.Live, s.Rates))
	s.AccruedBonus = s.AccruedBonus.Add(intervalBonus(delta.Live, s.Rates))

	// LastUpdate is monotonic. A skewed-backward tick accrues nothing and
	// must not rewind the watermark, or the next tick would re-count the
	// interval it skipped.
	if now.After(s.LastUpdate) {
		s.LastUpdate = now
	}
	s.Flags = flags
	s.Rates = rates
}

// finalize computes the session's final totals as if ticking to closedAt,
// without mutating persisted state. A zero-duration session (start ==
// close) yields valid zero totals, not an error.
func finalize(s OngoingSession, closedAt time.Time) SessionTotals {
	s.advanceTo(closedAt, s.Flags, s.Rates)

	duration := closedAt.Sub(s.StartedAt)
	if duration < 0 {
		duration = 0
	}

	reward := SettleAccrued(s.Accrued)
	bonus := SettleAccrued(s.AccruedBonus)

	return SessionTotals{
		Guild:          s.Guild,
		User:           s.User,
		Channel:        s.Channel,
		StartedAt:      s.StartedAt,
		ClosedAt:       closedAt,
		Duration:       duration,
		LiveDuration:   s.LiveDuration,
		VideoDuration:  s.VideoDuration,
		StreamDuration: s.StreamDuration,
		Reward:         reward,
		Bonus:          bonus,
	}
}

// =============================================================================
// TRACKER
// =============================================================================

// Tracker owns the session lifecycle for all members.
type Tracker struct {
	Store TxStore
}

// NewTracker creates a tracker over the given store.
func NewTracker(store TxStore) *Tracker {
	return &Tracker{Store: store}
}

// Start opens a session for the member with all durations zeroed and
// last_update = now. The member row is created on first interaction.
// Fails with ErrAlreadyOpen if a session is already open.
func (t *Tracker) Start(ctx context.Context, guild GuildID, user UserID, channel ChannelID, now time.Time, flags LiveFlags, rates RateConfig) (*OngoingSession, error) {
	sess := OngoingSession{
		Guild:        guild,
		User:         user,
		Channel:      channel,
		StartedAt:    now,
		LastUpdate:   now,
		Accrued:      decimal.Zero,
		AccruedBonus: decimal.Zero,
		Flags:        flags,
		Rates:        rates,
	}

	err := t.Store.WithTx(ctx, func(s Store) error {
		if _, err := s.EnsureMember(ctx, guild, user); err != nil {
			return err
		}
		return s.InsertSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Tick advances the member's open session to now. The flags stored from
// the previous update apply to the elapsed interval; the supplied flags
// and rates take effect from now on. Callable at arbitrary intervals.
// Fails with ErrNoOpenSession if nothing is open.
func (t *Tracker) Tick(ctx context.Context, guild GuildID, user UserID, now time.Time, flags LiveFlags, rates RateConfig) (*OngoingSession, error) {
	var out *OngoingSession
	err := t.Store.WithTx(ctx, func(s Store) error {
		sess, err := s.GetSession(ctx, guild, user)
		if err != nil {
			return err
		}
		sess.advanceTo(now, flags, rates)
		if err := s.UpdateSession(ctx, *sess); err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close computes the session's final totals as of now, exactly as Tick
// would, WITHOUT removing the open session. The caller hands the totals to
// Settler.Settle, which deletes the session in the same transaction that
// writes the history and ledger records - so a settlement failure never
// discards accrued time. Fails with ErrNoOpenSession if nothing is open.
func (t *Tracker) Close(ctx context.Context, guild GuildID, user UserID, now time.Time) (*SessionTotals, error) {
	sess, err := t.Store.GetSession(ctx, guild, user)
	if err != nil {
		return nil, err
	}
	totals := finalize(*sess, now)
	return &totals, nil
}
