/*
sweeper.go - Heartbeat sweep over all open sessions

PURPOSE:
  Sessions accrue lazily: nothing happens between events unless someone
  advances the clock. The sweeper is that someone. On a fixed interval it
  ticks every open session with freshly resolved rates and multiplier, so
  accrued totals stay current, rate changes take effect, and members who
  hit the guild's daily cap are force-closed and settled.

ISOLATION:
  Each session is swept independently. A failure ticking one member is
  logged and never aborts the rest of the sweep.

PACING:
  Every swept session is a storage write. The limiter bounds the write
  rate so a sweep over a large deployment does not stampede the database.

DAILY CAP:
  Tracked time per UTC day is capped per guild. When an open session
  pushes a member over the cap, the sweeper closes and settles it at the
  moment the cap was reached, not at sweep time, so the member is never
  credited past the cap.

SEE ALSO:
  - rates.go: Rate and multiplier providers
  - engine/tracker.go, engine/settle.go: The operations driven here
*/
package tracking

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/studyhall/session-engine/engine"
)

// =============================================================================
// SWEEPER
// =============================================================================

// Sweeper periodically advances all open sessions.
type Sweeper struct {
	Store      engine.TxStore
	Rates      RateProvider
	Multiplier MultiplierProvider

	// Interval between sweeps.
	Interval time.Duration

	// WriteLimit bounds storage writes per second during a sweep.
	// Zero means unlimited.
	WriteLimit rate.Limit

	tracker *engine.Tracker
	settler *engine.Settler
	limiter *rate.Limiter

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper over the given store and providers.
func NewSweeper(store engine.TxStore, rates RateProvider, mult MultiplierProvider, interval time.Duration, writeLimit rate.Limit) *Sweeper {
	limit := writeLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Sweeper{
		Store:      store,
		Rates:      rates,
		Multiplier: mult,
		Interval:   interval,
		WriteLimit: writeLimit,
		tracker:    engine.NewTracker(store),
		settler:    engine.NewSettler(store),
		limiter:    rate.NewLimiter(limit, 1),
		stop:       make(chan bool),
	}
}

// Start begins the sweep loop.
func (sw *Sweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.ticker = time.NewTicker(sw.Interval)
	sw.wg.Add(1)

	go sw.run()

	log.Printf("[Sweeper] Started with interval: %v", sw.Interval)
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.ticker != nil {
		sw.ticker.Stop()
		close(sw.stop)
		sw.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (sw *Sweeper) run() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.ticker.C:
			sw.SweepNow(context.Background(), time.Now().UTC())
		case <-sw.stop:
			return
		}
	}
}

// SweepNow runs one sweep at the given time. Exported for the admin
// endpoint and tests; the loop calls it on every tick.
func (sw *Sweeper) SweepNow(ctx context.Context, now time.Time) {
	sessions, err := sw.Store.ListSessions(ctx)
	if err != nil {
		log.Printf("[Sweeper] Error listing sessions: %v", err)
		return
	}

	ticked := 0
	closed := 0
	for _, sess := range sessions {
		if err := sw.limiter.Wait(ctx); err != nil {
			return
		}
		wasClosed, err := sw.sweepOne(ctx, sess, now)
		if err != nil {
			log.Printf("[Sweeper] Error sweeping member %d in guild %d: %v", sess.User, sess.Guild, err)
			continue
		}
		if wasClosed {
			closed++
		} else {
			ticked++
		}
	}

	if ticked > 0 || closed > 0 {
		log.Printf("[Sweeper] Completed: %d ticked, %d closed at cap", ticked, closed)
	}
}

func (sw *Sweeper) sweepOne(ctx context.Context, sess engine.OngoingSession, now time.Time) (closed bool, err error) {
	rates, err := sw.Rates.RatesFor(ctx, sess.Guild, sess.User)
	if err != nil {
		return false, err
	}
	mult, err := sw.Multiplier.MultiplierFor(ctx, sess.Guild, sess.User)
	if err != nil {
		return false, err
	}
	rates = rates.WithMultiplier(mult)

	if closeAt, capped := sw.capBoundary(ctx, sess, now); capped {
		// Advance the interval up to the boundary under current flags,
		// then close and settle there.
		if _, _, err := sw.settler.CloseAndSettle(ctx, sess.Guild, sess.User, closeAt); err != nil {
			return false, err
		}
		return true, nil
	}

	_, err = sw.tracker.Tick(ctx, sess.Guild, sess.User, now, sess.Flags, rates)
	return false, err
}

// capBoundary reports whether the session reaches the guild's daily cap by
// now, and if so the instant the cap is hit.
func (sw *Sweeper) capBoundary(ctx context.Context, sess engine.OngoingSession, now time.Time) (time.Time, bool) {
	limit := sw.Rates.DailyCap(sess.Guild)
	if limit <= 0 {
		return time.Time{}, false
	}

	dayStart := now.Truncate(24 * time.Hour)
	prior, err := sw.Store.TrackedSince(ctx, sess.Guild, sess.User, dayStart)
	if err != nil {
		log.Printf("[Sweeper] Error reading tracked time for member %d in guild %d: %v", sess.User, sess.Guild, err)
		return time.Time{}, false
	}

	from := sess.StartedAt
	if from.Before(dayStart) {
		from = dayStart
	}
	inSession := now.Sub(from)
	if inSession < 0 {
		inSession = 0
	}

	if prior+inSession < limit {
		return time.Time{}, false
	}
	return now.Add(-(prior + inSession - limit)), true
}

// =============================================================================
// RATE REFRESH
// =============================================================================

// RefreshGuildRates re-freezes the hourly rates of every open session in a
// guild, so a configuration change applies from this instant rather than
// the next heartbeat. The preceding interval still accrues at the old rate.
func (sw *Sweeper) RefreshGuildRates(ctx context.Context, guild engine.GuildID, now time.Time) error {
	sessions, err := sw.Store.ListSessions(ctx)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if sess.Guild != guild {
			continue
		}
		if err := sw.limiter.Wait(ctx); err != nil {
			return err
		}
		rates, err := sw.Rates.RatesFor(ctx, sess.Guild, sess.User)
		if err != nil {
			log.Printf("[Sweeper] Error resolving rates for member %d in guild %d: %v", sess.User, sess.Guild, err)
			continue
		}
		mult, err := sw.Multiplier.MultiplierFor(ctx, sess.Guild, sess.User)
		if err != nil {
			log.Printf("[Sweeper] Error resolving multiplier for member %d in guild %d: %v", sess.User, sess.Guild, err)
			continue
		}
		if _, err := sw.tracker.Tick(ctx, guild, sess.User, now, sess.Flags, rates.WithMultiplier(mult)); err != nil {
			log.Printf("[Sweeper] Error refreshing rates for member %d in guild %d: %v", sess.User, sess.Guild, err)
		}
	}
	return nil
}
