/*
reconcile.go - Rebuilding the balance cache from the ledger

PURPOSE:
  Member.Coins is a materialized cache of the transaction ledger sum. It
  can drift only through operator mistakes or storage corruption, but
  when it does, the ledger wins. The reconciler replays every member's
  transactions, compares the replayed balance to the cache, and
  optionally repairs the cache in place.

SEE ALSO:
  - ledger.go: BalanceOf replay
  - cmd/server: The reconcile subcommand
*/
package engine

import (
	"context"
	"fmt"
)

// =============================================================================
// RECONCILE REPORT
// =============================================================================

// Drift records one member whose cached balance disagrees with the ledger.
type Drift struct {
	Guild    GuildID
	User     UserID
	Cached   Coins
	Replayed Coins
}

func (d Drift) String() string {
	return fmt.Sprintf("member %d in guild %d: cached %d, ledger says %d",
		d.User, d.Guild, d.Cached, d.Replayed)
}

// ReconcileReport summarizes one reconciliation pass over a guild.
type ReconcileReport struct {
	Guild    GuildID
	Members  int
	Drifted  []Drift
	Repaired bool
}

// Clean reports whether every cached balance matched the ledger.
func (r *ReconcileReport) Clean() bool { return len(r.Drifted) == 0 }

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler verifies and repairs cached balances against the ledger.
type Reconciler struct {
	Store TxStore
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store TxStore) *Reconciler {
	return &Reconciler{Store: store}
}

// Reconcile replays the ledger for every member of the guild. With repair
// set, drifted caches are overwritten with the replayed balance inside one
// transaction, so a report's Repaired flag means all of its drifts were
// fixed, not some.
func (r *Reconciler) Reconcile(ctx context.Context, guild GuildID, repair bool) (*ReconcileReport, error) {
	report := &ReconcileReport{Guild: guild}

	err := r.Store.WithTx(ctx, func(s Store) error {
		members, err := s.ListMembers(ctx, guild)
		if err != nil {
			return err
		}
		report.Members = len(members)

		for _, m := range members {
			txs, err := s.TransactionsFor(ctx, guild, m.User)
			if err != nil {
				return err
			}
			replayed := BalanceOf(txs, m.User)
			if replayed == m.Coins {
				continue
			}
			report.Drifted = append(report.Drifted, Drift{
				Guild:    guild,
				User:     m.User,
				Cached:   m.Coins,
				Replayed: replayed,
			})
			if repair {
				if err := s.SetMemberBalance(ctx, guild, m.User, replayed); err != nil {
					return err
				}
			}
		}
		report.Repaired = repair
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
