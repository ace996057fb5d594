/*
repair.go - Offline reconciliation pass

PURPOSE:
  An award is all-or-nothing, so a lock without its transaction (or the
  reverse) only appears after a storage bug, manual edits or a restore
  from mismatched backups. This pass finds and fixes those states.

FIXES:
  Orphaned lock        -> lock deleted; the event can be retried
  Orphaned transaction -> lock recreated from the transaction row, unless
                          it is older than the lock retention window
  Progression drift    -> level and in-level XP recomputed from TotalXP,
                          catalog unlocks for that level unioned back in

Run it while award traffic is stopped. DryRun reports without writing.
*/
package progression

import (
	"context"
	"errors"
	"fmt"
)

// ErrRepairUnsupported is returned when the store lacks RepairStore.
var ErrRepairUnsupported = errors.New("store does not support repair")

type RepairOptions struct {
	DryRun bool
}

type RepairReport struct {
	DryRun bool

	OrphanedLocks        []Lock
	OrphanedTransactions []Transaction
	DriftedUsers         []UserID

	LocksRemoved  int
	LocksRestored int
	UsersFixed    int

	// Orphaned transactions older than the retention window; their locks
	// were purged on purpose.
	SkippedExpired int
}

// Clean reports whether nothing needed fixing.
func (r RepairReport) Clean() bool {
	return len(r.OrphanedLocks) == 0 && len(r.OrphanedTransactions) == 0 && len(r.DriftedUsers) == 0
}

func (e *Engine) Repair(ctx context.Context, opts RepairOptions) (RepairReport, error) {
	report := RepairReport{DryRun: opts.DryRun}
	rs, ok := e.store.(RepairStore)
	if !ok {
		return report, ErrRepairUnsupported
	}

	locks, err := rs.OrphanedLocks(ctx)
	if err != nil {
		return report, storageErr("scan orphaned locks", err)
	}
	report.OrphanedLocks = locks

	txs, err := rs.OrphanedTransactions(ctx)
	if err != nil {
		return report, storageErr("scan orphaned transactions", err)
	}
	var restore []Transaction
	for _, tx := range txs {
		if e.retention > 0 && tx.CreatedAt.Before(e.now().Add(-e.retention)) {
			report.SkippedExpired++
			continue
		}
		report.OrphanedTransactions = append(report.OrphanedTransactions, tx)
		restore = append(restore, tx)
	}

	users, err := rs.UserIDs(ctx)
	if err != nil {
		return report, storageErr("list users", err)
	}
	for _, id := range users {
		p, err := rs.GetProgression(ctx, id)
		if err != nil {
			return report, storageErr("load progression", err)
		}
		if e.drifted(p) {
			report.DriftedUsers = append(report.DriftedUsers, id)
		}
	}

	if opts.DryRun || report.Clean() {
		return report, nil
	}

	err = rs.WithTx(ctx, func(tx Tx) error {
		rtx, ok := tx.(RepairTx)
		if !ok {
			return ErrRepairUnsupported
		}
		for _, l := range locks {
			if err := rtx.DeleteLock(ctx, l.UserID, l.SourceID); err != nil {
				return fmt.Errorf("delete lock %s/%s: %w", l.UserID, l.SourceID, err)
			}
			report.LocksRemoved++
		}
		for _, t := range restore {
			err := rtx.InsertLock(ctx, Lock{UserID: t.UserID, SourceID: t.SourceID, CreatedAt: t.CreatedAt})
			if err != nil && !errors.Is(err, ErrDuplicateLock) {
				return fmt.Errorf("restore lock %s/%s: %w", t.UserID, t.SourceID, err)
			}
			report.LocksRestored++
		}
		for _, id := range report.DriftedUsers {
			p, err := rtx.GetProgression(ctx, id)
			if err != nil {
				return err
			}
			e.realign(p)
			if err := rtx.SaveProgression(ctx, *p); err != nil {
				return err
			}
			report.UsersFixed++
		}
		return nil
	})
	if err != nil {
		report.LocksRemoved, report.LocksRestored, report.UsersFixed = 0, 0, 0
		return report, storageErr("repair", err)
	}

	e.log.Info("repair complete",
		"locks_removed", report.LocksRemoved,
		"locks_restored", report.LocksRestored,
		"users_fixed", report.UsersFixed,
		"skipped_expired", report.SkippedExpired,
	)
	return report, nil
}

func (e *Engine) drifted(p *Progression) bool {
	lvl := e.thresholds.LevelFor(p.TotalXP)
	return p.CurrentLevel != lvl ||
		p.CurrentXP != p.TotalXP-e.thresholds.Threshold(lvl) ||
		!p.UnlockedContent.ContainsAll(e.catalog.ContentFor(lvl)) ||
		!p.UnlockedPermissions.ContainsAll(e.catalog.PermissionsFor(lvl))
}

func (e *Engine) realign(p *Progression) {
	lvl := e.thresholds.LevelFor(p.TotalXP)
	p.CurrentLevel = lvl
	p.CurrentXP = p.TotalXP - e.thresholds.Threshold(lvl)
	p.UnlockedContent = p.UnlockedContent.Union(e.catalog.ContentFor(lvl))
	p.UnlockedPermissions = p.UnlockedPermissions.Union(e.catalog.PermissionsFor(lvl))
	p.UpdatedAt = e.now()
}
