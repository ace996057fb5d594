package progression_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/progression/store"
	"github.com/warp/xp-engine/store/sqlite"
)

// injectOrphanLock writes a lock that has no transaction behind it.
func injectOrphanLock(t *testing.T, s progression.RepairStore, l progression.Lock) {
	t.Helper()
	switch st := s.(type) {
	case *store.Memory:
		st.InjectLock(l)
	case *sqlite.Store:
		err := st.Exec(context.Background(),
			"INSERT INTO xp_locks (user_id, source_id, created_at) VALUES (?, ?, ?)",
			string(l.UserID), string(l.SourceID), l.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
		require.NoError(t, err)
	default:
		t.Fatalf("injectOrphanLock: unsupported store %T", s)
	}
}

// corruptLevel sets the stored level out of line with TotalXP.
func corruptLevel(t *testing.T, s progression.RepairStore, user progression.UserID, level int) {
	t.Helper()
	switch st := s.(type) {
	case *store.Memory:
		p, err := st.GetProgression(context.Background(), user)
		require.NoError(t, err)
		p.CurrentLevel = level
		st.Overwrite(*p)
	case *sqlite.Store:
		err := st.Exec(context.Background(),
			"UPDATE user_progressions SET current_level = ? WHERE user_id = ?", level, string(user))
		require.NoError(t, err)
	default:
		t.Fatalf("corruptLevel: unsupported store %T", s)
	}
}

func TestRepair_CleanStoreIsNoop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s progression.RepairStore) {
		e := newEngine(t, s, nil)
		provision(t, e, "u1")
		award(t, e, "u1", 120, progression.SourceSystem, "evt-1")

		report, err := e.Repair(context.Background(), progression.RepairOptions{})
		require.NoError(t, err)
		assert.True(t, report.Clean())
		assert.Zero(t, report.LocksRemoved+report.LocksRestored+report.UsersFixed)
	})
}

func TestRepair_OrphanedLockRemoved(t *testing.T) {
	// GIVEN: A lock with no matching transaction
	// WHEN: Repair runs
	// THEN: The lock is deleted and the event can be awarded

	forEachBackend(t, func(t *testing.T, s progression.RepairStore) {
		clock := newTestClock()
		e := newEngine(t, s, clock)
		provision(t, e, "u1")
		injectOrphanLock(t, s, progression.Lock{UserID: "u1", SourceID: "chapter-3", CreatedAt: clock.Now()})

		blocked := award(t, e, "u1", 30, progression.SourceReading, "chapter-3")
		require.True(t, blocked.IsDuplicate, "orphaned lock blocks the award before repair")

		dry, err := e.Repair(context.Background(), progression.RepairOptions{DryRun: true})
		require.NoError(t, err)
		assert.Len(t, dry.OrphanedLocks, 1)
		assert.Zero(t, dry.LocksRemoved)

		report, err := e.Repair(context.Background(), progression.RepairOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.LocksRemoved)

		res := award(t, e, "u1", 30, progression.SourceReading, "chapter-3")
		assert.Equal(t, progression.OutcomeApplied, res.Outcome)
	})
}

func TestRepair_OrphanedTransactionGetsLock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s progression.RepairStore) {
		e := newEngine(t, s, nil)
		provision(t, e, "u1")
		award(t, e, "u1", 40, progression.SourceTask, "task-submission-9")
		dropLock(t, s, "u1", "task-submission-9")

		report, err := e.Repair(context.Background(), progression.RepairOptions{})
		require.NoError(t, err)
		require.Len(t, report.OrphanedTransactions, 1)
		assert.Equal(t, 1, report.LocksRestored)

		exists, err := s.LockExists(context.Background(), "u1", "task-submission-9")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestRepair_RealignsDriftedLevel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s progression.RepairStore) {
		e := newEngine(t, s, nil)
		provision(t, e, "u1")
		award(t, e, "u1", 200, progression.SourceSystem, "evt")
		corruptLevel(t, s, "u1", 0)

		report, err := e.Repair(context.Background(), progression.RepairOptions{})
		require.NoError(t, err)
		assert.Equal(t, []progression.UserID{"u1"}, report.DriftedUsers)
		assert.Equal(t, 1, report.UsersFixed)

		p, err := e.GetProgression(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, p.CurrentLevel)
		assert.Equal(t, int64(20), p.CurrentXP)
	})
}

// =============================================================================
// LOCK RETENTION
// =============================================================================

func TestPurgeLocks_DisabledByDefault(t *testing.T) {
	e := newEngine(t, store.NewMemory(), nil)
	_, err := e.PurgeLocks(context.Background())
	assert.ErrorIs(t, err, progression.ErrLockRetentionDisabled)
}

func TestPurgeLocks_ExpiredRetryStillDuplicate(t *testing.T) {
	// GIVEN: A 24h retention window and an award made 48h ago
	// WHEN: Locks are purged and the event is retried
	// THEN: The transaction log still rejects it

	forEachBackend(t, func(t *testing.T, s progression.RepairStore) {
		clock := newTestClock()
		e := progression.NewEngine(s, progression.Options{Now: clock.Now, LockRetention: 24 * time.Hour})
		provision(t, e, "u1")
		award(t, e, "u1", 30, progression.SourceTask, "task-submission-7")
		clock.Advance(48 * time.Hour)
		award(t, e, "u1", 30, progression.SourceReading, "chapter-3")

		n, err := e.PurgeLocks(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		exists, err := s.LockExists(context.Background(), "u1", "task-submission-7")
		require.NoError(t, err)
		assert.False(t, exists)

		res, err := e.Award(context.Background(), progression.AwardRequest{UserID: "u1", Amount: 30, SourceID: "task-submission-7"})
		require.NoError(t, err)
		assert.True(t, res.IsDuplicate)
		assert.Equal(t, int64(60), res.NewTotalXP)

		// Repair leaves purged locks alone.
		report, err := e.Repair(context.Background(), progression.RepairOptions{DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, 1, report.SkippedExpired)
		assert.Empty(t, report.OrphanedTransactions)
	})
}
