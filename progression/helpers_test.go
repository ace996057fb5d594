package progression_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/progression/store"
	"github.com/warp/xp-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type backend struct {
	name string
	open func(t *testing.T) progression.RepairStore
}

var backends = []backend{
	{"memory", func(t *testing.T) progression.RepairStore { return store.NewMemory() }},
	{"sqlite", func(t *testing.T) progression.RepairStore {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

// forEachBackend runs fn once per store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, s progression.RepairStore)) {
	for _, b := range backends {
		b := b
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

// testClock is a settable clock shared by engine and test.
type testClock struct {
	now atomic.Int64
}

func newTestClock() *testClock {
	c := &testClock{}
	c.Set(time.Date(2025, time.January, 1, 9, 0, 0, 0, time.UTC))
	return c
}

func (c *testClock) Now() time.Time          { return time.Unix(0, c.now.Load()).UTC() }
func (c *testClock) Set(t time.Time)         { c.now.Store(t.UnixNano()) }
func (c *testClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func newEngine(t *testing.T, s progression.TxStore, clock *testClock) *progression.Engine {
	var seq atomic.Int64
	opts := progression.Options{
		NewID: func() string { return fmt.Sprintf("id-%06d", seq.Add(1)) },
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	return progression.NewEngine(s, opts)
}

func provision(t *testing.T, e *progression.Engine, id progression.UserID) {
	t.Helper()
	_, err := e.Provision(context.Background(), id)
	require.NoError(t, err)
}

func award(t *testing.T, e *progression.Engine, user progression.UserID, amount int64, source progression.Source, sourceID string) progression.AwardResult {
	t.Helper()
	res, err := e.Award(context.Background(), progression.AwardRequest{
		UserID:   user,
		Amount:   amount,
		Source:   source,
		SourceID: progression.SourceID(sourceID),
		Reason:   "test",
	})
	require.NoError(t, err)
	return res
}

// dropLock deletes a lock behind the engine's back.
func dropLock(t *testing.T, s progression.RepairStore, user progression.UserID, source progression.SourceID) {
	t.Helper()
	switch st := s.(type) {
	case *store.Memory:
		st.DropLock(user, source)
	case *sqlite.Store:
		err := st.Exec(context.Background(), "DELETE FROM xp_locks WHERE user_id = ? AND source_id = ?", string(user), string(source))
		require.NoError(t, err)
	default:
		t.Fatalf("dropLock: unsupported store %T", s)
	}
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

var errDiskFull = errors.New("disk full")

// faultyStore fails the unit at a chosen Tx step.
type faultyStore struct {
	progression.TxStore
	failOn string
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(progression.Tx) error) error {
	return f.TxStore.WithTx(ctx, func(tx progression.Tx) error {
		return fn(&faultyTx{Tx: tx, failOn: f.failOn})
	})
}

type faultyTx struct {
	progression.Tx
	failOn string
}

func (f *faultyTx) AppendTransaction(ctx context.Context, tx progression.Transaction) error {
	if f.failOn == "transaction" {
		return errDiskFull
	}
	return f.Tx.AppendTransaction(ctx, tx)
}

func (f *faultyTx) AppendLevelUp(ctx context.Context, lu progression.LevelUp) error {
	if f.failOn == "level_up" {
		return errDiskFull
	}
	return f.Tx.AppendLevelUp(ctx, lu)
}
