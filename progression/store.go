/*
store.go - Persistence interfaces for progression, locks and the two logs

PURPOSE:
  Separates the orchestrator from the database. The engine only ever
  mutates state through a Tx handed to it by TxStore.WithTx, so every
  award is one all-or-nothing unit.

KEY INTERFACES:
  Store:   read side (progression, lock lookup, histories)
  Tx:      write side, valid only inside WithTx
  TxStore: Store + WithTx + onboarding
  RepairStore / RetentionStore: maintenance capabilities

THE UNIQUENESS CONTRACT:
  InsertLock MUST be backed by a uniqueness constraint on (user, source)
  and MUST return ErrDuplicateLock when it fires. That constraint is the
  only thing that makes awards at-most-once. LockExists checks, in or out
  of a transaction, are latency shortcuts. Removing the constraint while
  keeping the checks reopens double awards under concurrent retries.

APPEND-ONLY:
  Transactions and level-ups have no update or delete methods. Locks are
  deleted only by RetentionStore.PurgeLocks and by the repair pass.

IMPLEMENTATIONS:
  - store/sqlite: production store
  - progression/store: in-memory store for tests and demos
*/
package progression

import (
	"context"
	"time"
)

// Store is the read side. Reads observe committed state.
type Store interface {
	// GetProgression returns ErrUserNotFound if the user was never provisioned.
	GetProgression(ctx context.Context, userID UserID) (*Progression, error)

	// LockExists is advisory; see the uniqueness contract above.
	LockExists(ctx context.Context, userID UserID, sourceID SourceID) (bool, error)

	// Transactions returns up to limit rows, newest first.
	Transactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)

	// LevelUps returns every level transition, oldest first.
	LevelUps(ctx context.Context, userID UserID) ([]LevelUp, error)
}

// Tx is the write view inside one atomic unit.
type Tx interface {
	GetProgression(ctx context.Context, userID UserID) (*Progression, error)
	LockExists(ctx context.Context, userID UserID, sourceID SourceID) (bool, error)

	// InsertLock returns ErrDuplicateLock on a (user, source) collision.
	InsertLock(ctx context.Context, lock Lock) error

	// SaveProgression replaces the aggregate. Unlock sets are unioned with
	// what is stored; the store never removes unlocks.
	SaveProgression(ctx context.Context, p Progression) error

	// AppendTransaction returns ErrDuplicateLock on a (user, source) collision.
	AppendTransaction(ctx context.Context, tx Transaction) error

	AppendLevelUp(ctx context.Context, lu LevelUp) error
}

// TxStore adds the atomic unit and onboarding.
type TxStore interface {
	Store

	// WithTx runs fn in one transaction. A non-nil error from fn rolls back
	// every write fn made; nil commits.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// CreateProgression inserts p if the user does not exist yet and returns
	// the stored record either way.
	CreateProgression(ctx context.Context, p Progression) (*Progression, error)
}

// RepairStore exposes the cross-table views the repair pass needs.
type RepairStore interface {
	TxStore

	// OrphanedLocks lists locks with no transaction for the same (user, source).
	OrphanedLocks(ctx context.Context) ([]Lock, error)

	// OrphanedTransactions lists transactions with no lock for the same (user, source).
	OrphanedTransactions(ctx context.Context) ([]Transaction, error)

	// UserIDs lists every provisioned user.
	UserIDs(ctx context.Context) ([]UserID, error)
}

// RepairTx is the write view handed out by a RepairStore's WithTx.
type RepairTx interface {
	Tx

	// DeleteLock removes one lock.
	DeleteLock(ctx context.Context, userID UserID, sourceID SourceID) error
}

// RetentionStore supports garbage collection of old locks.
type RetentionStore interface {
	// PurgeLocks deletes locks created before cutoff and returns how many.
	PurgeLocks(ctx context.Context, cutoff time.Time) (int, error)
}
