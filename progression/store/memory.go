// Package store provides an in-memory progression store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/xp-engine/progression"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	progressions map[progression.UserID]progression.Progression
	locks        map[key]progression.Lock
	transactions map[progression.UserID][]progression.Transaction
	txKeys       map[key]bool
	levelUps     map[progression.UserID][]progression.LevelUp
}

type key struct {
	UserID   progression.UserID
	SourceID progression.SourceID
}

var (
	_ progression.RepairStore    = (*Memory)(nil)
	_ progression.RetentionStore = (*Memory)(nil)
	_ progression.RepairTx       = (*txView)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		progressions: make(map[progression.UserID]progression.Progression),
		locks:        make(map[key]progression.Lock),
		transactions: make(map[progression.UserID][]progression.Transaction),
		txKeys:       make(map[key]bool),
		levelUps:     make(map[progression.UserID][]progression.LevelUp),
	}
}

// =============================================================================
// READ SIDE
// =============================================================================

func (m *Memory) GetProgression(_ context.Context, userID progression.UserID) (*progression.Progression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(userID)
}

func (m *Memory) LockExists(_ context.Context, userID progression.UserID, sourceID progression.SourceID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.locks[key{userID, sourceID}]
	return ok, nil
}

func (m *Memory) Transactions(_ context.Context, userID progression.UserID, limit int) ([]progression.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := m.transactions[userID]
	result := make([]progression.Transaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, txs[i])
	}
	return result, nil
}

func (m *Memory) LevelUps(_ context.Context, userID progression.UserID) ([]progression.LevelUp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]progression.LevelUp, len(m.levelUps[userID]))
	copy(result, m.levelUps[userID])
	return result, nil
}

func (m *Memory) CreateProgression(_ context.Context, p progression.Progression) (*progression.Progression, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.progressions[p.UserID]; !ok {
		m.progressions[p.UserID] = p.Clone()
	}
	return m.getLocked(p.UserID)
}

func (m *Memory) getLocked(userID progression.UserID) (*progression.Progression, error) {
	p, ok := m.progressions[userID]
	if !ok {
		return nil, progression.ErrUserNotFound
	}
	c := p.Clone()
	return &c, nil
}

// =============================================================================
// REPAIR / RETENTION
// =============================================================================

func (m *Memory) OrphanedLocks(_ context.Context) ([]progression.Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []progression.Lock
	for k, l := range m.locks {
		if !m.txKeys[k] {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) OrphanedTransactions(_ context.Context) ([]progression.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []progression.Transaction
	for _, txs := range m.transactions {
		for _, tx := range txs {
			if _, ok := m.locks[key{tx.UserID, tx.SourceID}]; !ok {
				out = append(out, tx)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UserIDs(_ context.Context) ([]progression.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]progression.UserID, 0, len(m.progressions))
	for id := range m.progressions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) PurgeLocks(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, l := range m.locks {
		if l.CreatedAt.Before(cutoff) {
			delete(m.locks, k)
			n++
		}
	}
	return n, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn holding the write lock. Writes go straight to the maps;
// a snapshot taken up front is restored if fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(progression.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	progressions map[progression.UserID]progression.Progression
	locks        map[key]progression.Lock
	transactions map[progression.UserID][]progression.Transaction
	txKeys       map[key]bool
	levelUps     map[progression.UserID][]progression.LevelUp
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		progressions: make(map[progression.UserID]progression.Progression, len(m.progressions)),
		locks:        make(map[key]progression.Lock, len(m.locks)),
		transactions: make(map[progression.UserID][]progression.Transaction, len(m.transactions)),
		txKeys:       make(map[key]bool, len(m.txKeys)),
		levelUps:     make(map[progression.UserID][]progression.LevelUp, len(m.levelUps)),
	}
	for k, v := range m.progressions {
		s.progressions[k] = v.Clone()
	}
	for k, v := range m.locks {
		s.locks[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = append([]progression.Transaction(nil), v...)
	}
	for k, v := range m.txKeys {
		s.txKeys[k] = v
	}
	for k, v := range m.levelUps {
		s.levelUps[k] = append([]progression.LevelUp(nil), v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.progressions = s.progressions
	m.locks = s.locks
	m.transactions = s.transactions
	m.txKeys = s.txKeys
	m.levelUps = s.levelUps
}

type txView struct {
	parent *Memory
}

func (tv *txView) GetProgression(_ context.Context, userID progression.UserID) (*progression.Progression, error) {
	return tv.parent.getLocked(userID)
}

func (tv *txView) LockExists(_ context.Context, userID progression.UserID, sourceID progression.SourceID) (bool, error) {
	_, ok := tv.parent.locks[key{userID, sourceID}]
	return ok, nil
}

// InsertLock enforces (user, source) uniqueness.
func (tv *txView) InsertLock(_ context.Context, l progression.Lock) error {
	k := key{l.UserID, l.SourceID}
	if _, ok := tv.parent.locks[k]; ok {
		return progression.ErrDuplicateLock
	}
	tv.parent.locks[k] = l
	return nil
}

func (tv *txView) SaveProgression(_ context.Context, p progression.Progression) error {
	stored, ok := tv.parent.progressions[p.UserID]
	if !ok {
		return progression.ErrUserNotFound
	}
	next := p.Clone()
	next.UnlockedContent = stored.UnlockedContent.Union(p.UnlockedContent)
	next.UnlockedPermissions = stored.UnlockedPermissions.Union(p.UnlockedPermissions)
	next.CreatedAt = stored.CreatedAt
	tv.parent.progressions[p.UserID] = next
	return nil
}

func (tv *txView) AppendTransaction(_ context.Context, tx progression.Transaction) error {
	k := key{tx.UserID, tx.SourceID}
	if tv.parent.txKeys[k] {
		return progression.ErrDuplicateLock
	}
	tv.parent.txKeys[k] = true
	tv.parent.transactions[tx.UserID] = append(tv.parent.transactions[tx.UserID], tx)
	return nil
}

func (tv *txView) AppendLevelUp(_ context.Context, lu progression.LevelUp) error {
	tv.parent.levelUps[lu.UserID] = append(tv.parent.levelUps[lu.UserID], lu)
	return nil
}

func (tv *txView) DeleteLock(_ context.Context, userID progression.UserID, sourceID progression.SourceID) error {
	delete(tv.parent.locks, key{userID, sourceID})
	return nil
}

// =============================================================================
// TEST HOOKS
// =============================================================================

// InjectLock writes a lock with no transaction, simulating corruption.
func (m *Memory) InjectLock(l progression.Lock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[key{l.UserID, l.SourceID}] = l
}

// DropLock removes a lock without touching its transaction.
func (m *Memory) DropLock(userID progression.UserID, sourceID progression.SourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key{userID, sourceID})
}

// Overwrite replaces a progression verbatim, bypassing the unlock union.
func (m *Memory) Overwrite(p progression.Progression) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressions[p.UserID] = p.Clone()
}
