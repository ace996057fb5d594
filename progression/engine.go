/*
engine.go - The award orchestrator

PURPOSE:
  Applies one XP award per source event, exactly once, and cascades level
  unlocks. All writes for an award happen inside one TxStore.WithTx unit.

ALGORITHM (Award):
  1. Validate input (amount >= 0, ids non-empty)
  2. Advisory fast path: lock already present -> duplicate, no transaction
  3. Serialize on the user (keyed mutex), then inside WithTx:
     a. re-check lock
     b. load progression (missing -> NotFound, nothing written)
     c. chapter guard: "chapter-<n>" already completed -> duplicate
     d. insert lock; unique violation -> duplicate (rolled back)
     e. compute new total and levels
     f. update progression, record chapter
     g. append transaction
     h. on level-up: union catalog unlocks, append level-up record
     i. commit
  Zero-amount awards stop after writing the lock and transaction row.

DUPLICATES:
  Steps 2, 3a and 3c are shortcuts. Step 3d (and the transaction log's own
  unique index in step g) is what actually prevents double application.

SEE ALSO:
  - store.go: the uniqueness contract
  - repair.go: offline reconciliation of orphaned locks/transactions
*/
package progression

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/xp-engine/logger"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
	MaxSourceIDLength   = 200
)

// Options configure an Engine. Zero values select the reference policy.
type Options struct {
	Thresholds Thresholds
	Catalog    Catalog
	Logger     *logger.Logger

	// LockRetention enables PurgeLocks. Zero keeps locks forever. Only set
	// it if no caller ever retries an event older than the window.
	LockRetention time.Duration

	Now   func() time.Time
	NewID func() string
}

type Engine struct {
	store      TxStore
	thresholds Thresholds
	catalog    Catalog
	log        *logger.Logger
	retention  time.Duration
	now        func() time.Time
	newID      func() string
	users      *userLocks
}

func NewEngine(store TxStore, opts Options) *Engine {
	e := &Engine{
		store:      store,
		thresholds: opts.Thresholds,
		catalog:    opts.Catalog,
		log:        opts.Logger,
		retention:  opts.LockRetention,
		now:        opts.Now,
		newID:      opts.NewID,
		users:      newUserLocks(),
	}
	if e.thresholds.MaxLevel() < 0 {
		e.thresholds = DefaultThresholds()
	}
	if e.catalog.Levels() == 0 {
		e.catalog = DefaultCatalog()
	}
	if e.log == nil {
		e.log = logger.Nop()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return e
}

func (e *Engine) Thresholds() Thresholds { return e.thresholds }
func (e *Engine) Catalog() Catalog       { return e.catalog }

// =============================================================================
// ONBOARDING
// =============================================================================

// Provision creates a zeroed progression for userID with the level-0
// unlocks. Provisioning an existing user returns the stored record.
func (e *Engine) Provision(ctx context.Context, userID UserID) (*Progression, error) {
	userID = UserID(strings.TrimSpace(string(userID)))
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	now := e.now()
	p, err := e.store.CreateProgression(ctx, Progression{
		UserID:              userID,
		UnlockedContent:     e.catalog.ContentFor(0),
		UnlockedPermissions: e.catalog.PermissionsFor(0),
		CompletedChapters:   []int{},
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if err != nil {
		return nil, storageErr("provision", err)
	}
	return p, nil
}

// =============================================================================
// AWARD
// =============================================================================

// errAbortDuplicate rolls the unit back when a duplicate is detected after
// writes may have started.
var errAbortDuplicate = errors.New("abort: duplicate award")

// Award applies req at most once per (UserID, SourceID). The returned
// result's Outcome always agrees with the error: nil error means applied or
// duplicate.
func (e *Engine) Award(ctx context.Context, req AwardRequest) (AwardResult, error) {
	req, err := normalizeAward(req)
	if err != nil {
		return AwardResult{Outcome: OutcomeInvalid}, err
	}
	log := e.log.With("user_id", req.UserID, "source_id", req.SourceID)

	exists, err := e.store.LockExists(ctx, req.UserID, req.SourceID)
	if err != nil {
		return e.fail(log, storageErr("lock lookup", err))
	}
	if exists {
		return e.duplicate(ctx, log, req.UserID)
	}

	release := e.users.lock(req.UserID)
	defer release()

	var res AwardResult
	err = e.store.WithTx(ctx, func(tx Tx) error {
		r, err := e.apply(ctx, tx, req)
		res = r
		return err
	})
	switch {
	case errors.Is(err, errAbortDuplicate):
		log.Debug("duplicate award", "stage", "transaction")
		return res, nil
	case IsNotFound(err), IsClientError(err):
		return AwardResult{Outcome: OutcomeFor(err)}, err
	case err != nil:
		return e.fail(log, storageErr("award", err))
	}

	log.Info("xp awarded",
		"amount", req.Amount,
		"source", req.Source,
		"total_xp", res.NewTotalXP,
		"level", res.NewLevel,
	)
	if res.LeveledUp {
		log.Info("level up", "from", res.FromLevel, "to", res.NewLevel, "level_up_id", res.LevelUpID)
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, tx Tx, req AwardRequest) (AwardResult, error) {
	exists, err := tx.LockExists(ctx, req.UserID, req.SourceID)
	if err != nil {
		return AwardResult{}, storageErr("lock recheck", err)
	}

	p, err := tx.GetProgression(ctx, req.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return AwardResult{}, &NotFoundError{UserID: req.UserID}
	}
	if err != nil {
		return AwardResult{}, storageErr("load progression", err)
	}
	current := p.Clone()
	if exists {
		return resultFromState(current, OutcomeDuplicate), errAbortDuplicate
	}

	chapter, isChapter := ChapterFromSourceID(req.SourceID)
	if isChapter && p.HasCompletedChapter(chapter) {
		return resultFromState(current, OutcomeDuplicate), errAbortDuplicate
	}

	now := e.now()
	err = tx.InsertLock(ctx, Lock{UserID: req.UserID, SourceID: req.SourceID, CreatedAt: now})
	if errors.Is(err, ErrDuplicateLock) {
		return resultFromState(current, OutcomeDuplicate), errAbortDuplicate
	}
	if err != nil {
		return AwardResult{}, storageErr("insert lock", err)
	}

	row := Transaction{
		ID:        TransactionID(e.newID()),
		UserID:    req.UserID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		Source:    req.Source,
		SourceID:  req.SourceID,
		CreatedAt: now,
	}

	if req.Amount == 0 {
		if err := e.appendTransaction(ctx, tx, row); err != nil {
			return resultFromState(current, OutcomeDuplicate), err
		}
		res := resultFromState(current, OutcomeApplied)
		res.TransactionID = row.ID
		return res, nil
	}

	if p.TotalXP > math.MaxInt64-req.Amount {
		return AwardResult{}, &ValidationError{Field: "amount", Reason: "overflows lifetime xp"}
	}
	levelBefore := e.thresholds.LevelFor(p.TotalXP)
	newTotal := p.TotalXP + req.Amount
	levelAfter := e.thresholds.LevelFor(newTotal)
	leveledUp := levelAfter > levelBefore

	// Derived from the total rather than incremented so the stored level
	// always satisfies CurrentLevel == LevelFor(TotalXP).
	p.TotalXP = newTotal
	p.CurrentLevel = levelAfter
	p.CurrentXP = newTotal - e.thresholds.Threshold(levelAfter)
	if isChapter {
		p.AddCompletedChapter(chapter)
	}

	var content, perms Set
	if leveledUp {
		content = e.catalog.ContentFor(levelAfter)
		perms = e.catalog.PermissionsFor(levelAfter)
		p.UnlockedContent = p.UnlockedContent.Union(content)
		p.UnlockedPermissions = p.UnlockedPermissions.Union(perms)
	}
	p.UpdatedAt = now

	if err := tx.SaveProgression(ctx, *p); err != nil {
		return AwardResult{}, storageErr("save progression", err)
	}
	if err := e.appendTransaction(ctx, tx, row); err != nil {
		return resultFromState(current, OutcomeDuplicate), err
	}

	res := resultFromState(*p, OutcomeApplied)
	res.TransactionID = row.ID
	if leveledUp {
		lu := LevelUp{
			ID:                  LevelUpID(e.newID()),
			UserID:              req.UserID,
			FromLevel:           levelBefore,
			ToLevel:             levelAfter,
			UnlockedContent:     content,
			UnlockedPermissions: perms,
			CreatedAt:           now,
		}
		if err := tx.AppendLevelUp(ctx, lu); err != nil {
			return AwardResult{}, storageErr("append level-up", err)
		}
		res.LeveledUp = true
		res.FromLevel = levelBefore
		res.UnlockedContent = content
		res.UnlockedPermissions = perms
		res.LevelUpID = lu.ID
	}
	return res, nil
}

// appendTransaction treats a unique violation on the log like a lock
// collision. This keeps a purged lock from letting a late retry through.
func (e *Engine) appendTransaction(ctx context.Context, tx Tx, row Transaction) error {
	err := tx.AppendTransaction(ctx, row)
	if errors.Is(err, ErrDuplicateLock) {
		return errAbortDuplicate
	}
	return storageErr("append transaction", err)
}

func (e *Engine) duplicate(ctx context.Context, log *logger.Logger, userID UserID) (AwardResult, error) {
	p, err := e.store.GetProgression(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return AwardResult{Outcome: OutcomeNotFound}, &NotFoundError{UserID: userID}
	}
	if err != nil {
		return e.fail(log, storageErr("load progression", err))
	}
	log.Debug("duplicate award", "stage", "fast_path")
	return resultFromState(*p, OutcomeDuplicate), nil
}

func (e *Engine) fail(log *logger.Logger, err error) (AwardResult, error) {
	log.Error("award failed", "error", err)
	return AwardResult{Outcome: OutcomeFor(err)}, err
}

func normalizeAward(req AwardRequest) (AwardRequest, error) {
	req.UserID = UserID(strings.TrimSpace(string(req.UserID)))
	req.SourceID = SourceID(strings.TrimSpace(string(req.SourceID)))
	req.Reason = strings.TrimSpace(req.Reason)
	req.Source = Source(strings.TrimSpace(string(req.Source)))
	switch {
	case req.UserID == "":
		return req, &ValidationError{Field: "user_id", Reason: "is required"}
	case req.SourceID == "":
		return req, &ValidationError{Field: "source_id", Reason: "is required"}
	case len(req.SourceID) > MaxSourceIDLength:
		return req, &ValidationError{Field: "source_id", Reason: fmt.Sprintf("exceeds %d characters", MaxSourceIDLength)}
	case req.Amount < 0:
		return req, &ValidationError{Field: "amount", Reason: "must be >= 0"}
	}
	if req.Source == "" {
		req.Source = SourceSystem
	}
	return req, nil
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) GetProgression(ctx context.Context, userID UserID) (*Progression, error) {
	userID = UserID(strings.TrimSpace(string(userID)))
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	p, err := e.store.GetProgression(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, &NotFoundError{UserID: userID}
	}
	if err != nil {
		return nil, storageErr("load progression", err)
	}
	return p, nil
}

// GetTransactionHistory returns the newest limit awards. limit <= 0 means
// DefaultHistoryLimit; values above MaxHistoryLimit are clamped.
func (e *Engine) GetTransactionHistory(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	txs, err := e.store.Transactions(ctx, UserID(strings.TrimSpace(string(userID))), limit)
	if err != nil {
		return nil, storageErr("load transactions", err)
	}
	return txs, nil
}

func (e *Engine) GetLevelUpHistory(ctx context.Context, userID UserID) ([]LevelUp, error) {
	lus, err := e.store.LevelUps(ctx, UserID(strings.TrimSpace(string(userID))))
	if err != nil {
		return nil, storageErr("load level-ups", err)
	}
	return lus, nil
}

// =============================================================================
// PER-USER SERIALIZATION
// =============================================================================

// userLocks hands out one mutex per user. Entries are dropped once no
// goroutine holds or waits on them.
type userLocks struct {
	mu sync.Mutex
	m  map[UserID]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{m: make(map[UserID]*userLock)}
}

func (u *userLocks) lock(id UserID) (release func()) {
	u.mu.Lock()
	l, ok := u.m[id]
	if !ok {
		l = &userLock{}
		u.m[id] = l
	}
	l.refs++
	u.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		u.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(u.m, id)
		}
		u.mu.Unlock()
	}
}
