/*
Package progression provides the XP ledger and level progression engine.

PURPOSE:
  Awards experience points to users exactly once per source event, keeps
  each user's level in step with lifetime XP, and cascades the cumulative
  content and permission unlocks that come with each level.

KEY CONCEPTS IN THIS FILE (types.go):
  - Progression: the mutable per-user aggregate (level, XP, unlocks)
  - Lock: idempotency marker keyed by (user, source event)
  - Transaction: append-only record of every applied award
  - LevelUp: append-only record of every level transition
  - AwardRequest / AwardResult: the orchestrator's input and tagged output

INVARIANTS:
  1. CurrentLevel == LevelFor(TotalXP)
  2. CurrentXP == TotalXP - Threshold(CurrentLevel), never negative
  3. Unlocked sets only grow and always contain the catalog sets for CurrentLevel
  4. Locks and transactions pair 1:1 on (UserID, SourceID)

SEE ALSO:
  - engine.go: the award orchestrator
  - store.go: persistence interfaces
  - thresholds.go, catalog.go: level policy
*/
package progression

import (
	"sort"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type SourceID string
type TransactionID string
type LevelUpID string

// Source is the category of event that produced an award.
type Source string

const (
	SourceReading   Source = "reading"
	SourceTask      Source = "task"
	SourceCommunity Source = "community"
	SourceLogin     Source = "login"
	SourceSystem    Source = "system"
)

// =============================================================================
// SET - sorted, duplicate-free string set
// =============================================================================

// Set is a sorted list of unique IDs. It is the one serialized form of
// unlocked content and permissions; it never carries duplicates.
type Set []string

// NewSet builds a Set from arbitrary items.
func NewSet(items ...string) Set {
	return Set(nil).Union(items)
}

// Union returns a new set containing s and items.
func (s Set) Union(items []string) Set {
	seen := make(map[string]struct{}, len(s)+len(items))
	out := make(Set, 0, len(s)+len(items))
	for _, group := range [][]string{s, items} {
		for _, it := range group {
			if it == "" {
				continue
			}
			if _, ok := seen[it]; ok {
				continue
			}
			seen[it] = struct{}{}
			out = append(out, it)
		}
	}
	sort.Strings(out)
	return out
}

// Contains reports whether id is in the set.
func (s Set) Contains(id string) bool {
	i := sort.SearchStrings(s, id)
	return i < len(s) && s[i] == id
}

// ContainsAll reports whether every member of other is in s.
func (s Set) ContainsAll(other Set) bool {
	for _, id := range other {
		if !s.Contains(id) {
			return false
		}
	}
	return true
}

// Diff returns the members of s that are not in other.
func (s Set) Diff(other Set) Set {
	out := Set{}
	for _, id := range s {
		if !other.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// =============================================================================
// PROGRESSION - per-user aggregate
// =============================================================================

type Progression struct {
	UserID              UserID
	TotalXP             int64
	CurrentXP           int64
	CurrentLevel        int
	UnlockedContent     Set
	UnlockedPermissions Set
	CompletedChapters   []int // sorted, unique
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasCompletedChapter reports whether chapter is in CompletedChapters.
func (p *Progression) HasCompletedChapter(chapter int) bool {
	i := sort.SearchInts(p.CompletedChapters, chapter)
	return i < len(p.CompletedChapters) && p.CompletedChapters[i] == chapter
}

// AddCompletedChapter inserts chapter, keeping the slice sorted and unique.
func (p *Progression) AddCompletedChapter(chapter int) {
	if p.HasCompletedChapter(chapter) {
		return
	}
	i := sort.SearchInts(p.CompletedChapters, chapter)
	p.CompletedChapters = append(p.CompletedChapters, 0)
	copy(p.CompletedChapters[i+1:], p.CompletedChapters[i:])
	p.CompletedChapters[i] = chapter
}

// Clone returns a deep copy so callers never alias store state.
func (p Progression) Clone() Progression {
	p.UnlockedContent = append(Set(nil), p.UnlockedContent...)
	p.UnlockedPermissions = append(Set(nil), p.UnlockedPermissions...)
	p.CompletedChapters = append([]int(nil), p.CompletedChapters...)
	return p
}

// =============================================================================
// LEDGER RECORDS - append-only
// =============================================================================

// Lock is the idempotency marker for one (user, source event) pair.
// Immutable once written.
type Lock struct {
	UserID    UserID
	SourceID  SourceID
	CreatedAt time.Time
}

// Transaction is the audit row for one applied award.
type Transaction struct {
	ID        TransactionID
	UserID    UserID
	Amount    int64
	Reason    string
	Source    Source
	SourceID  SourceID
	CreatedAt time.Time
}

// LevelUp records one level transition and the unlock snapshot it produced.
type LevelUp struct {
	ID                  LevelUpID
	UserID              UserID
	FromLevel           int
	ToLevel             int
	UnlockedContent     Set
	UnlockedPermissions Set
	CreatedAt           time.Time
}

// =============================================================================
// AWARD - orchestrator input and output
// =============================================================================

type AwardRequest struct {
	UserID   UserID
	Amount   int64
	Reason   string
	Source   Source
	SourceID SourceID
}

// Outcome tags how an award call ended.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeStorageFailure Outcome = "storage_failure"
)

type AwardResult struct {
	Outcome     Outcome
	Success     bool
	IsDuplicate bool

	NewTotalXP   int64
	NewCurrentXP int64
	NewLevel     int
	LeveledUp    bool

	// Set only when LeveledUp.
	FromLevel           int
	UnlockedContent     Set
	UnlockedPermissions Set
	LevelUpID           LevelUpID

	TransactionID TransactionID
}

func resultFromState(p Progression, outcome Outcome) AwardResult {
	return AwardResult{
		Outcome:      outcome,
		Success:      outcome == OutcomeApplied || outcome == OutcomeDuplicate,
		IsDuplicate:  outcome == OutcomeDuplicate,
		NewTotalXP:   p.TotalXP,
		NewCurrentXP: p.CurrentXP,
		NewLevel:     p.CurrentLevel,
	}
}
