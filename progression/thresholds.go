package progression

import (
	"fmt"
	"sort"
)

// Reference policy: eight levels, 90 XP apart.
const (
	DefaultMaxLevel  = 7
	DefaultLevelStep = 90
)

// Thresholds maps lifetime XP to a level. Index is the level, value is the
// minimum lifetime XP for it. Entry 0 is always 0 and the sequence is
// strictly increasing.
//
// XP beyond the top threshold keeps accumulating but the level stays at
// MaxLevel.
type Thresholds struct {
	mins []int64
}

// NewThresholds validates mins and returns a table.
func NewThresholds(mins []int64) (Thresholds, error) {
	if len(mins) == 0 {
		return Thresholds{}, fmt.Errorf("%w: no thresholds", ErrInvalidPolicy)
	}
	if mins[0] != 0 {
		return Thresholds{}, fmt.Errorf("%w: level 0 threshold must be 0, got %d", ErrInvalidPolicy, mins[0])
	}
	for i := 1; i < len(mins); i++ {
		if mins[i] <= mins[i-1] {
			return Thresholds{}, fmt.Errorf("%w: threshold for level %d (%d) not above level %d (%d)",
				ErrInvalidPolicy, i, mins[i], i-1, mins[i-1])
		}
	}
	return Thresholds{mins: append([]int64(nil), mins...)}, nil
}

// LinearThresholds builds 0, step, 2*step, ... maxLevel*step.
func LinearThresholds(step int64, maxLevel int) (Thresholds, error) {
	if step <= 0 || maxLevel < 0 {
		return Thresholds{}, fmt.Errorf("%w: step %d, max level %d", ErrInvalidPolicy, step, maxLevel)
	}
	mins := make([]int64, maxLevel+1)
	for lvl := range mins {
		mins[lvl] = int64(lvl) * step
	}
	return NewThresholds(mins)
}

// DefaultThresholds is the reference table: 0, 90, ..., 630.
func DefaultThresholds() Thresholds {
	t, _ := LinearThresholds(DefaultLevelStep, DefaultMaxLevel)
	return t
}

// MaxLevel is the highest reachable level.
func (t Thresholds) MaxLevel() int { return len(t.mins) - 1 }

// LevelFor returns the highest level whose threshold is <= totalXP.
func (t Thresholds) LevelFor(totalXP int64) int {
	if totalXP <= 0 {
		return 0
	}
	// First index whose threshold exceeds totalXP, minus one.
	return sort.Search(len(t.mins), func(i int) bool { return t.mins[i] > totalXP }) - 1
}

// Threshold returns the minimum lifetime XP for level, clamped to the table.
func (t Thresholds) Threshold(level int) int64 {
	if level <= 0 {
		return 0
	}
	if level > t.MaxLevel() {
		level = t.MaxLevel()
	}
	return t.mins[level]
}

// Progress returns XP into the current level and XP still needed for the
// next one. At MaxLevel the remainder is 0.
func (t Thresholds) Progress(totalXP int64) (inLevel, toNext int64) {
	lvl := t.LevelFor(totalXP)
	inLevel = totalXP - t.Threshold(lvl)
	if lvl >= t.MaxLevel() {
		return inLevel, 0
	}
	return inLevel, t.mins[lvl+1] - totalXP
}

// Values returns a copy of the table.
func (t Thresholds) Values() []int64 {
	return append([]int64(nil), t.mins...)
}
