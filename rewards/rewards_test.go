package rewards_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/progression/store"
	"github.com/warp/xp-engine/rewards"
)

// =============================================================================
// BUILDERS
// =============================================================================

func TestChapterCompleted_UsesChapterSourceID(t *testing.T) {
	rules := rewards.DefaultRules()

	req, err := rules.ChapterCompleted("u1", 12)
	require.NoError(t, err)

	assert.Equal(t, progression.SourceID("chapter-12"), req.SourceID)
	assert.Equal(t, progression.SourceReading, req.Source)
	assert.Equal(t, rules.ChapterXP, req.Amount)

	_, err = rules.ChapterCompleted("u1", 0)
	assert.ErrorIs(t, err, progression.ErrInvalidAward)
}

func TestTaskSubmitted_ScalesWithScore(t *testing.T) {
	rules := rewards.DefaultRules() // base 25, pass 60

	cases := []struct {
		score int
		want  int64
	}{
		{100, 25},
		{95, 24}, // 23.75 rounds half up
		{60, 15},
		{59, 0},
		{0, 0},
	}
	for _, c := range cases {
		req, err := rules.TaskSubmitted("u1", "sub-7", c.score)
		require.NoError(t, err)
		assert.Equal(t, c.want, req.Amount, "score %d", c.score)
		assert.Equal(t, progression.SourceID("task-submission-sub-7"), req.SourceID)
	}

	_, err := rules.TaskSubmitted("u1", "sub-7", 101)
	assert.ErrorIs(t, err, progression.ErrInvalidAward)
	_, err = rules.TaskSubmitted("u1", "  ", 80)
	assert.ErrorIs(t, err, progression.ErrInvalidAward)
}

func TestCommunityReward_KnownKindsOnly(t *testing.T) {
	rules := rewards.DefaultRules()

	req, err := rules.CommunityReward("u1", rewards.CommunityPost, "p-42")
	require.NoError(t, err)
	assert.Equal(t, progression.SourceID("community-post-p-42"), req.SourceID)
	assert.Equal(t, int64(10), req.Amount)

	_, err = rules.CommunityReward("u1", rewards.CommunityKind("share"), "p-42")
	assert.ErrorIs(t, err, progression.ErrInvalidAward)
}

func TestDailyLogin_ZeroAmountPerDay(t *testing.T) {
	day := time.Date(2026, time.March, 3, 23, 30, 0, 0, time.UTC)
	req := rewards.DailyLogin("u1", day)

	assert.Equal(t, int64(0), req.Amount)
	assert.Equal(t, progression.SourceID("daily-2026-03-03"), req.SourceID)
}

func TestRules_Validate(t *testing.T) {
	r := rewards.DefaultRules()
	assert.NoError(t, r.Validate())

	r.TaskPassScore = 120
	assert.Error(t, r.Validate())

	r = rewards.DefaultRules()
	r.Community[rewards.CommunityComment] = -1
	assert.Error(t, r.Validate())
}

// =============================================================================
// END TO END
// =============================================================================

func TestRewards_RetriedEventsAreDuplicates(t *testing.T) {
	// GIVEN: A provisioned reader
	// WHEN: The same chapter, task and login events are delivered twice
	// THEN: Each is applied once and total XP counts them once

	ctx := context.Background()
	engine := progression.NewEngine(store.NewMemory(), progression.Options{})
	_, err := engine.Provision(ctx, "reader")
	require.NoError(t, err)

	rules := rewards.DefaultRules()
	chapter, err := rules.ChapterCompleted("reader", 1)
	require.NoError(t, err)
	task, err := rules.TaskSubmitted("reader", "s-1", 100)
	require.NoError(t, err)
	login := rewards.DailyLogin("reader", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 2; i++ {
		for _, req := range []progression.AwardRequest{chapter, task, login} {
			res, err := engine.Award(ctx, req)
			require.NoError(t, err)
			if i == 0 {
				assert.Equal(t, progression.OutcomeApplied, res.Outcome)
			} else {
				assert.Equal(t, progression.OutcomeDuplicate, res.Outcome)
			}
		}
	}

	p, err := engine.GetProgression(ctx, "reader")
	require.NoError(t, err)
	assert.Equal(t, rules.ChapterXP+rules.TaskBaseXP, p.TotalXP)
	assert.Equal(t, []int{1}, p.CompletedChapters)

	txs, err := engine.GetTransactionHistory(ctx, "reader", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}
