package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/xp-engine/progression"
)

func TestLockJanitor_DisabledWithoutRetention(t *testing.T) {
	s := newTestServer(t)
	j := NewLockJanitor(s.engine, nil)

	assert.False(t, j.Start())
	j.Stop()

	runs, purged := j.Stats()
	assert.Zero(t, runs)
	assert.Zero(t, purged)
}

func TestLockJanitor_PurgesOnStart(t *testing.T) {
	// GIVEN: 1h retention and a lock written two hours ago
	// WHEN: The janitor starts
	// THEN: Its first run purges the lock

	s := newTestServer(t, withRetention(time.Hour))
	s.createUser("reader-1")
	_, err := s.engine.Award(context.Background(), progression.AwardRequest{
		UserID: "reader-1", Amount: 10, SourceID: "task-submission-1",
	})
	require.NoError(t, err)
	s.clock.Advance(2 * time.Hour)

	j := NewLockJanitor(s.engine, nil)
	j.Interval = time.Hour
	require.True(t, j.Start())
	assert.True(t, j.Start(), "second Start is a no-op")
	defer j.Stop()

	assert.Eventually(t, func() bool {
		runs, _ := j.Stats()
		return runs >= 1
	}, 2*time.Second, 10*time.Millisecond)

	_, purged := j.Stats()
	assert.Equal(t, 1, purged)

	locked, err := s.store.LockExists(context.Background(), "reader-1", "task-submission-1")
	require.NoError(t, err)
	assert.False(t, locked)
}
