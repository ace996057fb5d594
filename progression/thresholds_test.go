package progression_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/xp-engine/progression"
)

func TestDefaultThresholds_LevelFor(t *testing.T) {
	th := progression.DefaultThresholds()

	cases := []struct {
		xp    int64
		level int
	}{
		{0, 0},
		{89, 0},
		{90, 1},
		{179, 1},
		{180, 2},
		{629, 6},
		{630, 7},
		{100000, 7},
	}
	for _, c := range cases {
		assert.Equal(t, c.level, th.LevelFor(c.xp), "xp=%d", c.xp)
	}
	assert.Equal(t, 7, th.MaxLevel())
	assert.Equal(t, []int64{0, 90, 180, 270, 360, 450, 540, 630}, th.Values())
}

func TestThresholds_Progress(t *testing.T) {
	th := progression.DefaultThresholds()

	in, next := th.Progress(95)
	assert.Equal(t, int64(5), in)
	assert.Equal(t, int64(85), next)

	in, next = th.Progress(700)
	assert.Equal(t, int64(70), in)
	assert.Equal(t, int64(0), next, "no next level past the cap")
}

func TestNewThresholds_Validation(t *testing.T) {
	_, err := progression.NewThresholds(nil)
	assert.ErrorIs(t, err, progression.ErrInvalidPolicy)

	_, err = progression.NewThresholds([]int64{10, 20})
	assert.ErrorIs(t, err, progression.ErrInvalidPolicy, "level 0 must start at 0")

	_, err = progression.NewThresholds([]int64{0, 50, 50})
	assert.ErrorIs(t, err, progression.ErrInvalidPolicy, "thresholds must strictly increase")

	th, err := progression.NewThresholds([]int64{0, 10, 100, 1000})
	require.NoError(t, err)
	assert.Equal(t, 2, th.LevelFor(999))
	assert.Equal(t, int64(1000), th.Threshold(99), "threshold clamps to the last level")
}

func TestLinearThresholds(t *testing.T) {
	th, err := progression.LinearThresholds(100, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 100, 200, 300}, th.Values())

	_, err = progression.LinearThresholds(0, 3)
	assert.Error(t, err)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCatalog_Cumulative(t *testing.T) {
	c, err := progression.NewCatalog([]progression.LevelUnlocks{
		{Content: []string{"a"}, Permissions: []string{"read"}},
		{Content: []string{"b"}},
		{Content: []string{"c", "a"}, Permissions: []string{"post"}},
	})
	require.NoError(t, err)

	assert.Equal(t, progression.Set{"a"}, c.ContentFor(0))
	assert.Equal(t, progression.Set{"a", "b"}, c.ContentFor(1))
	assert.Equal(t, progression.Set{"a", "b", "c"}, c.ContentFor(2))
	assert.Equal(t, progression.Set{"post", "read"}, c.PermissionsFor(2))
	assert.Equal(t, c.ContentFor(2), c.ContentFor(10), "levels past the catalog clamp")

	inc := c.Increment(2)
	assert.Equal(t, []string{"c"}, inc.Content)
	assert.Equal(t, []string{"post"}, inc.Permissions)
}

func TestCatalog_ReturnsCopies(t *testing.T) {
	c := progression.DefaultCatalog()
	got := c.ContentFor(3)
	got[0] = "mutated"
	assert.NotEqual(t, "mutated", c.ContentFor(3)[0])
}

func TestDefaultCatalog_Monotonic(t *testing.T) {
	c := progression.DefaultCatalog()
	require.Equal(t, progression.DefaultMaxLevel+1, c.Levels())
	for lvl := 1; lvl < c.Levels(); lvl++ {
		assert.True(t, c.ContentFor(lvl).ContainsAll(c.ContentFor(lvl-1)), "content level %d", lvl)
		assert.True(t, c.PermissionsFor(lvl).ContainsAll(c.PermissionsFor(lvl-1)), "permissions level %d", lvl)
	}
}

func TestSet_Union(t *testing.T) {
	s := progression.NewSet("b", "a")
	s = s.Union([]string{"c", "a", ""})
	assert.Equal(t, progression.Set{"a", "b", "c"}, s)
	assert.True(t, s.Contains("b"))
	assert.Equal(t, progression.Set{"c"}, s.Diff(progression.NewSet("a", "b")))
}
