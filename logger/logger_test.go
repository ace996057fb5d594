package logger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observed(opts Options) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return &Logger{
		SugaredLogger: zap.New(core).Sugar(),
		hashUserIDs:   opts.HashUserIDs,
		hashSalt:      opts.HashSalt,
	}, logs
}

func TestLogger_HashesUserIDWhenEnabled(t *testing.T) {
	l, logs := observed(Options{HashUserIDs: true, HashSalt: "pepper"})

	l.Info("xp awarded", "user_id", "reader-42", "amount", 10)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.True(t, strings.HasPrefix(fields["user_id"].(string), "hash:"))
	assert.NotContains(t, fields["user_id"], "reader-42")
	assert.EqualValues(t, 10, fields["amount"])
}

func TestLogger_ClearTextByDefault(t *testing.T) {
	l, logs := observed(Options{})

	l.With("user_id", "reader-42").Warn("duplicate award")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "reader-42", logs.All()[0].ContextMap()["user_id"])
}

func TestLogger_HashIsStablePerSalt(t *testing.T) {
	a, _ := observed(Options{HashUserIDs: true, HashSalt: "s1"})
	b, _ := observed(Options{HashUserIDs: true, HashSalt: "s2"})

	assert.Equal(t, a.hashValue("u1"), a.hashValue("u1"))
	assert.NotEqual(t, a.hashValue("u1"), b.hashValue("u1"))
	assert.Equal(t, "", a.hashValue(""))
}

func TestNew_Modes(t *testing.T) {
	for _, mode := range []string{"dev", "prod"} {
		l, err := New(mode, Options{})
		require.NoError(t, err, mode)
		l.Debug("hello")
	}
}
