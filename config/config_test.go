package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "xp.db", cfg.DBPath)
	assert.Equal(t, "dev", cfg.LogMode)
	assert.Zero(t, cfg.LockRetention.Duration, "retention disabled by default")
	assert.Equal(t, time.Hour, cfg.JanitorInterval.Duration)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A YAML file setting port and retention
	// WHEN: XP_PORT is also set
	// THEN: The env value wins, file values fill the rest

	path := filepath.Join(t.TempDir(), "xp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
db_path: /var/lib/xp/xp.db
log_mode: prod
lock_retention: 720h
policy_file: levels.yaml
`), 0o600))

	t.Setenv("XP_PORT", "9100")
	t.Setenv("XP_JANITOR_INTERVAL", "15m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "/var/lib/xp/xp.db", cfg.DBPath)
	assert.Equal(t, "prod", cfg.LogMode)
	assert.Equal(t, 720*time.Hour, cfg.LockRetention.Duration)
	assert.Equal(t, 15*time.Minute, cfg.JanitorInterval.Duration)
	assert.Equal(t, "levels.yaml", cfg.PolicyFile)
}

func TestApplyEnv_BadValues(t *testing.T) {
	cases := map[string]string{
		"XP_PORT":           "eighty",
		"XP_LOCK_RETENTION": "forever",
		"XP_HASH_USER_IDS":  "maybe",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				if k == key {
					return val, true
				}
				return "", false
			}
			err := applyEnv(Default(), lookup)
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	cfg.LogMode = "verbose"
	cfg.JanitorInterval = Duration{}

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "port")
	assert.ErrorContains(t, err, "log_mode")
	assert.ErrorContains(t, err, "janitor_interval")
}

func TestLoad_BadDurationInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lock_retention: soon\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
