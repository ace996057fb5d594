// Package config loads server settings from an optional YAML file and
// XP_* environment variables. Command-line flags are applied on top by
// cmd/server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port       int    `yaml:"port"`
	DBPath     string `yaml:"db_path"`
	LogMode    string `yaml:"log_mode"` // dev | prod
	PolicyFile string `yaml:"policy_file"`

	// HashUserIDs replaces user ids in logs with a salted hash.
	HashUserIDs bool   `yaml:"hash_user_ids"`
	HashSalt    string `yaml:"hash_salt"`

	LockRetention   Duration `yaml:"lock_retention"`
	JanitorInterval Duration `yaml:"janitor_interval"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Duration accepts "36h"-style strings in YAML and env values.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	s := strings.TrimSpace(node.Value)
	if s == "" || s == "0" {
		d.Duration = 0
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func Default() *Config {
	return &Config{
		Port:            8080,
		DBPath:          "xp.db",
		LogMode:         "dev",
		LockRetention:   Duration{0},
		JanitorInterval: Duration{time.Hour},
		AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
	}
}

// Load reads path (skipped when empty), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path = strings.TrimSpace(path); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("XP_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("XP_PORT: %w", err)
		}
		cfg.Port = n
	}
	if v, ok := get("XP_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := get("XP_LOG_MODE"); ok {
		cfg.LogMode = v
	}
	if v, ok := get("XP_POLICY_FILE"); ok {
		cfg.PolicyFile = v
	}
	if v, ok := get("XP_HASH_USER_IDS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("XP_HASH_USER_IDS: %w", err)
		}
		cfg.HashUserIDs = b
	}
	if v, ok := get("XP_HASH_SALT"); ok {
		cfg.HashSalt = v
	}
	if v, ok := get("XP_LOCK_RETENTION"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("XP_LOCK_RETENTION: %w", err)
		}
		cfg.LockRetention = Duration{d}
	}
	if v, ok := get("XP_JANITOR_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("XP_JANITOR_INTERVAL: %w", err)
		}
		cfg.JanitorInterval = Duration{d}
	}
	if v, ok := get("XP_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = strings.Split(v, ",")
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	switch c.LogMode {
	case "dev", "prod":
	default:
		errs = append(errs, fmt.Errorf("log_mode %q must be dev or prod", c.LogMode))
	}
	if c.LockRetention.Duration < 0 {
		errs = append(errs, errors.New("lock_retention must be >= 0"))
	}
	if c.JanitorInterval.Duration <= 0 {
		errs = append(errs, errors.New("janitor_interval must be > 0"))
	}
	return errors.Join(errs...)
}
