/*
Package factory converts level policy files into engine configuration.

PURPOSE:
  Thresholds, unlock increments and reward amounts change more often than
  code. The factory reads them from JSON or YAML and builds validated
  progression.Thresholds, progression.Catalog and rewards.Rules.

SCHEMA (JSON shown; YAML uses the same keys):
  {
    "name": "red-mansion-v1",
    "levels": [
      {"level": 0, "min_xp": 0,  "content": ["chapters-1-5"], "permissions": ["read:chapters"]},
      {"level": 1, "min_xp": 90, "content": ["chapters-6-10"], "permissions": ["community:post"]}
    ],
    "rewards": {
      "chapter_xp": 30,
      "task_base_xp": 25,
      "task_pass_score": 60,
      "community": {"post": 10, "comment": 5, "like-received": 2}
    }
  }

  Instead of per-level min_xp, "level_step" builds 0, step, 2*step, ...
  for every listed level.

VALIDATION:
  - levels listed in order 0..N with no gaps
  - thresholds start at 0 and strictly increase
  - reward amounts >= 0

Unlock lists are increments; the catalog makes them cumulative, so a file
cannot make a higher level unlock less than a lower one.
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/rewards"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// FILE SCHEMA
// =============================================================================

type PolicyJSON struct {
	Name      string       `json:"name" yaml:"name"`
	LevelStep int64        `json:"level_step,omitempty" yaml:"level_step,omitempty"`
	Levels    []LevelJSON  `json:"levels" yaml:"levels"`
	Rewards   *RewardsJSON `json:"rewards,omitempty" yaml:"rewards,omitempty"`
}

type LevelJSON struct {
	Level       int      `json:"level" yaml:"level"`
	MinXP       *int64   `json:"min_xp,omitempty" yaml:"min_xp,omitempty"`
	Content     []string `json:"content,omitempty" yaml:"content,omitempty"`
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

type RewardsJSON struct {
	ChapterXP     *int64           `json:"chapter_xp,omitempty" yaml:"chapter_xp,omitempty"`
	TaskBaseXP    *int64           `json:"task_base_xp,omitempty" yaml:"task_base_xp,omitempty"`
	TaskPassScore *int             `json:"task_pass_score,omitempty" yaml:"task_pass_score,omitempty"`
	Community     map[string]int64 `json:"community,omitempty" yaml:"community,omitempty"`
}

// LevelPolicy is the parsed, validated result.
type LevelPolicy struct {
	Name       string
	Thresholds progression.Thresholds
	Catalog    progression.Catalog
	Rewards    rewards.Rules
}

// =============================================================================
// PARSING
// =============================================================================

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// LoadPolicyFile picks the format from the file extension.
func LoadPolicyFile(path string) (*LevelPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	p, err := ParsePolicy(data, format)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

func ParsePolicy(data []byte, format Format) (*LevelPolicy, error) {
	var pj PolicyJSON
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &pj)
	default:
		err = json.Unmarshal(data, &pj)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", progression.ErrInvalidPolicy, err)
	}
	return Build(pj)
}

// Build validates pj and constructs the engine configuration.
func Build(pj PolicyJSON) (*LevelPolicy, error) {
	if len(pj.Levels) == 0 {
		return nil, fmt.Errorf("%w: at least one level is required", progression.ErrInvalidPolicy)
	}

	mins := make([]int64, len(pj.Levels))
	increments := make([]progression.LevelUnlocks, len(pj.Levels))
	for i, lvl := range pj.Levels {
		if lvl.Level != i {
			return nil, fmt.Errorf("%w: level %d listed at position %d", progression.ErrInvalidPolicy, lvl.Level, i)
		}
		switch {
		case lvl.MinXP != nil:
			mins[i] = *lvl.MinXP
		case pj.LevelStep > 0:
			mins[i] = int64(i) * pj.LevelStep
		default:
			return nil, fmt.Errorf("%w: level %d has no min_xp and no level_step is set", progression.ErrInvalidPolicy, i)
		}
		increments[i] = progression.LevelUnlocks{Content: lvl.Content, Permissions: lvl.Permissions}
	}

	thresholds, err := progression.NewThresholds(mins)
	if err != nil {
		return nil, err
	}
	catalog, err := progression.NewCatalog(increments)
	if err != nil {
		return nil, err
	}

	rules := rewards.DefaultRules()
	if r := pj.Rewards; r != nil {
		if r.ChapterXP != nil {
			rules.ChapterXP = *r.ChapterXP
		}
		if r.TaskBaseXP != nil {
			rules.TaskBaseXP = *r.TaskBaseXP
		}
		if r.TaskPassScore != nil {
			rules.TaskPassScore = *r.TaskPassScore
		}
		if len(r.Community) > 0 {
			rules.Community = make(map[rewards.CommunityKind]int64, len(r.Community))
			for kind, xp := range r.Community {
				rules.Community[rewards.CommunityKind(kind)] = xp
			}
		}
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", progression.ErrInvalidPolicy, err)
	}

	name := pj.Name
	if name == "" {
		name = "unnamed"
	}
	return &LevelPolicy{Name: name, Thresholds: thresholds, Catalog: catalog, Rewards: rules}, nil
}

// =============================================================================
// PRESETS
// =============================================================================

// DefaultPolicy is the reference policy: levels 0..7, 90 XP apart, with
// progression.DefaultCatalog unlocks and rewards.DefaultRules amounts.
func DefaultPolicy() *LevelPolicy {
	return &LevelPolicy{
		Name:       "reference",
		Thresholds: progression.DefaultThresholds(),
		Catalog:    progression.DefaultCatalog(),
		Rewards:    rewards.DefaultRules(),
	}
}

// Export renders a policy back into the file schema.
func Export(p *LevelPolicy) PolicyJSON {
	pj := PolicyJSON{Name: p.Name}
	for lvl, minXP := range p.Thresholds.Values() {
		inc := p.Catalog.Increment(lvl)
		m := minXP
		pj.Levels = append(pj.Levels, LevelJSON{
			Level:       lvl,
			MinXP:       &m,
			Content:     inc.Content,
			Permissions: inc.Permissions,
		})
	}
	chapter, task, pass := p.Rewards.ChapterXP, p.Rewards.TaskBaseXP, p.Rewards.TaskPassScore
	community := make(map[string]int64, len(p.Rewards.Community))
	for kind, xp := range p.Rewards.Community {
		community[string(kind)] = xp
	}
	pj.Rewards = &RewardsJSON{ChapterXP: &chapter, TaskBaseXP: &task, TaskPassScore: &pass, Community: community}
	return pj
}
