package progression

import "fmt"

// LevelUnlocks is what a single level adds on top of the levels below it.
type LevelUnlocks struct {
	Content     []string
	Permissions []string
}

// Catalog resolves a level to its cumulative unlock sets. Sets are built by
// union over levels 0..L, so a higher level always contains everything a
// lower level does. Editing a level's increment can only add.
type Catalog struct {
	content     []Set // cumulative, index = level
	permissions []Set
}

// NewCatalog precomputes cumulative sets from per-level increments.
func NewCatalog(levels []LevelUnlocks) (Catalog, error) {
	if len(levels) == 0 {
		return Catalog{}, fmt.Errorf("%w: catalog has no levels", ErrInvalidPolicy)
	}
	c := Catalog{
		content:     make([]Set, len(levels)),
		permissions: make([]Set, len(levels)),
	}
	var content, perms Set
	for lvl, inc := range levels {
		content = content.Union(inc.Content)
		perms = perms.Union(inc.Permissions)
		c.content[lvl] = content
		c.permissions[lvl] = perms
	}
	return c, nil
}

// Levels is the number of levels the catalog defines.
func (c Catalog) Levels() int { return len(c.content) }

// ContentFor returns every content ID unlocked at or below level.
func (c Catalog) ContentFor(level int) Set {
	return cloneSet(c.at(c.content, level))
}

// PermissionsFor returns every permission ID unlocked at or below level.
func (c Catalog) PermissionsFor(level int) Set {
	return cloneSet(c.at(c.permissions, level))
}

// Increment returns what level adds over level-1.
func (c Catalog) Increment(level int) LevelUnlocks {
	cur := c.at(c.content, level)
	curPerm := c.at(c.permissions, level)
	if level <= 0 {
		return LevelUnlocks{Content: cloneSet(cur), Permissions: cloneSet(curPerm)}
	}
	return LevelUnlocks{
		Content:     cur.Diff(c.at(c.content, level-1)),
		Permissions: curPerm.Diff(c.at(c.permissions, level-1)),
	}
}

func (c Catalog) at(sets []Set, level int) Set {
	if len(sets) == 0 || level < 0 {
		return nil
	}
	if level >= len(sets) {
		level = len(sets) - 1
	}
	return sets[level]
}

func cloneSet(s Set) Set {
	return append(Set{}, s...)
}

// DefaultCatalog is the reference unlock catalog for the reading app.
// Levels 0..7 line up with DefaultThresholds.
func DefaultCatalog() Catalog {
	c, _ := NewCatalog([]LevelUnlocks{
		{ // 0: new reader
			Content:     []string{"chapters-1-5", "character-intro-basic"},
			Permissions: []string{"read:chapters", "community:read"},
		},
		{ // 1
			Content:     []string{"chapters-6-10", "poetry-collection-1"},
			Permissions: []string{"community:post", "notes:create"},
		},
		{ // 2
			Content:     []string{"chapters-11-20", "character-relationships"},
			Permissions: []string{"community:comment", "ai:qa-basic"},
		},
		{ // 3
			Content:     []string{"chapters-21-40", "poetry-collection-2", "garden-map"},
			Permissions: []string{"community:create-group"},
		},
		{ // 4
			Content:     []string{"chapters-41-60", "expert-commentary-1"},
			Permissions: []string{"ai:qa-advanced"},
		},
		{ // 5
			Content:     []string{"chapters-61-80", "expert-commentary-2"},
			Permissions: []string{"community:moderate-own"},
		},
		{ // 6
			Content:     []string{"chapters-81-100", "redology-essays"},
			Permissions: []string{"ai:essay-review"},
		},
		{ // 7
			Content:     []string{"chapters-101-120", "manuscript-variants"},
			Permissions: []string{"community:mentor", "content:suggest"},
		},
	})
	return c
}
