package progression

import (
	"fmt"
	"regexp"
	"strconv"
)

var chapterSourcePattern = regexp.MustCompile(`^chapter-(\d{1,4})$`)

// ChapterSourceID is the canonical source id for finishing a chapter.
func ChapterSourceID(chapter int) SourceID {
	return SourceID(fmt.Sprintf("chapter-%d", chapter))
}

// ChapterFromSourceID extracts the chapter number from a "chapter-<n>" id.
// The engine uses it as a second dedup guard against CompletedChapters,
// independent of the lock table.
func ChapterFromSourceID(id SourceID) (int, bool) {
	m := chapterSourcePattern.FindStringSubmatch(string(id))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
