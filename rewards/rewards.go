/*
Package rewards turns reader and community events into award requests.

PURPOSE:
  Callers (chapter-completion, task-grading and community handlers) should
  not invent source ids or amounts ad hoc. Each builder here produces a
  progression.AwardRequest with a source id that is stable per logical
  event, so a retried handler is recognized as a duplicate.

SOURCE IDS:
  chapter-<n>                     reading,   one per chapter
  task-submission-<id>            task,      one per graded submission
  community-<kind>-<ref>          community, one per post/comment/like
  daily-YYYY-MM-DD                login,     zero XP, marks the day processed

AMOUNTS:
  Rules holds the per-event amounts. Task awards scale with score using
  decimal arithmetic and round half up, so 95% of 25 XP is 24, not 23.

SEE ALSO:
  - progression/engine.go: consumes the requests
  - factory/policy.go: loads Rules from the policy file
*/
package rewards

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/xp-engine/progression"
)

// =============================================================================
// COMMUNITY
// =============================================================================

type CommunityKind string

const (
	CommunityPost         CommunityKind = "post"
	CommunityComment      CommunityKind = "comment"
	CommunityLikeReceived CommunityKind = "like-received"
)

// =============================================================================
// RULES
// =============================================================================

// Rules are the XP amounts per event.
type Rules struct {
	ChapterXP     int64
	TaskBaseXP    int64
	TaskPassScore int // below this score the submission is recorded with 0 XP
	Community     map[CommunityKind]int64
}

func DefaultRules() Rules {
	return Rules{
		ChapterXP:     30,
		TaskBaseXP:    25,
		TaskPassScore: 60,
		Community: map[CommunityKind]int64{
			CommunityPost:         10,
			CommunityComment:      5,
			CommunityLikeReceived: 2,
		},
	}
}

// Validate rejects negative amounts and out-of-range pass scores.
func (r Rules) Validate() error {
	if r.ChapterXP < 0 || r.TaskBaseXP < 0 {
		return fmt.Errorf("reward amounts must be >= 0")
	}
	if r.TaskPassScore < 0 || r.TaskPassScore > 100 {
		return fmt.Errorf("task pass score %d outside 0..100", r.TaskPassScore)
	}
	for kind, xp := range r.Community {
		if xp < 0 {
			return fmt.Errorf("community reward %q must be >= 0", kind)
		}
	}
	return nil
}

// =============================================================================
// BUILDERS
// =============================================================================

func (r Rules) ChapterCompleted(userID progression.UserID, chapter int) (progression.AwardRequest, error) {
	if chapter <= 0 {
		return progression.AwardRequest{}, &progression.ValidationError{Field: "chapter", Reason: "must be > 0"}
	}
	return progression.AwardRequest{
		UserID:   userID,
		Amount:   r.ChapterXP,
		Reason:   fmt.Sprintf("completed chapter %d", chapter),
		Source:   progression.SourceReading,
		SourceID: progression.ChapterSourceID(chapter),
	}, nil
}

// TaskSubmitted awards TaskBaseXP scaled by score/100. Failing scores still
// produce a request, with amount 0, so the submission is marked processed.
func (r Rules) TaskSubmitted(userID progression.UserID, submissionID string, score int) (progression.AwardRequest, error) {
	submissionID = strings.TrimSpace(submissionID)
	if submissionID == "" {
		return progression.AwardRequest{}, &progression.ValidationError{Field: "submission_id", Reason: "is required"}
	}
	if score < 0 || score > 100 {
		return progression.AwardRequest{}, &progression.ValidationError{Field: "score", Reason: "must be within 0..100"}
	}

	var amount int64
	if score >= r.TaskPassScore {
		amount = decimal.NewFromInt(r.TaskBaseXP).
			Mul(decimal.NewFromInt(int64(score))).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
	}
	return progression.AwardRequest{
		UserID:   userID,
		Amount:   amount,
		Reason:   fmt.Sprintf("task submission scored %d", score),
		Source:   progression.SourceTask,
		SourceID: progression.SourceID("task-submission-" + submissionID),
	}, nil
}

func (r Rules) CommunityReward(userID progression.UserID, kind CommunityKind, refID string) (progression.AwardRequest, error) {
	refID = strings.TrimSpace(refID)
	if refID == "" {
		return progression.AwardRequest{}, &progression.ValidationError{Field: "ref_id", Reason: "is required"}
	}
	amount, ok := r.Community[kind]
	if !ok {
		return progression.AwardRequest{}, &progression.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown community reward %q", kind)}
	}
	return progression.AwardRequest{
		UserID:   userID,
		Amount:   amount,
		Reason:   "community " + string(kind),
		Source:   progression.SourceCommunity,
		SourceID: progression.SourceID(fmt.Sprintf("community-%s-%s", kind, refID)),
	}, nil
}

// DailyLogin marks a day as processed without granting XP.
func DailyLogin(userID progression.UserID, day time.Time) progression.AwardRequest {
	return progression.AwardRequest{
		UserID:   userID,
		Amount:   0,
		Reason:   "daily login",
		Source:   progression.SourceLogin,
		SourceID: progression.SourceID("daily-" + day.UTC().Format("2006-01-02")),
	}
}
