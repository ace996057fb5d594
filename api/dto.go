/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the progression model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  AwardRequest.Amount is decoded as decimal.Decimal so "12.5", 1e3 and
  overlong numbers are inspected before they become int64. Handlers reject
  anything that is not a non-negative integer.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/xp-engine/progression"
)

// =============================================================================
// USERS / PROGRESSION
// =============================================================================

type CreateUserRequest struct {
	UserID string `json:"user_id"`
}

type ProgressionDTO struct {
	UserID              string   `json:"user_id"`
	TotalXP             int64    `json:"total_xp"`
	CurrentXP           int64    `json:"current_xp"`
	CurrentLevel        int      `json:"current_level"`
	XPToNextLevel       int64    `json:"xp_to_next_level"`
	UnlockedContent     []string `json:"unlocked_content"`
	UnlockedPermissions []string `json:"unlocked_permissions"`
	CompletedChapters   []int    `json:"completed_chapters"`
	CreatedAt           string   `json:"created_at"`
	UpdatedAt           string   `json:"updated_at"`
}

// =============================================================================
// AWARDS
// =============================================================================

type AwardRequest struct {
	Amount   *decimal.Decimal `json:"amount"`
	Reason   string           `json:"reason"`
	Source   string           `json:"source"`
	SourceID string           `json:"source_id"`
}

type AwardResultDTO struct {
	Outcome             string   `json:"outcome"`
	Success             bool     `json:"success"`
	IsDuplicate         bool     `json:"is_duplicate"`
	NewTotalXP          int64    `json:"new_total_xp"`
	NewCurrentXP        int64    `json:"new_current_xp"`
	NewLevel            int      `json:"new_level"`
	LeveledUp           bool     `json:"leveled_up"`
	FromLevel           *int     `json:"from_level,omitempty"`
	UnlockedContent     []string `json:"unlocked_content,omitempty"`
	UnlockedPermissions []string `json:"unlocked_permissions,omitempty"`
	LevelUpID           string   `json:"level_up_id,omitempty"`
	TransactionID       string   `json:"transaction_id,omitempty"`
}

// =============================================================================
// HISTORY
// =============================================================================

type TransactionDTO struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
	Source    string `json:"source"`
	SourceID  string `json:"source_id"`
	CreatedAt string `json:"created_at"`
}

type LevelUpDTO struct {
	ID                  string   `json:"id"`
	FromLevel           int      `json:"from_level"`
	ToLevel             int      `json:"to_level"`
	UnlockedContent     []string `json:"unlocked_content"`
	UnlockedPermissions []string `json:"unlocked_permissions"`
	CreatedAt           string   `json:"created_at"`
}

// =============================================================================
// LEVELS
// =============================================================================

type LevelDTO struct {
	Level       int      `json:"level"`
	MinXP       int64    `json:"min_xp"`
	Content     []string `json:"content"`
	Permissions []string `json:"permissions"`
}

// =============================================================================
// ADMIN
// =============================================================================

type RepairReportDTO struct {
	DryRun               bool     `json:"dry_run"`
	Clean                bool     `json:"clean"`
	OrphanedLocks        int      `json:"orphaned_locks"`
	OrphanedTransactions int      `json:"orphaned_transactions"`
	DriftedUsers         []string `json:"drifted_users"`
	LocksRemoved         int      `json:"locks_removed"`
	LocksRestored        int      `json:"locks_restored"`
	UsersFixed           int      `json:"users_fixed"`
	SkippedExpired       int      `json:"skipped_expired"`
}

type PurgeLocksResponse struct {
	Purged    int    `json:"purged"`
	Retention string `json:"retention"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Users       int    `json:"users"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	ScenarioID string `json:"scenario_id"`
	Users      int    `json:"users"`
	Awards     int    `json:"awards"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func strs(s progression.Set) []string {
	if s == nil {
		return []string{}
	}
	return []string(s)
}

func toProgressionDTO(p *progression.Progression, th progression.Thresholds) ProgressionDTO {
	_, toNext := th.Progress(p.TotalXP)
	chapters := p.CompletedChapters
	if chapters == nil {
		chapters = []int{}
	}
	return ProgressionDTO{
		UserID:              string(p.UserID),
		TotalXP:             p.TotalXP,
		CurrentXP:           p.CurrentXP,
		CurrentLevel:        p.CurrentLevel,
		XPToNextLevel:       toNext,
		UnlockedContent:     strs(p.UnlockedContent),
		UnlockedPermissions: strs(p.UnlockedPermissions),
		CompletedChapters:   chapters,
		CreatedAt:           formatTime(p.CreatedAt),
		UpdatedAt:           formatTime(p.UpdatedAt),
	}
}

func toAwardResultDTO(r progression.AwardResult) AwardResultDTO {
	dto := AwardResultDTO{
		Outcome:             string(r.Outcome),
		Success:             r.Success,
		IsDuplicate:         r.IsDuplicate,
		NewTotalXP:          r.NewTotalXP,
		NewCurrentXP:        r.NewCurrentXP,
		NewLevel:            r.NewLevel,
		LeveledUp:           r.LeveledUp,
		UnlockedContent:     r.UnlockedContent,
		UnlockedPermissions: r.UnlockedPermissions,
		LevelUpID:           string(r.LevelUpID),
		TransactionID:       string(r.TransactionID),
	}
	if r.LeveledUp {
		from := r.FromLevel
		dto.FromLevel = &from
	}
	return dto
}

func toTransactionDTOs(txs []progression.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, TransactionDTO{
			ID:        string(tx.ID),
			Amount:    tx.Amount,
			Reason:    tx.Reason,
			Source:    string(tx.Source),
			SourceID:  string(tx.SourceID),
			CreatedAt: formatTime(tx.CreatedAt),
		})
	}
	return out
}

func toLevelUpDTOs(lus []progression.LevelUp) []LevelUpDTO {
	out := make([]LevelUpDTO, 0, len(lus))
	for _, lu := range lus {
		out = append(out, LevelUpDTO{
			ID:                  string(lu.ID),
			FromLevel:           lu.FromLevel,
			ToLevel:             lu.ToLevel,
			UnlockedContent:     strs(lu.UnlockedContent),
			UnlockedPermissions: strs(lu.UnlockedPermissions),
			CreatedAt:           formatTime(lu.CreatedAt),
		})
	}
	return out
}

func toRepairReportDTO(r progression.RepairReport) RepairReportDTO {
	users := make([]string, 0, len(r.DriftedUsers))
	for _, u := range r.DriftedUsers {
		users = append(users, string(u))
	}
	return RepairReportDTO{
		DryRun:               r.DryRun,
		Clean:                r.Clean(),
		OrphanedLocks:        len(r.OrphanedLocks),
		OrphanedTransactions: len(r.OrphanedTransactions),
		DriftedUsers:         users,
		LocksRemoved:         r.LocksRemoved,
		LocksRestored:        r.LocksRestored,
		UsersFixed:           r.UsersFixed,
		SkippedExpired:       r.SkippedExpired,
	}
}
