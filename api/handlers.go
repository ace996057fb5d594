/*
handlers.go - HTTP API handlers for the XP engine

PURPOSE:
  Exposes the progression engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Users:
    POST   /api/users                          Provision a user
    GET    /api/users/{id}/progression         Current progression
    POST   /api/users/{id}/xp                  Award XP
    GET    /api/users/{id}/transactions        Award history (?limit=)
    GET    /api/users/{id}/level-ups           Level transitions
    POST   /api/users/{id}/rewards/chapters/{n} Chapter completion award

  Levels:
    GET    /api/levels                         Thresholds and unlocks

  Admin:
    POST   /api/admin/repair                   Reconcile locks (?dry_run=)
    POST   /api/admin/locks/purge              Lock retention GC

  Scenarios:
    GET    /api/scenarios                      List demo scenarios
    GET    /api/scenarios/current              Currently loaded scenario
    POST   /api/scenarios/load                 Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: award orchestration and reads
  - Rules: reward amounts for the chapter endpoint
  - Store: reset hook for demo scenarios

ERROR HANDLING:
  Award outcomes map to status codes in writeAwardError:
  - 200: applied or duplicate (duplicates are not errors)
  - 400: invalid input           code=invalid
  - 404: user not provisioned    code=not_found
  - 503: storage failure         code=storage_failure (safe to retry)

SECURITY NOTE:
  No authentication. Admin and scenario routes must not be exposed publicly.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/xp-engine/logger"
	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter wipes all progression data. Only scenario loading uses it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *progression.Engine
	Rules  rewards.Rules
	Store  Resetter
	Log    *logger.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. store may be nil, which disables
// scenario loading.
func NewHandler(engine *progression.Engine, rules rewards.Rules, store Resetter, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{Engine: engine, Rules: rules, Store: store, Log: log}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser provisions a progression record. Repeating it is harmless.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Engine.Provision(r.Context(), progression.UserID(req.UserID))
	if err != nil {
		if progression.IsClientError(err) {
			writeError(w, http.StatusBadRequest, "Invalid user", err)
			return
		}
		h.Log.Error("provision failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Failed to provision user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProgressionDTO(p, h.Engine.Thresholds()))
}

// GetProgression returns the user's level, XP and unlocks.
func (h *Handler) GetProgression(w http.ResponseWriter, r *http.Request) {
	userID := progression.UserID(chi.URLParam(r, "id"))

	p, err := h.Engine.GetProgression(r.Context(), userID)
	if err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgressionDTO(p, h.Engine.Thresholds()))
}

// =============================================================================
// AWARD HANDLERS
// =============================================================================

// AwardXP applies one award. The source_id makes retries safe.
func (h *Handler) AwardXP(w http.ResponseWriter, r *http.Request) {
	userID := progression.UserID(chi.URLParam(r, "id"))

	var req AwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeAwardError(w, err)
		return
	}

	res, err := h.Engine.Award(r.Context(), progression.AwardRequest{
		UserID:   userID,
		Amount:   amount,
		Reason:   req.Reason,
		Source:   progression.Source(req.Source),
		SourceID: progression.SourceID(req.SourceID),
	})
	if err != nil {
		writeAwardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAwardResultDTO(res))
}

// CompleteChapter awards the configured chapter XP for chapter {n}.
func (h *Handler) CompleteChapter(w http.ResponseWriter, r *http.Request) {
	userID := progression.UserID(chi.URLParam(r, "id"))

	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		writeAwardError(w, &progression.ValidationError{Field: "chapter", Reason: "must be an integer"})
		return
	}
	req, err := h.Rules.ChapterCompleted(userID, n)
	if err != nil {
		writeAwardError(w, err)
		return
	}

	res, err := h.Engine.Award(r.Context(), req)
	if err != nil {
		writeAwardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAwardResultDTO(res))
}

// parseAmount accepts non-negative integral amounts that fit in int64.
func parseAmount(d *decimal.Decimal) (int64, error) {
	switch {
	case d == nil:
		return 0, &progression.ValidationError{Field: "amount", Reason: "is required"}
	case d.IsNegative():
		return 0, &progression.ValidationError{Field: "amount", Reason: "must be >= 0"}
	case !d.IsInteger():
		return 0, &progression.ValidationError{Field: "amount", Reason: "must be a whole number"}
	case d.GreaterThan(decimal.NewFromInt(math.MaxInt64)):
		return 0, &progression.ValidationError{Field: "amount", Reason: "is too large"}
	}
	return d.IntPart(), nil
}

// =============================================================================
// HISTORY HANDLERS
// =============================================================================

// GetTransactions returns award history, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := progression.UserID(chi.URLParam(r, "id"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	txs, err := h.Engine.GetTransactionHistory(r.Context(), userID, limit)
	if err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetLevelUps returns level transitions, oldest first.
func (h *Handler) GetLevelUps(w http.ResponseWriter, r *http.Request) {
	userID := progression.UserID(chi.URLParam(r, "id"))

	lus, err := h.Engine.GetLevelUpHistory(r.Context(), userID)
	if err != nil {
		writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLevelUpDTOs(lus))
}

// =============================================================================
// LEVELS
// =============================================================================

// ListLevels describes every level: its threshold and what it adds.
func (h *Handler) ListLevels(w http.ResponseWriter, r *http.Request) {
	th := h.Engine.Thresholds()
	cat := h.Engine.Catalog()

	levels := make([]LevelDTO, 0, th.MaxLevel()+1)
	for lvl, minXP := range th.Values() {
		inc := cat.Increment(lvl)
		levels = append(levels, LevelDTO{
			Level:       lvl,
			MinXP:       minXP,
			Content:     nonNil(inc.Content),
			Permissions: nonNil(inc.Permissions),
		})
	}
	writeJSON(w, http.StatusOK, levels)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Repair reconciles locks, transactions and progression rows.
func (h *Handler) Repair(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	report, err := h.Engine.Repair(r.Context(), progression.RepairOptions{DryRun: dryRun})
	if err != nil {
		if errors.Is(err, progression.ErrRepairUnsupported) {
			writeError(w, http.StatusNotImplemented, "Store does not support repair", err)
			return
		}
		h.Log.Error("repair failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Repair failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRepairReportDTO(report))
}

// PurgeLocks runs lock retention GC once.
func (h *Handler) PurgeLocks(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.PurgeLocks(r.Context())
	if err != nil {
		if errors.Is(err, progression.ErrLockRetentionDisabled) {
			writeError(w, http.StatusConflict, "Lock retention is disabled", err)
			return
		}
		h.Log.Error("purge locks failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Purge failed", err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeLocksResponse{Purged: n, Retention: h.Engine.LockRetention().String()})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeAwardError maps an award error onto its status code and outcome tag.
func writeAwardError(w http.ResponseWriter, err error) {
	outcome := progression.OutcomeFor(err)
	status := http.StatusServiceUnavailable
	message := "Storage failure, retry the request"
	switch outcome {
	case progression.OutcomeInvalid:
		status, message = http.StatusBadRequest, "Invalid award"
	case progression.OutcomeNotFound:
		status, message = http.StatusNotFound, "User not found"
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: string(outcome), Details: err.Error()})
}

func writeReadError(w http.ResponseWriter, err error) {
	switch {
	case progression.IsNotFound(err):
		writeError(w, http.StatusNotFound, "User not found", err)
	case progression.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		writeError(w, http.StatusServiceUnavailable, "Storage failure", err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
