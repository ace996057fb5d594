/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with readers at
	interesting points of the level curve. Every award goes through
	Engine.Award, so seeded data obeys the same invariants as live traffic.

AVAILABLE SCENARIOS:

	first-chapter:  One reader, 95 XP for chapter-1, reaches level 1
	near-max:       Reader at 625 XP, five short of level 7
	max-level:      Reader past the cap still accumulating XP
	daily-logins:   A week of zero-XP login markers plus replays
	book-club:      Several readers with chapters, tasks and community events

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Provision each reader
 3. Replay the reader's events in order (one goroutine per reader)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "book-club"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: admin and award handlers
  - rewards/rewards.go: event builders used by the seeds
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/rewards"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type seedReader struct {
	id     progression.UserID
	events func(rewards.Rules, progression.UserID) ([]progression.AwardRequest, error)
}

type scenario struct {
	ScenarioDTO
	readers []seedReader
}

var scenarioDay = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "first-chapter",
			Name:        "First Chapter",
			Description: "A new reader earns 95 XP for chapter 1 and reaches level 1",
		},
		readers: []seedReader{{id: "reader-daiyu", events: func(_ rewards.Rules, u progression.UserID) ([]progression.AwardRequest, error) {
			return []progression.AwardRequest{
				{UserID: u, Amount: 95, Source: progression.SourceReading, SourceID: "chapter-1", Reason: "completed chapter 1"},
			}, nil
		}}},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "near-max",
			Name:        "Near Max Level",
			Description: "Reader at 625 XP (level 6) about to cross into level 7",
		},
		readers: []seedReader{{id: "reader-baochai", events: func(_ rewards.Rules, u progression.UserID) ([]progression.AwardRequest, error) {
			return []progression.AwardRequest{
				{UserID: u, Amount: 625, Source: progression.SourceSystem, SourceID: "migration-import", Reason: "imported from previous platform"},
			}, nil
		}}},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "max-level",
			Name:        "Max Level",
			Description: "Reader at level 7 keeps accumulating lifetime XP",
		},
		readers: []seedReader{{id: "reader-xifeng", events: func(r rewards.Rules, u progression.UserID) ([]progression.AwardRequest, error) {
			reqs := []progression.AwardRequest{
				{UserID: u, Amount: 700, Source: progression.SourceSystem, SourceID: "migration-import", Reason: "imported from previous platform"},
			}
			post, err := r.CommunityReward(u, rewards.CommunityPost, "welcome-thread")
			if err != nil {
				return nil, err
			}
			return append(reqs, post), nil
		}}},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "daily-logins",
			Name:        "Daily Logins",
			Description: "A week of zero-XP login markers, each delivered twice",
		},
		readers: []seedReader{{id: "reader-xiangyun", events: func(_ rewards.Rules, u progression.UserID) ([]progression.AwardRequest, error) {
			var reqs []progression.AwardRequest
			for d := 0; d < 7; d++ {
				login := rewards.DailyLogin(u, scenarioDay.AddDate(0, 0, d))
				reqs = append(reqs, login, login)
			}
			return reqs, nil
		}}},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "book-club",
			Name:        "Book Club",
			Description: "Several readers with chapters, graded tasks and community activity",
		},
		readers: []seedReader{
			{id: "reader-baoyu", events: bookClubEvents(12, []int{95, 80}, 3)},
			{id: "reader-tanchun", events: bookClubEvents(20, []int{100, 100, 70}, 6)},
			{id: "reader-miaoyu", events: bookClubEvents(3, []int{40}, 0)},
			{id: "reader-xiren", events: bookClubEvents(8, nil, 10)},
		},
	},
}

// bookClubEvents reads chapters 1..n, submits graded tasks and posts.
// Chapter 1 is delivered twice to show deduplication.
func bookClubEvents(chapters int, scores []int, posts int) func(rewards.Rules, progression.UserID) ([]progression.AwardRequest, error) {
	return func(r rewards.Rules, u progression.UserID) ([]progression.AwardRequest, error) {
		var reqs []progression.AwardRequest
		for n := 1; n <= chapters; n++ {
			req, err := r.ChapterCompleted(u, n)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
			if n == 1 {
				reqs = append(reqs, req)
			}
		}
		for i, score := range scores {
			req, err := r.TaskSubmitted(u, fmt.Sprintf("%s-%d", u, i+1), score)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		}
		for i := 0; i < posts; i++ {
			req, err := r.CommunityReward(u, rewards.CommunityPost, fmt.Sprintf("%s-post-%d", u, i+1))
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		}
		return reqs, nil
	}
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dto := s.ScenarioDTO
		dto.Users = len(s.readers)
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	s, ok := findScenario(current)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	dto := s.ScenarioDTO
	dto.Users = len(s.readers)
	writeJSON(w, http.StatusOK, dto)
}

// LoadScenario resets the store and seeds a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	awards, err := h.seed(ctx, s)
	if err != nil {
		h.Log.Error("scenario load failed", "scenario", s.ID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario %s", s.ID), err)
		return
	}
	h.currentScenario = s.ID
	h.Log.Info("scenario loaded", "scenario", s.ID, "users", len(s.readers), "awards", awards)

	writeJSON(w, http.StatusOK, LoadScenarioResponse{ScenarioID: s.ID, Users: len(s.readers), Awards: awards})
}

// seed provisions every reader and replays their events. Readers run in
// parallel; one reader's events stay in order.
func (h *Handler) seed(ctx context.Context, s scenario) (int, error) {
	var applied atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for _, reader := range s.readers {
		g.Go(func() error {
			if _, err := h.Engine.Provision(ctx, reader.id); err != nil {
				return fmt.Errorf("provision %s: %w", reader.id, err)
			}
			reqs, err := reader.events(h.Rules, reader.id)
			if err != nil {
				return fmt.Errorf("build events for %s: %w", reader.id, err)
			}
			for _, req := range reqs {
				res, err := h.Engine.Award(ctx, req)
				if err != nil {
					return fmt.Errorf("award %s/%s: %w", req.UserID, req.SourceID, err)
				}
				if res.Outcome == progression.OutcomeApplied {
					applied.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return int(applied.Load()), nil
}
