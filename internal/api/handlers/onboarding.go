// Package handlers contains the HTTP handlers for the onboarding bot.
//
// Bearer-authenticated operator routes live under /v1. The Slack Events API
// endpoint is mounted at the top level and verifies Slack's request signature
// itself.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bagbot/internal/core"
	"bagbot/internal/onboarding"
	"bagbot/internal/scheduler"
	"bagbot/internal/types"
)

// Welcomer starts onboarding for a user and arms the first step.
// *onboarding.Driver implements it.
type Welcomer interface {
	Welcome(ctx context.Context, userID string) (onboarding.Action, error)
}

// JobLister exposes the scheduler's current jobs. *scheduler.Scheduler
// implements it.
type JobLister interface {
	ListJobs() []*scheduler.Job
}

// TriggerOnboardingRequest is the body of POST /v1/onboarding.
type TriggerOnboardingRequest struct {
	UserID string `json:"userID" validate:"required,slackid"`
}

// TriggerOnboardingResponse describes the step armed for the user. When the
// user is waiting on a paused step, NextStep is that step and DelayMS is the
// time until its checked re-entry.
type TriggerOnboardingResponse struct {
	UserID        string `json:"userID"`
	NextStep      string `json:"nextStep,omitempty"`
	DelayMS       int64  `json:"delayMs"`
	AwaitingEvent bool   `json:"awaitingEvent,omitempty"`
}

// JobDTO is one entry of GET /v1/jobs.
type JobDTO struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userID"`
	State       string    `json:"state"`
	FireAt      time.Time `json:"fireAt"`
	RemainingMS int64     `json:"remainingMs"`
}

// OnboardingHandler serves the operator trigger and job listing routes.
type OnboardingHandler struct {
	welcomer  Welcomer
	jobs      JobLister
	validator *core.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewOnboardingHandler creates an OnboardingHandler.
func NewOnboardingHandler(w Welcomer, jobs JobLister, v *core.Validator, l *slog.Logger) *OnboardingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &OnboardingHandler{
		welcomer:  w,
		jobs:      jobs,
		validator: v,
		logger:    l,
		now:       time.Now,
	}
}

// RegisterRoutes mounts the handler on a /v1 router.
func (h *OnboardingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/onboarding", h.Trigger)
	r.Get("/jobs", h.ListJobs)
}

// Trigger handles POST /v1/onboarding. A user who has already started gets a
// 409 and no job is armed.
func (h *OnboardingHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerOnboardingRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	ctx := types.WithTriggerSource(r.Context(), types.TriggerSourceHTTP)
	action, err := h.welcomer.Welcome(ctx, req.UserID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeConflictOnboardingStarted) {
			h.logger.InfoContext(ctx, "onboarding trigger ignored", "user_id", req.UserID)
		} else {
			h.logger.ErrorContext(ctx, "onboarding trigger failed", "user_id", req.UserID, "error", err)
		}
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: triggerResponse(req.UserID, action)})
}

func triggerResponse(userID string, action onboarding.Action) TriggerOnboardingResponse {
	resp := TriggerOnboardingResponse{UserID: userID}
	switch action.Kind {
	case onboarding.ActionAdvance:
		resp.NextStep = action.Step
		resp.DelayMS = action.Delay.Milliseconds()
	case onboarding.ActionAwaitEvent:
		resp.NextStep = action.Current
		resp.DelayMS = action.Timeout.Milliseconds()
		resp.AwaitingEvent = true
	}
	return resp
}

// ListJobs handles GET /v1/jobs.
func (h *OnboardingHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	jobs := h.jobs.ListJobs()

	out := make([]JobDTO, 0, len(jobs))
	for _, j := range jobs {
		fireAt := j.FireAt()
		remaining := fireAt.Sub(now)
		if remaining < 0 || fireAt.IsZero() {
			remaining = 0
		}
		out = append(out, JobDTO{
			ID:          j.ID(),
			UserID:      j.Owner(),
			State:       j.State().String(),
			FireAt:      fireAt,
			RemainingMS: remaining.Milliseconds(),
		})
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out})
}
