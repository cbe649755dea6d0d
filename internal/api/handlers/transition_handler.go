package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/carequeue/servicequeues/internal/application/services"
	"github.com/carequeue/servicequeues/internal/domain/entities"
)

// TransitionMover is the write side the transition handler serves
type TransitionMover interface {
	MoveToNextService(ctx context.Context, req services.MoveRequest) (*services.TransitionResult, error)
	ResumeTransition(ctx context.Context, entryID string) (*services.TransitionResult, error)
	PendingTransitions() []entities.Transition
}

// PartialTransitionResponse is returned with 502 when the current entry was
// closed but the next one was not created
type PartialTransitionResponse struct {
	Error     string `json:"error"`
	EntryID   string `json:"entryId"`
	Closed    bool   `json:"closed"`
	ResumeURL string `json:"resumeUrl"`
}

// TransitionHandler handles move-to-next-service requests
type TransitionHandler struct {
	mover TransitionMover
}

// NewTransitionHandler creates a new transition handler
func NewTransitionHandler(mover TransitionMover) *TransitionHandler {
	return &TransitionHandler{mover: mover}
}

// MoveToNextService handles POST /api/queue-entries/{entryId}/move
func (h *TransitionHandler) MoveToNextService(w http.ResponseWriter, r *http.Request) {
	entryID := r.PathValue("entryId")
	if strings.TrimSpace(entryID) == "" {
		respondWithError(w, http.StatusBadRequest, "queue entry ID is required")
		return
	}

	var req services.MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.EntryID = entryID

	result, err := h.mover.MoveToNextService(r.Context(), req)
	if err != nil {
		h.respondWithTransitionError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// ResumeTransition handles POST /api/queue-entries/{entryId}/move/resume
func (h *TransitionHandler) ResumeTransition(w http.ResponseWriter, r *http.Request) {
	entryID := r.PathValue("entryId")
	if strings.TrimSpace(entryID) == "" {
		respondWithError(w, http.StatusBadRequest, "queue entry ID is required")
		return
	}

	result, err := h.mover.ResumeTransition(r.Context(), entryID)
	if err != nil {
		h.respondWithTransitionError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// ListPendingTransitions handles GET /api/transitions/pending
func (h *TransitionHandler) ListPendingTransitions(w http.ResponseWriter, r *http.Request) {
	pending := h.mover.PendingTransitions()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"transitions": pending,
		"count":       len(pending),
	})
}

func (h *TransitionHandler) respondWithTransitionError(w http.ResponseWriter, r *http.Request, err error) {
	var partial *services.PartialTransitionError
	if errors.As(err, &partial) {
		respondWithJSON(w, http.StatusBadGateway, PartialTransitionResponse{
			Error:     partial.Error(),
			EntryID:   partial.EntryID,
			Closed:    partial.Closed,
			ResumeURL: resumeURL(partial.EntryID),
		})
		return
	}
	respondWithAppError(w, r, err)
}

func resumeURL(entryID string) string {
	return fmt.Sprintf("/api/queue-entries/%s/move/resume", entryID)
}
