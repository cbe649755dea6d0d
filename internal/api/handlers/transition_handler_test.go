package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carequeue/servicequeues/internal/api/handlers"
	"github.com/carequeue/servicequeues/internal/application/services"
	"github.com/carequeue/servicequeues/internal/domain/entities"
	apperrors "github.com/carequeue/servicequeues/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTransitionMover struct {
	mock.Mock
}

func (m *MockTransitionMover) MoveToNextService(ctx context.Context, req services.MoveRequest) (*services.TransitionResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*services.TransitionResult)
	return result, args.Error(1)
}

func (m *MockTransitionMover) ResumeTransition(ctx context.Context, entryID string) (*services.TransitionResult, error) {
	args := m.Called(ctx, entryID)
	result, _ := args.Get(0).(*services.TransitionResult)
	return result, args.Error(1)
}

func (m *MockTransitionMover) PendingTransitions() []entities.Transition {
	return m.Called().Get(0).([]entities.Transition)
}

const moveBody = `{
	"queueUuid": "q-triage",
	"visitUuid": "v1",
	"patientUuid": "p1",
	"endedAt": "2026-03-02T10:07:00Z",
	"nextQueueUuid": "q-consult",
	"priorityUuid": "pr-urgent",
	"statusUuid": "st-waiting"
}`

func TestTransitionHandler_MoveToNextService(t *testing.T) {
	const pattern = "POST /api/queue-entries/{entryId}/move"

	t.Run("moves the patient", func(t *testing.T) {
		mover := new(MockTransitionMover)
		mover.On("MoveToNextService", mock.Anything, mock.MatchedBy(func(req services.MoveRequest) bool {
			return req.EntryID == "e1" &&
				req.QueueID == "q-triage" &&
				req.NextQueueID == "q-consult" &&
				req.EndedAt.Equal(time.Date(2026, 3, 2, 10, 7, 0, 0, time.UTC))
		})).Return(&services.TransitionResult{
			Transition: entities.Transition{EntryID: "e1", State: entities.TransitionDone, NewEntryID: "e2"},
		}, nil).Once()
		handler := handlers.NewTransitionHandler(mover)

		rec := serve(handler.MoveToNextService, pattern,
			httptest.NewRequest(http.MethodPost, "/api/queue-entries/e1/move", strings.NewReader(moveBody)))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"newEntryId":"e2"`)
		mover.AssertExpectations(t)
	})

	t.Run("half-moved patient gets a resume link", func(t *testing.T) {
		mover := new(MockTransitionMover)
		mover.On("MoveToNextService", mock.Anything, mock.Anything).Return(nil, &services.PartialTransitionError{
			EntryID: "e1",
			QueueID: "q-triage",
			VisitID: "v1",
			Closed:  true,
			Cause:   errors.New("bad gateway"),
		})
		handler := handlers.NewTransitionHandler(mover)

		rec := serve(handler.MoveToNextService, pattern,
			httptest.NewRequest(http.MethodPost, "/api/queue-entries/e1/move", strings.NewReader(moveBody)))

		require.Equal(t, http.StatusBadGateway, rec.Code)
		var resp handlers.PartialTransitionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "e1", resp.EntryID)
		assert.True(t, resp.Closed)
		assert.Equal(t, "/api/queue-entries/e1/move/resume", resp.ResumeURL)
		assert.Contains(t, resp.Error, "bad gateway")
	})

	t.Run("error statuses", func(t *testing.T) {
		tests := []struct {
			name   string
			err    error
			status int
		}{
			{name: "validation", err: apperrors.NewValidationError("endedAt is required"), status: http.StatusBadRequest},
			{name: "conflict", err: apperrors.NewConflictError("already running"), status: http.StatusConflict},
			{name: "close failed", err: apperrors.NewExternalError("failed to close queue entry", 500, nil), status: http.StatusBadGateway},
			{name: "untyped", err: errors.New("boom"), status: http.StatusInternalServerError},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mover := new(MockTransitionMover)
				mover.On("MoveToNextService", mock.Anything, mock.Anything).Return(nil, tt.err)
				handler := handlers.NewTransitionHandler(mover)

				rec := serve(handler.MoveToNextService, pattern,
					httptest.NewRequest(http.MethodPost, "/api/queue-entries/e1/move", strings.NewReader(moveBody)))

				assert.Equal(t, tt.status, rec.Code)
			})
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		mover := new(MockTransitionMover)
		handler := handlers.NewTransitionHandler(mover)

		rec := serve(handler.MoveToNextService, pattern,
			httptest.NewRequest(http.MethodPost, "/api/queue-entries/e1/move", strings.NewReader("{")))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		mover.AssertNotCalled(t, "MoveToNextService", mock.Anything, mock.Anything)
	})
}

func TestTransitionHandler_Resume(t *testing.T) {
	const pattern = "POST /api/queue-entries/{entryId}/move/resume"

	t.Run("resumed", func(t *testing.T) {
		mover := new(MockTransitionMover)
		mover.On("ResumeTransition", mock.Anything, "e1").Return(&services.TransitionResult{
			Transition: entities.Transition{EntryID: "e1", State: entities.TransitionDone, NewEntryID: "e2"},
		}, nil)
		handler := handlers.NewTransitionHandler(mover)

		rec := serve(handler.ResumeTransition, pattern,
			httptest.NewRequest(http.MethodPost, "/api/queue-entries/e1/move/resume", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"state":"done"`)
	})

	t.Run("nothing to resume", func(t *testing.T) {
		mover := new(MockTransitionMover)
		mover.On("ResumeTransition", mock.Anything, "e9").
			Return(nil, apperrors.NewNotFoundError("no transition recorded for queue entry e9"))
		handler := handlers.NewTransitionHandler(mover)

		rec := serve(handler.ResumeTransition, pattern,
			httptest.NewRequest(http.MethodPost, "/api/queue-entries/e9/move/resume", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTransitionHandler_ListPending(t *testing.T) {
	mover := new(MockTransitionMover)
	mover.On("PendingTransitions").Return([]entities.Transition{
		{EntryID: "e1", State: entities.TransitionCreatePending, LastError: "bad gateway"},
	})
	handler := handlers.NewTransitionHandler(mover)

	rec := serve(handler.ListPendingTransitions, "GET /api/transitions/pending",
		httptest.NewRequest(http.MethodGet, "/api/transitions/pending", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Transitions []entities.Transition `json:"transitions"`
		Count       int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "e1", resp.Transitions[0].EntryID)
}
