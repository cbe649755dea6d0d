package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/carequeue/servicequeues/internal/domain/entities"
	"github.com/carequeue/servicequeues/internal/domain/providers"
	"github.com/carequeue/servicequeues/internal/infrastructure/observability"
	querysvc "github.com/carequeue/servicequeues/internal/query/services"
	apperrors "github.com/carequeue/servicequeues/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const defaultInvalidateTimeout = 15 * time.Second

// QueueCacheInvalidator refetches cached queue reads after a write
type QueueCacheInvalidator interface {
	InvalidateQueueEntries(ctx context.Context, patientID, visitID string) error
}

// StatusVocabulary resolves status concept uuids to labels
type StatusVocabulary interface {
	GetStatuses(ctx context.Context) querysvc.ReferenceTerms
}

// MoveRequest asks to close the patient's current entry and open one on the
// next queue
type MoveRequest struct {
	EntryID         string    `json:"-"`
	QueueID         string    `json:"queueUuid"`
	VisitID         string    `json:"visitUuid"`
	PatientID       string    `json:"patientUuid"`
	CurrentStatusID string    `json:"currentStatusUuid,omitempty"`
	EndedAt         time.Time `json:"endedAt"`

	NextQueueID     string    `json:"nextQueueUuid"`
	NextPriorityID  string    `json:"priorityUuid"`
	NextStatusID    string    `json:"statusUuid"`
	PriorityComment string    `json:"priorityComment,omitempty"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
}

// TransitionResult is the outcome of a completed move
type TransitionResult struct {
	Transition entities.Transition        `json:"transition"`
	NewEntry   *entities.MappedQueueEntry `json:"newEntry,omitempty"`
}

// PartialTransitionError reports a move whose current entry was closed but
// whose next entry was not created. The patient is in no queue until
// ResumeTransition succeeds.
type PartialTransitionError struct {
	EntryID string
	QueueID string
	VisitID string
	Closed  bool
	Cause   error
}

func (e *PartialTransitionError) Error() string {
	return fmt.Sprintf("queue entry %s on queue %s was closed but the next entry was not created: %v", e.EntryID, e.QueueID, e.Cause)
}

func (e *PartialTransitionError) Unwrap() error {
	return e.Cause
}

// TransitionOptions configures a TransitionService
type TransitionOptions struct {
	InstanceID        string
	InvalidateTimeout time.Duration
	Metrics           *observability.Metrics
	Now               func() time.Time
}

// TransitionService moves patients between service queues as two ordered
// writes: close the current entry, then create the next one
type TransitionService struct {
	server      providers.QueueServer
	store       *TransitionStore
	invalidator QueueCacheInvalidator
	vocabulary  StatusVocabulary
	eventBus    providers.EventBus
	opts        TransitionOptions
}

// NewTransitionService creates a new transition service. vocabulary and
// eventBus may be nil.
func NewTransitionService(
	server providers.QueueServer,
	store *TransitionStore,
	invalidator QueueCacheInvalidator,
	vocabulary StatusVocabulary,
	eventBus providers.EventBus,
	opts TransitionOptions,
) *TransitionService {
	if opts.InvalidateTimeout <= 0 {
		opts.InvalidateTimeout = defaultInvalidateTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TransitionService{
		server:      server,
		store:       store,
		invalidator: invalidator,
		vocabulary:  vocabulary,
		eventBus:    eventBus,
		opts:        opts,
	}
}

// MoveToNextService closes req.EntryID and opens an entry on req.NextQueueID.
// The create request is sent only after the close response is received. A
// repeated call for an entry already moved returns the recorded result; one
// for an entry left half-moved resumes at the create step.
func (s *TransitionService) MoveToNextService(ctx context.Context, req MoveRequest) (*TransitionResult, error) {
	ctx, span := observability.StartSpan(ctx, "transition.move_to_next_service")
	defer span.End()
	observability.SetSpanAttributes(span,
		attribute.String("queue_entry.id", req.EntryID),
		attribute.String("queue.id", req.QueueID),
		attribute.String("queue.next_id", req.NextQueueID),
	)

	if strings.TrimSpace(req.EntryID) == "" {
		return nil, apperrors.NewValidationError("queue entry id is required")
	}
	if !s.store.Acquire(req.EntryID) {
		return nil, apperrors.NewConflictError(fmt.Sprintf("a transition of queue entry %s is already running", req.EntryID))
	}
	defer s.store.Release(req.EntryID)

	if existing, ok := s.store.Get(req.EntryID); ok {
		switch existing.State {
		case entities.TransitionDone:
			observability.RecordTransition(ctx, s.opts.Metrics, "replayed")
			return resultOf(existing), nil
		case entities.TransitionCreatePending:
			return s.create(ctx, existing, "resumed")
		}
	}

	if err := s.validate(ctx, &req); err != nil {
		return nil, err
	}

	logger := observability.LoggerFromContext(ctx).With().
		Str("entry_id", req.EntryID).
		Str("queue_id", req.QueueID).
		Str("next_queue_id", req.NextQueueID).
		Logger()

	now := s.opts.Now()
	t := entities.Transition{
		EntryID:   req.EntryID,
		QueueID:   req.QueueID,
		VisitID:   req.VisitID,
		PatientID: req.PatientID,
		EndedAt:   req.EndedAt,
		Next: entities.NewQueueEntry{
			QueueID:         req.NextQueueID,
			PriorityID:      req.NextPriorityID,
			StatusID:        req.NextStatusID,
			PatientID:       req.PatientID,
			PriorityComment: req.PriorityComment,
			StartedAt:       req.StartedAt,
		},
		State:     entities.TransitionClosePending,
		StartedAt: now,
		UpdatedAt: now,
	}
	s.store.Put(t)

	if err := s.server.EndQueueEntry(ctx, req.QueueID, req.EntryID, req.EndedAt); err != nil {
		s.store.Delete(req.EntryID)
		observability.RecordError(span, err)
		observability.RecordTransition(ctx, s.opts.Metrics, "close_failed")
		logger.Error().Err(err).Msg("failed to close queue entry")
		return nil, closeError(err)
	}

	t.State = entities.TransitionCreatePending
	t.UpdatedAt = s.opts.Now()
	s.store.Put(t)
	logger.Info().Msg("queue entry closed")

	if err := ctx.Err(); err != nil {
		return nil, s.partial(ctx, t, err)
	}
	return s.create(ctx, t, "completed")
}

// ResumeTransition re-sends the create step of a half-moved entry. The
// close step is never repeated.
func (s *TransitionService) ResumeTransition(ctx context.Context, entryID string) (*TransitionResult, error) {
	ctx, span := observability.StartSpan(ctx, "transition.resume")
	defer span.End()
	observability.SetSpanAttributes(span, attribute.String("queue_entry.id", entryID))

	if !s.store.Acquire(entryID) {
		return nil, apperrors.NewConflictError(fmt.Sprintf("a transition of queue entry %s is already running", entryID))
	}
	defer s.store.Release(entryID)

	t, ok := s.store.Get(entryID)
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no transition recorded for queue entry %s", entryID))
	}

	switch t.State {
	case entities.TransitionDone:
		observability.RecordTransition(ctx, s.opts.Metrics, "replayed")
		return resultOf(t), nil
	case entities.TransitionCreatePending:
		return s.create(ctx, t, "resumed")
	default:
		return nil, apperrors.NewConflictError(fmt.Sprintf("queue entry %s has not been closed yet", entryID))
	}
}

// PendingTransitions lists half-moved entries, oldest first
func (s *TransitionService) PendingTransitions() []entities.Transition {
	return s.store.Pending()
}

func (s *TransitionService) create(ctx context.Context, t entities.Transition, outcome string) (*TransitionResult, error) {
	logger := observability.LoggerFromContext(ctx).With().
		Str("entry_id", t.EntryID).
		Str("next_queue_id", t.Next.QueueID).
		Logger()

	t.CreateAttempts++
	record, err := s.server.CreateQueueEntry(ctx, entities.CreateQueueEntryRequest{
		Visit:      t.VisitID,
		QueueEntry: t.Next,
	})
	if err != nil {
		t.LastError = err.Error()
		t.UpdatedAt = s.opts.Now()
		s.store.Put(t)
		return nil, s.partial(ctx, t, err)
	}

	completed := s.opts.Now()
	t.State = entities.TransitionDone
	t.NewEntryID = ""
	t.NewEntry = nil
	t.NewEntryUnconfirmed = record == nil || record.UUID == ""
	if t.NewEntryUnconfirmed {
		// the entry exists; the refreshed active list will show it
		logger.Error().Msg("next queue entry created but the server did not return it")
	} else {
		mapped := entities.MapQueueEntry(*record)
		t.NewEntryID = record.UUID
		t.NewEntry = &mapped
	}
	t.LastError = ""
	t.UpdatedAt = completed
	t.CompletedAt = &completed
	s.store.Put(t)

	observability.RecordTransition(ctx, s.opts.Metrics, outcome)
	logger.Info().Str("new_entry_id", t.NewEntryID).Int("create_attempts", t.CreateAttempts).Msg("patient moved to next service")

	s.afterWrite(ctx, t, entities.QueueEntryEventTypeMoved)
	return resultOf(t), nil
}

// partial records a half-moved entry. The close step already changed the
// active list, so caches are refreshed here as well.
func (s *TransitionService) partial(ctx context.Context, t entities.Transition, cause error) error {
	observability.RecordTransition(ctx, s.opts.Metrics, "partial")
	observability.LoggerFromContext(ctx).Error().
		Err(cause).
		Str("entry_id", t.EntryID).
		Str("queue_id", t.QueueID).
		Str("visit_id", t.VisitID).
		Int("create_attempts", t.CreateAttempts).
		Msg("queue entry closed but next entry not created")

	s.afterWrite(ctx, t, entities.QueueEntryEventTypeClosed)
	return &PartialTransitionError{
		EntryID: t.EntryID,
		QueueID: t.QueueID,
		VisitID: t.VisitID,
		Closed:  true,
		Cause:   cause,
	}
}

// afterWrite refetches the affected cache keys before returning, then
// announces the change to other instances. Neither step fails the move.
func (s *TransitionService) afterWrite(ctx context.Context, t entities.Transition, eventType entities.QueueEntryEventType) {
	logger := observability.LoggerFromContext(ctx)
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.InvalidateTimeout)
	defer cancel()

	if s.invalidator != nil {
		if err := s.invalidator.InvalidateQueueEntries(writeCtx, t.PatientID, t.VisitID); err != nil {
			logger.Warn().Err(err).Str("entry_id", t.EntryID).Msg("failed to refresh queue entry cache")
		}
	}

	if s.eventBus == nil {
		return
	}
	event := entities.NewQueueEntryEvent(eventType, s.opts.InstanceID, t.PatientID, t.VisitID, t.EntryID)
	event.EntryID = t.NewEntryID
	event.QueueID = t.Next.QueueID
	if err := s.eventBus.Publish(writeCtx, providers.EventChannelQueueEntries, event); err != nil {
		logger.Warn().Err(err).Str("entry_id", t.EntryID).Msg("failed to publish queue entry event")
	}
}

func (s *TransitionService) validate(ctx context.Context, req *MoveRequest) error {
	var missing []string
	for name, value := range map[string]string{
		"queueUuid":     req.QueueID,
		"visitUuid":     req.VisitID,
		"patientUuid":   req.PatientID,
		"nextQueueUuid": req.NextQueueID,
		"priorityUuid":  req.NextPriorityID,
		"statusUuid":    req.NextStatusID,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apperrors.NewValidationError("missing required fields: " + strings.Join(missing, ", "))
	}
	if req.EndedAt.IsZero() {
		return apperrors.NewValidationError("endedAt is required")
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = req.EndedAt
	}
	if req.StartedAt.Before(req.EndedAt) {
		return apperrors.NewValidationError("startedAt of the next entry must not be before endedAt")
	}

	if req.NextQueueID == req.QueueID && req.CurrentStatusID != "" {
		from, to, ok := s.statusPair(ctx, req.CurrentStatusID, req.NextStatusID)
		if ok {
			if err := entities.ValidateStatusTransition(from, to); err != nil {
				return apperrors.NewValidationError(err.Error())
			}
		}
	}
	return nil
}

// statusPair resolves both status uuids to known statuses through the
// vocabulary; ok is false when either cannot be resolved
func (s *TransitionService) statusPair(ctx context.Context, fromID, toID string) (entities.QueueStatus, entities.QueueStatus, bool) {
	if s.vocabulary == nil {
		return "", "", false
	}
	terms := s.vocabulary.GetStatuses(ctx).Terms
	fromTerm, okFrom := entities.FindTerm(terms, fromID)
	toTerm, okTo := entities.FindTerm(terms, toID)
	if !okFrom || !okTo {
		return "", "", false
	}
	from, okFrom := entities.ParseStatus(fromTerm.Display)
	to, okTo := entities.ParseStatus(toTerm.Display)
	return from, to, okFrom && okTo
}

func closeError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.NewExternalError("failed to close queue entry", 0, err)
}

func resultOf(t entities.Transition) *TransitionResult {
	return &TransitionResult{Transition: t, NewEntry: t.NewEntry}
}
