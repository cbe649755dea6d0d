package services

import (
	"context"
	"strings"

	"github.com/carequeue/servicequeues/internal/domain/entities"
	"github.com/carequeue/servicequeues/internal/infrastructure/observability"
	"github.com/carequeue/servicequeues/internal/query/swr"
	apperrors "github.com/carequeue/servicequeues/pkg/errors"
)

const (
	conceptSetPath   = "/concept-set/"
	locationPath     = "/fhir/Location"
	observationsPath = "/observations"

	referenceStorePattern = "ref:*"
)

// ReferenceTerms is the state of a vocabulary read
type ReferenceTerms struct {
	Terms []entities.ConceptTerm
	Err   error
}

// QueueLocations is the state of the queue location read
type QueueLocations struct {
	Locations    []entities.QueueLocation
	IsLoading    bool
	Err          error
	IsValidating bool
}

// PatientPhotoResult is the state of a patient photo read; Photo is nil when
// the patient has none
type PatientPhotoResult struct {
	Photo        *entities.PatientPhoto
	Err          error
	IsValidating bool
}

// GetPriorities returns the priority vocabulary
func (s *QueueQueryService) GetPriorities(ctx context.Context) ReferenceTerms {
	return s.conceptTerms(ctx, s.concepts.PriorityConceptSetUUID, "priority")
}

// GetServices returns the service vocabulary
func (s *QueueQueryService) GetServices(ctx context.Context) ReferenceTerms {
	return s.conceptTerms(ctx, s.concepts.ServiceConceptSetUUID, "service")
}

// GetStatuses returns the status vocabulary
func (s *QueueQueryService) GetStatuses(ctx context.Context) ReferenceTerms {
	return s.conceptTerms(ctx, s.concepts.StatusConceptSetUUID, "status")
}

// conceptTerms reads a concept set once per process. The shared store is
// consulted before the queue server so that replicas fetch it once per TTL.
func (s *QueueQueryService) conceptTerms(ctx context.Context, conceptSetUUID, name string) ReferenceTerms {
	if strings.TrimSpace(conceptSetUUID) == "" {
		return ReferenceTerms{Err: apperrors.NewValidationError(name + " concept set is not configured")}
	}

	key := swr.Key(conceptSetPath+conceptSetUUID, nil)
	res := swr.Get(ctx, s.cache, key, swr.PolicyImmutable, func(ctx context.Context) ([]entities.ConceptTerm, error) {
		logger := observability.LoggerFromContext(ctx)
		storeKey := "ref:" + name + ":" + conceptSetUUID

		var terms []entities.ConceptTerm
		found, err := s.store.Get(ctx, storeKey, &terms)
		if err != nil {
			logger.Warn().Err(err).Str("key", storeKey).Msg("reference data store read failed")
		}
		if found {
			return terms, nil
		}

		set, err := s.server.GetConceptSet(ctx, conceptSetUUID)
		if err != nil {
			return nil, err
		}
		terms = set.Terms()
		if err := s.store.Set(ctx, storeKey, terms, s.refTTL); err != nil {
			logger.Warn().Err(err).Str("key", storeKey).Msg("reference data store write failed")
		}
		return terms, nil
	})
	return ReferenceTerms{Terms: res.Data, Err: res.Err}
}

// RefreshReferenceData drops the shared vocabulary copies and refetches
// the ones this process has read
func (s *QueueQueryService) RefreshReferenceData(ctx context.Context) error {
	if err := s.store.DeletePattern(ctx, referenceStorePattern); err != nil {
		return apperrors.NewInternalError("failed to clear reference data", err)
	}
	for _, key := range s.cache.Keys() {
		if !strings.HasPrefix(key, conceptSetPath) {
			continue
		}
		if err := s.cache.Invalidate(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GetQueueLocations returns the locations tagged as queues
func (s *QueueQueryService) GetQueueLocations(ctx context.Context) QueueLocations {
	key := swr.Key(locationPath, map[string]string{"tag": "queue-location"})
	res := swr.Get(ctx, s.cache, key, swr.PolicyRevalidate, func(ctx context.Context) ([]entities.QueueLocation, error) {
		bundle, err := s.server.ListQueueLocations(ctx)
		if err != nil {
			return nil, err
		}
		return bundle.Locations(), nil
	})
	return QueueLocations{
		Locations:    res.Data,
		IsLoading:    res.IsLoading,
		Err:          res.Err,
		IsValidating: res.IsValidating,
	}
}

// GetPatientPhoto returns the patient's latest photo
func (s *QueueQueryService) GetPatientPhoto(ctx context.Context, patientID string) PatientPhotoResult {
	if strings.TrimSpace(patientID) == "" {
		return PatientPhotoResult{Err: apperrors.NewValidationError("patient id is required")}
	}

	concept := s.concepts.PatientPhotoConceptUUID
	key := swr.Key(observationsPath, map[string]string{"patient": patientID, "concept": concept})
	res := swr.Get(ctx, s.cache, key, swr.PolicyRevalidate, func(ctx context.Context) (*entities.PatientPhoto, error) {
		obs, err := s.server.ListPatientObs(ctx, patientID, concept)
		if err != nil {
			return nil, err
		}
		return entities.PhotoFromObs(obs), nil
	})
	return PatientPhotoResult{
		Photo:        res.Data,
		Err:          res.Err,
		IsValidating: res.IsValidating,
	}
}
