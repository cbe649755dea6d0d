package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/carequeue/servicequeues/internal/domain/entities"
	"github.com/carequeue/servicequeues/internal/query/loaders"
	querysvc "github.com/carequeue/servicequeues/internal/query/services"
)

const maxLookupVisits = 100

// QueueReader is the read side the queue handler serves
type QueueReader interface {
	ListActiveQueueEntries(ctx context.Context) querysvc.ActiveEntries
	GetQueueEntryForPatientVisit(ctx context.Context, patientID, visitID string) querysvc.PatientVisitEntry
	GetPriorities(ctx context.Context) querysvc.ReferenceTerms
	GetServices(ctx context.Context) querysvc.ReferenceTerms
	GetStatuses(ctx context.Context) querysvc.ReferenceTerms
	GetQueueLocations(ctx context.Context) querysvc.QueueLocations
	GetPatientPhoto(ctx context.Context, patientID string) querysvc.PatientPhotoResult
	RefreshReferenceData(ctx context.Context) error
}

// QueueEntryView is a queue entry as rendered to clients. WaitTime is
// computed when the response is built.
type QueueEntryView struct {
	entities.MappedQueueEntry
	WaitTime     string `json:"waitTime"`
	PriorityTone string `json:"priorityTone"`
}

// QueueEntriesResponse is the body of GET /api/queue-entries
type QueueEntriesResponse struct {
	Entries      []QueueEntryView `json:"entries"`
	Count        int              `json:"count"`
	IsLoading    bool             `json:"isLoading"`
	IsValidating bool             `json:"isValidating"`
	Error        string           `json:"error,omitempty"`
}

// LookupRequest is the body of POST /api/queue-entries/lookup
type LookupRequest struct {
	Visits        []loaders.PatientVisit `json:"visits"`
	IncludePhotos bool                   `json:"includePhotos"`
}

// LookupResult is the open entry of one requested visit
type LookupResult struct {
	PatientID  string                 `json:"patientId"`
	VisitID    string                 `json:"visitId"`
	Entry      *QueueEntryView        `json:"entry"`
	Error      string                 `json:"error,omitempty"`
	Photo      *entities.PatientPhoto `json:"photo,omitempty"`
	PhotoError string                 `json:"photoError,omitempty"`
}

// QueueHandler handles queue entry and reference data reads
type QueueHandler struct {
	reader QueueReader
	now    func() time.Time
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(reader QueueReader) *QueueHandler {
	return &QueueHandler{reader: reader, now: time.Now}
}

// WithClock replaces the clock used for wait times
func (h *QueueHandler) WithClock(now func() time.Time) *QueueHandler {
	h.now = now
	return h
}

func (h *QueueHandler) view(entry entities.MappedQueueEntry, now time.Time) QueueEntryView {
	return QueueEntryView{
		MappedQueueEntry: entry,
		WaitTime:         entry.WaitTime(now),
		PriorityTone:     entities.PriorityTone(entry.Priority),
	}
}

// ListActiveQueueEntries handles GET /api/queue-entries
func (h *QueueHandler) ListActiveQueueEntries(w http.ResponseWriter, r *http.Request) {
	active := h.reader.ListActiveQueueEntries(r.Context())
	if active.Err != nil && active.Entries == nil {
		respondWithAppError(w, r, active.Err)
		return
	}

	now := h.now()
	views := make([]QueueEntryView, 0, len(active.Entries))
	for _, entry := range active.Entries {
		views = append(views, h.view(entry, now))
	}

	resp := QueueEntriesResponse{
		Entries:      views,
		Count:        len(views),
		IsLoading:    active.IsLoading,
		IsValidating: active.IsValidating,
	}
	// stale data is still served alongside the refresh failure
	if active.Err != nil {
		resp.Error = active.Err.Error()
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// GetPatientVisitEntry handles GET /api/patients/{patientId}/visits/{visitId}/queue-entry
func (h *QueueHandler) GetPatientVisitEntry(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("patientId")
	visitID := r.PathValue("visitId")
	if strings.TrimSpace(patientID) == "" || strings.TrimSpace(visitID) == "" {
		respondWithError(w, http.StatusBadRequest, "patient ID and visit ID are required")
		return
	}

	res := h.reader.GetQueueEntryForPatientVisit(r.Context(), patientID, visitID)
	if res.Err != nil && res.Entry == nil {
		respondWithAppError(w, r, res.Err)
		return
	}
	if res.Entry == nil {
		respondWithError(w, http.StatusNotFound, "visit is not waiting in any queue")
		return
	}

	respondWithJSON(w, http.StatusOK, h.view(*res.Entry, h.now()))
}

// LookupQueueEntries handles POST /api/queue-entries/lookup. Every visit in
// the batch is answered from one read of the active list. With
// includePhotos the patients' photos are loaded as one batch too.
func (h *QueueHandler) LookupQueueEntries(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Visits) == 0 {
		respondWithError(w, http.StatusBadRequest, "at least one visit is required")
		return
	}
	if len(req.Visits) > maxLookupVisits {
		respondWithError(w, http.StatusBadRequest, "too many visits in one lookup")
		return
	}

	l := loaders.For(r.Context())
	if l == nil {
		l = loaders.NewLoaders(h.reader)
	}
	entries, errs := l.LoadQueueEntries(r.Context(), req.Visits)

	now := h.now()
	results := make([]LookupResult, len(req.Visits))
	for i, visit := range req.Visits {
		results[i] = LookupResult{PatientID: visit.PatientID, VisitID: visit.VisitID}
		if i < len(errs) && errs[i] != nil {
			results[i].Error = errs[i].Error()
			continue
		}
		if i < len(entries) && entries[i] != nil {
			view := h.view(*entries[i], now)
			results[i].Entry = &view
		}
	}

	if req.IncludePhotos {
		patientIDs := make([]string, len(req.Visits))
		for i, visit := range req.Visits {
			patientIDs[i] = visit.PatientID
		}
		photos, photoErrs := l.LoadPhotos(r.Context(), patientIDs)
		for i := range results {
			if i < len(photoErrs) && photoErrs[i] != nil {
				results[i].PhotoError = photoErrs[i].Error()
				continue
			}
			if i < len(photos) {
				results[i].Photo = photos[i]
			}
		}
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// GetPriorities handles GET /api/queue-entries/priorities
func (h *QueueHandler) GetPriorities(w http.ResponseWriter, r *http.Request) {
	h.respondWithTerms(w, r, h.reader.GetPriorities(r.Context()))
}

// GetServices handles GET /api/queue-entries/services
func (h *QueueHandler) GetServices(w http.ResponseWriter, r *http.Request) {
	h.respondWithTerms(w, r, h.reader.GetServices(r.Context()))
}

// GetStatuses handles GET /api/queue-entries/statuses
func (h *QueueHandler) GetStatuses(w http.ResponseWriter, r *http.Request) {
	h.respondWithTerms(w, r, h.reader.GetStatuses(r.Context()))
}

func (h *QueueHandler) respondWithTerms(w http.ResponseWriter, r *http.Request, terms querysvc.ReferenceTerms) {
	if terms.Err != nil && terms.Terms == nil {
		respondWithAppError(w, r, terms.Err)
		return
	}
	items := terms.Terms
	if items == nil {
		items = []entities.ConceptTerm{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"terms": items,
		"count": len(items),
	})
}

// RefreshReferenceData handles POST /api/reference-data/refresh
func (h *QueueHandler) RefreshReferenceData(w http.ResponseWriter, r *http.Request) {
	if err := h.reader.RefreshReferenceData(r.Context()); err != nil {
		respondWithAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetQueueLocations handles GET /api/queue-locations
func (h *QueueHandler) GetQueueLocations(w http.ResponseWriter, r *http.Request) {
	res := h.reader.GetQueueLocations(r.Context())
	if res.Err != nil && res.Locations == nil {
		respondWithAppError(w, r, res.Err)
		return
	}
	locations := res.Locations
	if locations == nil {
		locations = []entities.QueueLocation{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"locations":    locations,
		"count":        len(locations),
		"isValidating": res.IsValidating,
	})
}

// GetPatientPhoto handles GET /api/patients/{patientId}/photo
func (h *QueueHandler) GetPatientPhoto(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("patientId")
	if strings.TrimSpace(patientID) == "" {
		respondWithError(w, http.StatusBadRequest, "patient ID is required")
		return
	}

	res := h.reader.GetPatientPhoto(r.Context(), patientID)
	if res.Err != nil && res.Photo == nil {
		respondWithAppError(w, r, res.Err)
		return
	}
	photo := res.Photo
	if photo == nil {
		respondWithError(w, http.StatusNotFound, "patient has no photo")
		return
	}
	respondWithJSON(w, http.StatusOK, photo)
}
