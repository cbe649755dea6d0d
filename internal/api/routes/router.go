package routes

import (
	"net/http"

	"github.com/carequeue/servicequeues/internal/api/handlers"
	"github.com/carequeue/servicequeues/internal/api/middleware"
	"github.com/carequeue/servicequeues/internal/infrastructure/observability"
	"github.com/carequeue/servicequeues/internal/query/loaders"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	queueHandler      *handlers.QueueHandler
	transitionHandler *handlers.TransitionHandler
	sseHandler        *handlers.SSEHandler

	loaderReader   loaders.QueueReader
	allowedOrigins []string
	metrics        *observability.Metrics
}

// NewRouter creates a new router. sseHandler may be nil.
func NewRouter(
	queueHandler *handlers.QueueHandler,
	transitionHandler *handlers.TransitionHandler,
	sseHandler *handlers.SSEHandler,
	loaderReader loaders.QueueReader,
	allowedOrigins []string,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:               http.NewServeMux(),
		queueHandler:      queueHandler,
		transitionHandler: transitionHandler,
		sseHandler:        sseHandler,
		loaderReader:      loaderReader,
		allowedOrigins:    allowedOrigins,
		metrics:           metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	// Queue entries
	r.mux.HandleFunc("GET /api/queue-entries", r.queueHandler.ListActiveQueueEntries)
	r.mux.HandleFunc("POST /api/queue-entries/lookup", r.queueHandler.LookupQueueEntries)
	r.mux.HandleFunc("GET /api/patients/{patientId}/visits/{visitId}/queue-entry", r.queueHandler.GetPatientVisitEntry)
	r.mux.HandleFunc("GET /api/patients/{patientId}/photo", r.queueHandler.GetPatientPhoto)

	// Reference data
	r.mux.HandleFunc("GET /api/queue-entries/priorities", r.queueHandler.GetPriorities)
	r.mux.HandleFunc("GET /api/queue-entries/services", r.queueHandler.GetServices)
	r.mux.HandleFunc("GET /api/queue-entries/statuses", r.queueHandler.GetStatuses)
	r.mux.HandleFunc("GET /api/queue-locations", r.queueHandler.GetQueueLocations)
	r.mux.HandleFunc("POST /api/reference-data/refresh", r.queueHandler.RefreshReferenceData)

	// Transitions
	r.mux.HandleFunc("POST /api/queue-entries/{entryId}/move", r.transitionHandler.MoveToNextService)
	r.mux.HandleFunc("POST /api/queue-entries/{entryId}/move/resume", r.transitionHandler.ResumeTransition)
	r.mux.HandleFunc("GET /api/transitions/pending", r.transitionHandler.ListPendingTransitions)

	if r.sseHandler != nil {
		r.mux.HandleFunc("GET /api/stream/queue-entries", r.sseHandler.StreamQueueEntries)
	}

	// last wrapper runs first
	var handler http.Handler = r.mux
	if r.loaderReader != nil {
		handler = middleware.LoadersMiddleware(r.loaderReader)(handler)
	}
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)
	handler = middleware.CORSMiddleware(r.allowedOrigins)(handler)

	return handler
}
