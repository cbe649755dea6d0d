package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/carequeue/servicequeues/internal/domain/entities"
	"github.com/carequeue/servicequeues/internal/domain/providers"
	"github.com/carequeue/servicequeues/internal/infrastructure/observability"
)

const defaultHeartbeatInterval = 30 * time.Second

// SSEHandler streams committed queue entry changes to browsers
type SSEHandler struct {
	eventBus  providers.EventBus
	clients   map[chan *entities.QueueEntryEvent]string // client -> patient filter
	mu        sync.RWMutex
	heartbeat time.Duration
}

// NewSSEHandler creates a new SSE handler
func NewSSEHandler(eventBus providers.EventBus) *SSEHandler {
	return &SSEHandler{
		eventBus:  eventBus,
		clients:   make(map[chan *entities.QueueEntryEvent]string),
		heartbeat: defaultHeartbeatInterval,
	}
}

// WithHeartbeat sets the keep-alive interval
func (h *SSEHandler) WithHeartbeat(interval time.Duration) *SSEHandler {
	if interval > 0 {
		h.heartbeat = interval
	}
	return h
}

// StreamQueueEntries handles GET /api/stream/queue-entries[?patient=uuid]
func (h *SSEHandler) StreamQueueEntries(w http.ResponseWriter, r *http.Request) {
	patientID := r.URL.Query().Get("patient")
	logger := observability.LoggerFromContext(r.Context()).With().Str("patient_id", patientID).Logger()

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	eventChan, err := h.eventBus.Subscribe(r.Context(), providers.EventChannelQueueEntries)
	if err != nil {
		logger.Error().Err(err).Msg("failed to subscribe to queue entry updates")
		respondWithError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientChan := make(chan *entities.QueueEntryEvent, 10)
	h.registerClient(clientChan, patientID)
	defer h.unregisterClient(clientChan)

	h.sendEvent(w, "connected", map[string]interface{}{
		"patient_id": patientID,
		"timestamp":  time.Now(),
	})
	flusher.Flush()

	go h.forwardEvents(r.Context(), eventChan, clientChan, patientID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug().Msg("client disconnected from queue entry stream")
			return
		case <-ticker.C:
			h.sendEvent(w, "heartbeat", map[string]interface{}{
				"timestamp": time.Now(),
			})
			flusher.Flush()
		case event, ok := <-clientChan:
			if !ok {
				return
			}
			h.sendEvent(w, string(event.EventType), event)
			flusher.Flush()
		}
	}
}

// forwardEvents copies matching events to the client and closes it when the
// subscription ends
func (h *SSEHandler) forwardEvents(ctx context.Context, eventChan <-chan *entities.QueueEntryEvent, clientChan chan<- *entities.QueueEntryEvent, patientID string) {
	defer close(clientChan)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if event == nil || (patientID != "" && event.PatientID != patientID) {
				continue
			}
			select {
			case clientChan <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *SSEHandler) registerClient(clientChan chan *entities.QueueEntryEvent, patientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[clientChan] = patientID
}

func (h *SSEHandler) unregisterClient(clientChan chan *entities.QueueEntryEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, clientChan)
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		observability.GetLogger().Warn().Err(err).Str("event_type", eventType).Msg("failed to marshal event data")
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
}

// GetClientCount returns the number of connected clients
func (h *SSEHandler) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
