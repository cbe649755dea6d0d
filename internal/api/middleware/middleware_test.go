package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/carequeue/servicequeues/internal/query/loaders"
	querysvc "github.com/carequeue/servicequeues/internal/query/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
})

func TestCORSMiddleware(t *testing.T) {
	t.Run("wildcard", func(t *testing.T) {
		handler := CORSMiddleware(nil)(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/api/queue-entries", nil)
		req.Header.Set("Origin", "https://clinic.example")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("listed origin is echoed", func(t *testing.T) {
		handler := CORSMiddleware([]string{"https://clinic.example"})(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/api/queue-entries", nil)
		req.Header.Set("Origin", "https://clinic.example")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, "https://clinic.example", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	})

	t.Run("unlisted origin gets no allow header", func(t *testing.T) {
		handler := CORSMiddleware([]string{"https://clinic.example"})(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/api/queue-entries", nil)
		req.Header.Set("Origin", "https://elsewhere.example")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		handler := CORSMiddleware(nil)(okHandler)
		req := httptest.NewRequest(http.MethodOptions, "/api/queue-entries/e1/move", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestLoggingMiddleware(t *testing.T) {
	t.Run("generates a request id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LoggingMiddleware(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("keeps the caller's request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		LoggingMiddleware(okHandler).ServeHTTP(rec, req)

		assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	})
}

func TestObservabilityMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	ObservabilityMiddleware(nil)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

type emptyReader struct{}

func (emptyReader) ListActiveQueueEntries(ctx context.Context) querysvc.ActiveEntries {
	return querysvc.ActiveEntries{}
}

func (emptyReader) GetPatientPhoto(ctx context.Context, patientID string) querysvc.PatientPhotoResult {
	return querysvc.PatientPhotoResult{}
}

func TestLoadersMiddleware(t *testing.T) {
	var seen []*loaders.Loaders
	handler := LoadersMiddleware(emptyReader{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, loaders.For(r.Context()))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Len(t, seen, 2)
	require.NotNil(t, seen[0])
	require.NotNil(t, seen[1])
	assert.NotSame(t, seen[0], seen[1])
}
