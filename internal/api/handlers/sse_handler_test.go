package handlers_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carequeue/servicequeues/internal/adapters/events"
	"github.com/carequeue/servicequeues/internal/api/handlers"
	"github.com/carequeue/servicequeues/internal/domain/entities"
	"github.com/carequeue/servicequeues/internal/domain/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readEvents collects "event:" lines from an SSE body until want are seen
func readEvents(t *testing.T, body *bufio.Scanner, want int) []string {
	t.Helper()
	var names []string
	for len(names) < want && body.Scan() {
		line := body.Text()
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}

func TestSSEHandler_StreamQueueEntries(t *testing.T) {
	bus := events.NewMemoryEventBus()
	handler := handlers.NewSSEHandler(bus).WithHeartbeat(time.Hour)

	server := httptest.NewServer(http.HandlerFunc(handler.StreamQueueEntries))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"?patient=p1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	scanner := bufio.NewScanner(resp.Body)
	require.Equal(t, []string{"connected"}, readEvents(t, scanner, 1))
	require.Eventually(t, func() bool { return handler.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	other := entities.NewQueueEntryEvent(entities.QueueEntryEventTypeMoved, "a", "p2", "v2", "e2")
	mine := entities.NewQueueEntryEvent(entities.QueueEntryEventTypeClosed, "a", "p1", "v1", "e1")
	require.NoError(t, bus.Publish(context.Background(), providers.EventChannelQueueEntries, other))
	require.NoError(t, bus.Publish(context.Background(), providers.EventChannelQueueEntries, mine))

	assert.Equal(t, []string{string(entities.QueueEntryEventTypeClosed)}, readEvents(t, scanner, 1))

	cancel()
	require.Eventually(t, func() bool { return handler.GetClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSSEHandler_Heartbeat(t *testing.T) {
	handler := handlers.NewSSEHandler(events.NewMemoryEventBus()).WithHeartbeat(20 * time.Millisecond)

	server := httptest.NewServer(http.HandlerFunc(handler.StreamQueueEntries))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, []string{"connected", "heartbeat"}, readEvents(t, bufio.NewScanner(resp.Body), 2))
}
