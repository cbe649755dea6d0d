package services_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carequeue/servicequeues/internal/application/services"
	"github.com/carequeue/servicequeues/internal/domain/entities"
	querysvc "github.com/carequeue/servicequeues/internal/query/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReader struct {
	listCalls  int32
	termCalls  int32
	locCalls   int32
	statusErr  error
	listResult querysvc.ActiveEntries
}

func (r *countingReader) ListActiveQueueEntries(ctx context.Context) querysvc.ActiveEntries {
	atomic.AddInt32(&r.listCalls, 1)
	return r.listResult
}

func (r *countingReader) GetPriorities(ctx context.Context) querysvc.ReferenceTerms {
	atomic.AddInt32(&r.termCalls, 1)
	return querysvc.ReferenceTerms{Terms: []entities.ConceptTerm{{UUID: "pr-1", Display: "Urgent"}}}
}

func (r *countingReader) GetServices(ctx context.Context) querysvc.ReferenceTerms {
	atomic.AddInt32(&r.termCalls, 1)
	return querysvc.ReferenceTerms{}
}

func (r *countingReader) GetStatuses(ctx context.Context) querysvc.ReferenceTerms {
	atomic.AddInt32(&r.termCalls, 1)
	return querysvc.ReferenceTerms{Err: r.statusErr}
}

func (r *countingReader) GetQueueLocations(ctx context.Context) querysvc.QueueLocations {
	atomic.AddInt32(&r.locCalls, 1)
	return querysvc.QueueLocations{}
}

func TestCacheWarmingService(t *testing.T) {
	t.Run("reads every warmable key", func(t *testing.T) {
		reader := &countingReader{}
		svc := services.NewCacheWarmingService(reader)

		require.NoError(t, svc.WarmCache(context.Background()))
		assert.Equal(t, int32(3), atomic.LoadInt32(&reader.termCalls))
		assert.Equal(t, int32(1), atomic.LoadInt32(&reader.locCalls))
		assert.Equal(t, int32(1), atomic.LoadInt32(&reader.listCalls))
	})

	t.Run("one failure does not stop the rest", func(t *testing.T) {
		reader := &countingReader{statusErr: errors.New("status concept set is not configured")}
		svc := services.NewCacheWarmingService(reader)

		err := svc.WarmCache(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "warm statuses")
		assert.Equal(t, int32(1), atomic.LoadInt32(&reader.listCalls))
	})

	t.Run("periodic refresh of the active list", func(t *testing.T) {
		reader := &countingReader{}
		svc := services.NewCacheWarmingService(reader)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		svc.StartPeriodicWarming(ctx, 10*time.Millisecond)

		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&reader.listCalls) >= 3
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(3), atomic.LoadInt32(&reader.termCalls))
	})
}
