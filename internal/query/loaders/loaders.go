package loaders

import (
	"context"

	"github.com/carequeue/servicequeues/internal/domain/entities"
	"github.com/carequeue/servicequeues/internal/query/services"
	"github.com/graph-gophers/dataloader/v7"
	"golang.org/x/sync/errgroup"
)

type ctxKey string

const loadersKey ctxKey = "dataloaders"

// photo lookups are one upstream read each; a batch runs this many at once
const photoFetchConcurrency = 8

// PatientVisit identifies one visit of one patient
type PatientVisit struct {
	PatientID string `json:"patientId"`
	VisitID   string `json:"visitId"`
}

// QueueReader is the part of the query service the loaders batch over
type QueueReader interface {
	ListActiveQueueEntries(ctx context.Context) services.ActiveEntries
	GetPatientPhoto(ctx context.Context, patientID string) services.PatientPhotoResult
}

// Loaders contains the per-request dataloaders
type Loaders struct {
	QueueEntryLoader *dataloader.Loader[PatientVisit, *entities.MappedQueueEntry]
	PhotoLoader      *dataloader.Loader[string, *entities.PatientPhoto]
}

// NewLoaders creates a new instance of Loaders. A batch of patient visit
// lookups is answered from a single read of the active list; a batch of
// photo lookups is fetched concurrently, once per distinct patient.
func NewLoaders(reader QueueReader) *Loaders {
	return &Loaders{
		QueueEntryLoader: dataloader.NewBatchedLoader(func(ctx context.Context, keys []PatientVisit) []*dataloader.Result[*entities.MappedQueueEntry] {
			results := make([]*dataloader.Result[*entities.MappedQueueEntry], len(keys))
			active := reader.ListActiveQueueEntries(ctx)

			for i, key := range keys {
				if active.Err != nil && active.Entries == nil {
					results[i] = &dataloader.Result[*entities.MappedQueueEntry]{Error: active.Err}
					continue
				}
				results[i] = &dataloader.Result[*entities.MappedQueueEntry]{
					Data: services.FindPatientVisitEntry(active.Entries, key.PatientID, key.VisitID),
				}
			}
			return results
		}),
		PhotoLoader: dataloader.NewBatchedLoader(func(ctx context.Context, keys []string) []*dataloader.Result[*entities.PatientPhoto] {
			results := make([]*dataloader.Result[*entities.PatientPhoto], len(keys))
			var g errgroup.Group
			g.SetLimit(photoFetchConcurrency)
			for i, patientID := range keys {
				g.Go(func() error {
					res := reader.GetPatientPhoto(ctx, patientID)
					if res.Err != nil && res.Photo == nil {
						results[i] = &dataloader.Result[*entities.PatientPhoto]{Error: res.Err}
						return nil
					}
					results[i] = &dataloader.Result[*entities.PatientPhoto]{Data: res.Photo}
					return nil
				})
			}
			_ = g.Wait()
			return results
		}),
	}
}

// LoadQueueEntries resolves every pair in one batch, in input order
func (l *Loaders) LoadQueueEntries(ctx context.Context, pairs []PatientVisit) ([]*entities.MappedQueueEntry, []error) {
	return l.QueueEntryLoader.LoadMany(ctx, pairs)()
}

// LoadPhotos resolves the photo of every patient in one batch, in input order
func (l *Loaders) LoadPhotos(ctx context.Context, patientIDs []string) ([]*entities.PatientPhoto, []error) {
	return l.PhotoLoader.LoadMany(ctx, patientIDs)()
}

// For returns the loaders for a given context, or nil when none are attached
func For(ctx context.Context) *Loaders {
	loaders, _ := ctx.Value(loadersKey).(*Loaders)
	return loaders
}

// WithLoaders returns a new context with the loaders attached
func WithLoaders(ctx context.Context, loaders *Loaders) context.Context {
	return context.WithValue(ctx, loadersKey, loaders)
}
