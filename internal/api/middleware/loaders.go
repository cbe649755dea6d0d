package middleware

import (
	"net/http"

	"github.com/carequeue/servicequeues/internal/query/loaders"
)

// LoadersMiddleware attaches fresh dataloaders to every request so lookups
// made while serving it are batched together
func LoadersMiddleware(reader loaders.QueueReader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := loaders.WithLoaders(r.Context(), loaders.NewLoaders(reader))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
