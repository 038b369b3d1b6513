// Package collab defines the small interfaces the router consumes from the
// rest of the system, matching the teacher's pattern of passing narrow
// interfaces into a constructor rather than depending on concrete
// implementations directly (internal/api/server.go's Server struct fields).
//
// This package used to also declare GeoOrdering, SharedKV, and Auth
// interfaces for the geo ranker, the cache's Redis tier, and API-key
// authentication. None of the three had a real consumer: router.go calls
// geo.Order directly with a signature GeoOrdering didn't even match, cache.go
// talks to *redis.Client directly rather than through SharedKV, and API-key
// checks in api/middleware.go never look up a principal. They were deleted
// rather than kept as aspirational scaffolding; see DESIGN.md.
package collab

import (
	"time"
)

// Metrics is the observability sink operations report into. A Prometheus
// registry implements this; tests can supply a no-op.
type Metrics interface {
	IncRequest(method string, endpointID string, success bool)
	ObserveLatency(method string, endpointID string, d time.Duration)
	IncCacheHit(method string)
	IncCacheMiss(method string)
	IncConsensusFailure(method string)
	SetEndpointStatus(endpointID string, healthy bool)
}
