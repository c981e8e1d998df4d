package interfaces

import (
	"context"

	"nearby/pkg/types"
)

// RadiusQuery describes a "points within radius" lookup.
type RadiusQuery struct {
	Longitude       float64
	Latitude        float64
	RadiusMeters    float64
	WithDistance    bool
	WithCoordinates bool
	// ExcludeUserID is dropped from the result, normally the querying user.
	ExcludeUserID string
}

// GeoIndex is the calling protocol for the external geospatial index. Every
// method addresses a named point set by key.
type GeoIndex interface {
	UpsertPoint(ctx context.Context, key, userID string, longitude, latitude float64) error
	QueryRadius(ctx context.Context, key string, query RadiusQuery) ([]types.NearbyPeer, error)
	RemovePoint(ctx context.Context, key, userID string) error
	Ping(ctx context.Context) error
}
