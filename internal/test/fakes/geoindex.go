package fakes

import (
	"context"
	"sync"

	"nearby/internal/geoindex"
	"nearby/pkg/interfaces"
	"nearby/pkg/types"
)

// GeoIndex wraps a MemoryIndex with call counters and error injection.
type GeoIndex struct {
	*geoindex.MemoryIndex

	mu        sync.Mutex
	upserts   int
	queries   int
	removals  int
	UpsertErr error
	QueryErr  error
}

var _ interfaces.GeoIndex = (*GeoIndex)(nil)

func NewGeoIndex() *GeoIndex {
	return &GeoIndex{MemoryIndex: geoindex.NewMemoryIndex()}
}

func (g *GeoIndex) UpsertPoint(ctx context.Context, key, userID string, longitude, latitude float64) error {
	g.mu.Lock()
	err := g.UpsertErr
	g.upserts++
	g.mu.Unlock()
	if err != nil {
		return err
	}
	return g.MemoryIndex.UpsertPoint(ctx, key, userID, longitude, latitude)
}

func (g *GeoIndex) QueryRadius(ctx context.Context, key string, query interfaces.RadiusQuery) ([]types.NearbyPeer, error) {
	g.mu.Lock()
	err := g.QueryErr
	g.queries++
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g.MemoryIndex.QueryRadius(ctx, key, query)
}

func (g *GeoIndex) RemovePoint(ctx context.Context, key, userID string) error {
	g.mu.Lock()
	g.removals++
	g.mu.Unlock()
	return g.MemoryIndex.RemovePoint(ctx, key, userID)
}

// Upserts returns how many UpsertPoint calls were made.
func (g *GeoIndex) Upserts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.upserts
}

// Queries returns how many QueryRadius calls were made.
func (g *GeoIndex) Queries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

// Removals returns how many RemovePoint calls were made.
func (g *GeoIndex) Removals() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removals
}
