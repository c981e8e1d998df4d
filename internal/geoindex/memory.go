package geoindex

import (
	"context"
	"sort"
	"sync"

	"nearby/internal/geo"
	"nearby/pkg/interfaces"
	"nearby/pkg/types"
)

// MemoryIndex keeps points in process memory and answers radius queries by
// scanning with Haversine. It suits a single instance and tests.
type MemoryIndex struct {
	mu   sync.RWMutex
	sets map[string]map[string]geo.Point
}

var _ interfaces.GeoIndex = (*MemoryIndex)(nil)

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{sets: make(map[string]map[string]geo.Point)}
}

func (m *MemoryIndex) UpsertPoint(ctx context.Context, key, userID string, longitude, latitude float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]geo.Point)
		m.sets[key] = set
	}
	set[userID] = geo.Point{Latitude: latitude, Longitude: longitude}
	return nil
}

func (m *MemoryIndex) QueryRadius(ctx context.Context, key string, query interfaces.RadiusQuery) ([]types.NearbyPeer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if query.RadiusMeters <= 0 {
		return nil, ErrInvalidRadius
	}

	center := geo.Point{Latitude: query.Latitude, Longitude: query.Longitude}

	type hit struct {
		userID string
		point  geo.Point
		dist   float64
	}

	m.mu.RLock()
	var hits []hit
	for userID, p := range m.sets[key] {
		if userID == query.ExcludeUserID {
			continue
		}
		if d := geo.Distance(center, p); d <= query.RadiusMeters {
			hits = append(hits, hit{userID: userID, point: p, dist: d})
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist == hits[j].dist {
			return hits[i].userID < hits[j].userID
		}
		return hits[i].dist < hits[j].dist
	})

	peers := make([]types.NearbyPeer, 0, len(hits))
	for _, h := range hits {
		peer := types.NearbyPeer{UserID: h.userID}
		if query.WithDistance {
			dist := h.dist
			peer.DistanceMeters = &dist
		}
		if query.WithCoordinates {
			peer.Location = &types.Coordinates{Latitude: h.point.Latitude, Longitude: h.point.Longitude}
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

func (m *MemoryIndex) RemovePoint(ctx context.Context, key, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.sets[key]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

func (m *MemoryIndex) Ping(ctx context.Context) error {
	return ctx.Err()
}

// HealthCheck satisfies interfaces.HealthChecker.
func (m *MemoryIndex) HealthCheck(ctx context.Context) error {
	return m.Ping(ctx)
}

// Position returns the stored point for userID.
func (m *MemoryIndex) Position(key, userID string) (geo.Point, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.sets[key][userID]
	return p, ok
}

// Len returns the number of points under key.
func (m *MemoryIndex) Len(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sets[key])
}
