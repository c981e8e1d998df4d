// Package geoindex implements the geospatial query gateway on top of Redis
// GEO sets, plus an in-process index for single-node runs.
package geoindex

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"nearby/pkg/interfaces"
	"nearby/pkg/types"
)

// redisClient is the subset of go-redis the index needs.
type redisClient interface {
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	GeoRadius(ctx context.Context, key string, longitude, latitude float64, query *redis.GeoRadiusQuery) *redis.GeoLocationCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisIndex stores one GEO sorted set per key, with userIDs as members.
type RedisIndex struct {
	client redisClient
	logger zerolog.Logger
}

var _ interfaces.GeoIndex = (*RedisIndex)(nil)

// NewRedisIndex wraps a go-redis client.
func NewRedisIndex(client redisClient, logger zerolog.Logger) (*RedisIndex, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &RedisIndex{
		client: client,
		logger: logger.With().Str("component", "redis_geo_index").Logger(),
	}, nil
}

// UpsertPoint adds or moves the user's point (GEOADD).
func (r *RedisIndex) UpsertPoint(ctx context.Context, key, userID string, longitude, latitude float64) error {
	err := r.client.GeoAdd(ctx, key, &redis.GeoLocation{
		Name:      userID,
		Longitude: longitude,
		Latitude:  latitude,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: geoadd %s: %v", ErrIndexUnavailable, key, err)
	}
	return nil
}

// QueryRadius returns members within query.RadiusMeters, nearest first
// (GEORADIUS_RO ... ASC).
func (r *RedisIndex) QueryRadius(ctx context.Context, key string, query interfaces.RadiusQuery) ([]types.NearbyPeer, error) {
	if query.RadiusMeters <= 0 {
		return nil, ErrInvalidRadius
	}

	locations, err := r.client.GeoRadius(ctx, key, query.Longitude, query.Latitude, &redis.GeoRadiusQuery{
		Radius:    query.RadiusMeters,
		Unit:      "m",
		WithDist:  query.WithDistance,
		WithCoord: query.WithCoordinates,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: georadius %s: %v", ErrIndexUnavailable, key, err)
	}

	peers := make([]types.NearbyPeer, 0, len(locations))
	for _, loc := range locations {
		if loc.Name == query.ExcludeUserID {
			continue
		}
		peer := types.NearbyPeer{UserID: loc.Name}
		if query.WithDistance {
			dist := loc.Dist
			peer.DistanceMeters = &dist
		}
		if query.WithCoordinates {
			peer.Location = &types.Coordinates{Latitude: loc.Latitude, Longitude: loc.Longitude}
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// RemovePoint deletes the user's point (ZREM). Removing an absent member is
// not an error.
func (r *RedisIndex) RemovePoint(ctx context.Context, key, userID string) error {
	if err := r.client.ZRem(ctx, key, userID).Err(); err != nil {
		return fmt.Errorf("%w: zrem %s: %v", ErrIndexUnavailable, key, err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisIndex) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return nil
}

// HealthCheck satisfies interfaces.HealthChecker.
func (r *RedisIndex) HealthCheck(ctx context.Context) error {
	return r.Ping(ctx)
}
