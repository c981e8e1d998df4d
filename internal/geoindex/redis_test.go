package geoindex

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearby/pkg/interfaces"
)

type fakeRedis struct {
	added     []*redis.GeoLocation
	removed   []interface{}
	lastQuery *redis.GeoRadiusQuery
	radius    []redis.GeoLocation
	err       error
}

func (f *fakeRedis) GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.added = append(f.added, geoLocation...)
	return redis.NewIntResult(int64(len(geoLocation)), nil)
}

func (f *fakeRedis) GeoRadius(ctx context.Context, key string, longitude, latitude float64, query *redis.GeoRadiusQuery) *redis.GeoLocationCmd {
	f.lastQuery = query
	return redis.NewGeoLocationCmdResult(f.radius, f.err)
}

func (f *fakeRedis) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.removed = append(f.removed, members...)
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func TestNewRedisIndex_NilClient(t *testing.T) {
	_, err := NewRedisIndex(nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestRedisIndex_UpsertPoint(t *testing.T) {
	fake := &fakeRedis{}
	idx, err := NewRedisIndex(fake, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, idx.UpsertPoint(context.Background(), "user_locations", "alice", -73.98, 40.75))
	require.Len(t, fake.added, 1)
	assert.Equal(t, "alice", fake.added[0].Name)
	assert.Equal(t, -73.98, fake.added[0].Longitude)
	assert.Equal(t, 40.75, fake.added[0].Latitude)
}

func TestRedisIndex_QueryRadius(t *testing.T) {
	fake := &fakeRedis{radius: []redis.GeoLocation{
		{Name: "alice", Longitude: -73.98, Latitude: 40.75, Dist: 0},
		{Name: "bob", Longitude: -73.9801, Latitude: 40.7501, Dist: 4.2},
	}}
	idx, err := NewRedisIndex(fake, zerolog.Nop())
	require.NoError(t, err)

	peers, err := idx.QueryRadius(context.Background(), "user_locations", interfaces.RadiusQuery{
		Longitude:       -73.98,
		Latitude:        40.75,
		RadiusMeters:    10,
		WithDistance:    true,
		WithCoordinates: true,
		ExcludeUserID:   "alice",
	})
	require.NoError(t, err)

	require.NotNil(t, fake.lastQuery)
	assert.Equal(t, 10.0, fake.lastQuery.Radius)
	assert.Equal(t, "m", fake.lastQuery.Unit)
	assert.True(t, fake.lastQuery.WithDist)
	assert.True(t, fake.lastQuery.WithCoord)
	assert.Equal(t, "ASC", fake.lastQuery.Sort)

	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].UserID)
	require.NotNil(t, peers[0].DistanceMeters)
	assert.Equal(t, 4.2, *peers[0].DistanceMeters)
	require.NotNil(t, peers[0].Location)
	assert.Equal(t, 40.7501, peers[0].Location.Latitude)
}

func TestRedisIndex_QueryRadiusWithoutExtras(t *testing.T) {
	fake := &fakeRedis{radius: []redis.GeoLocation{{Name: "bob"}}}
	idx, err := NewRedisIndex(fake, zerolog.Nop())
	require.NoError(t, err)

	peers, err := idx.QueryRadius(context.Background(), "k", interfaces.RadiusQuery{RadiusMeters: 10})
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Nil(t, peers[0].DistanceMeters)
	assert.Nil(t, peers[0].Location)
}

func TestRedisIndex_InvalidRadius(t *testing.T) {
	idx, err := NewRedisIndex(&fakeRedis{}, zerolog.Nop())
	require.NoError(t, err)

	_, err = idx.QueryRadius(context.Background(), "k", interfaces.RadiusQuery{RadiusMeters: 0})
	assert.ErrorIs(t, err, ErrInvalidRadius)
}

func TestRedisIndex_ErrorsWrapUnavailable(t *testing.T) {
	fake := &fakeRedis{err: errors.New("connection refused")}
	idx, err := NewRedisIndex(fake, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, idx.UpsertPoint(ctx, "k", "alice", 0, 0), ErrIndexUnavailable)
	_, err = idx.QueryRadius(ctx, "k", interfaces.RadiusQuery{RadiusMeters: 10})
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.ErrorIs(t, idx.RemovePoint(ctx, "k", "alice"), ErrIndexUnavailable)
	assert.ErrorIs(t, idx.Ping(ctx), ErrIndexUnavailable)
	assert.ErrorIs(t, idx.HealthCheck(ctx), ErrIndexUnavailable)
}

func TestRedisIndex_RemovePoint(t *testing.T) {
	fake := &fakeRedis{}
	idx, err := NewRedisIndex(fake, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, idx.RemovePoint(context.Background(), "k", "alice"))
	assert.Equal(t, []interface{}{"alice"}, fake.removed)
}
