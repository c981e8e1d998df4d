package proximity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearby/internal/ratelimit"
	"nearby/internal/test/fakes"
	"nearby/internal/websocket"
	"nearby/pkg/types"
)

const (
	baseLat = 40.75
	baseLon = -73.98
	// About 5 meters of latitude.
	nearOffset = 0.000045
)

type testEnv struct {
	engine    *Engine
	registry  *websocket.Registry
	geo       *fakes.GeoIndex
	identity  *fakes.IdentityStore
	locations *fakes.LocationStore
}

func newTestEnv(t *testing.T, tokensPerMinute int, users ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		registry:  websocket.NewRegistry(),
		geo:       fakes.NewGeoIndex(),
		identity:  fakes.NewIdentityStore(users...),
		locations: fakes.NewLocationStore(),
	}
	engine, err := NewEngine(Dependencies{
		Registry:      env.registry,
		Limiter:       ratelimit.New(tokensPerMinute),
		GeoIndex:      env.geo,
		Identity:      env.identity,
		Locations:     env.locations,
		IdentityRetry: NewIdentityRetryPolicy(3, time.Millisecond),
	}, Config{}, zerolog.Nop())
	require.NoError(t, err)
	env.engine = engine
	return env
}

func (env *testEnv) connect(t *testing.T, userID string) *fakes.Connection {
	t.Helper()
	conn := fakes.NewConnection()
	require.NoError(t, env.engine.Register(conn, userID))
	return conn
}

func report(userID string, lat, lon float64) types.LocationReport {
	return types.LocationReport{UserID: userID, Latitude: lat, Longitude: lon}
}

func lastError(t *testing.T, conn *fakes.Connection) string {
	t.Helper()
	msg, ok := conn.Last().(*types.ErrorMessage)
	require.True(t, ok, "expected *types.ErrorMessage, got %T", conn.Last())
	return msg.Message
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(Dependencies{}, Config{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNilRegistry)

	_, err = NewEngine(Dependencies{Registry: websocket.NewRegistry()}, Config{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNilLimiter)
}

func TestNewEngine_Defaults(t *testing.T) {
	env := newTestEnv(t, 0)
	cfg := env.engine.Config()
	assert.Equal(t, DefaultGeoKey, cfg.GeoKey)
	assert.Equal(t, DefaultRadiusMeters, cfg.RadiusMeters)
}

func TestEngine_NearbyFanOut(t *testing.T) {
	env := newTestEnv(t, 60, "alice", "bob", "carol")
	ctx := context.Background()

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	carol := env.connect(t, "carol")

	require.NoError(t, env.geo.UpsertPoint(ctx, DefaultGeoKey, "bob", baseLon, baseLat+nearOffset))
	require.NoError(t, env.geo.UpsertPoint(ctx, DefaultGeoKey, "carol", baseLon, baseLat+0.01))

	require.NoError(t, env.engine.ProcessLocationReport(ctx, alice, report("alice", baseLat, baseLon)))

	nearby, ok := alice.Last().(*types.NearbyUsersMessage)
	require.True(t, ok, "alice should get nearby_users, got %T", alice.Last())
	assert.Equal(t, []string{"bob"}, nearby.Users)
	assert.Equal(t, types.Coordinates{Latitude: baseLat, Longitude: baseLon}, nearby.YourLocation)
	require.Len(t, nearby.Peers, 1)
	require.NotNil(t, nearby.Peers[0].DistanceMeters)
	assert.InDelta(t, 5.0, *nearby.Peers[0].DistanceMeters, 0.5)

	entered, ok := bob.Last().(*types.UserEnteredProximityMessage)
	require.True(t, ok, "bob should get user_entered_proximity, got %T", bob.Last())
	assert.Equal(t, "alice", entered.UserID)
	assert.Equal(t, types.Coordinates{Latitude: baseLat, Longitude: baseLon}, entered.Location)

	assert.Empty(t, carol.Sent())

	stored, ok := env.locations.Get("alice")
	require.True(t, ok, "first report should persist")
	assert.Equal(t, baseLat, stored.Latitude)
}

func TestEngine_NoPeersNoNotification(t *testing.T) {
	env := newTestEnv(t, 60, "alice")
	alice := env.connect(t, "alice")

	require.NoError(t, env.engine.ProcessLocationReport(context.Background(), alice, report("alice", 1, 2)))

	assert.Empty(t, alice.Sent())
	assert.Equal(t, 1, env.locations.Upserts())
	_, ok := env.geo.Position(DefaultGeoKey, "alice")
	assert.True(t, ok)
}

func TestEngine_DisconnectedPeerIsSkipped(t *testing.T) {
	env := newTestEnv(t, 60, "alice", "bob")
	ctx := context.Background()
	alice := env.connect(t, "alice")

	// bob is in the index but has no live connection.
	require.NoError(t, env.geo.UpsertPoint(ctx, DefaultGeoKey, "bob", baseLon, baseLat))

	require.NoError(t, env.engine.ProcessLocationReport(ctx, alice, report("alice", baseLat, baseLon)))

	nearby, ok := alice.Last().(*types.NearbyUsersMessage)
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, nearby.Users)
}

func TestEngine_RateLimited(t *testing.T) {
	env := newTestEnv(t, 1, "alice")
	ctx := context.Background()
	alice := env.connect(t, "alice")

	require.NoError(t, env.engine.ProcessLocationReport(ctx, alice, report("alice", 1, 2)))

	err := env.engine.ProcessLocationReport(ctx, alice, report("alice", 1, 3))
	assert.ErrorIs(t, err, ErrAdmissionDenied)
	assert.Equal(t, MsgRateLimited, lastError(t, alice))
	assert.Equal(t, 1, env.geo.Upserts(), "rejected report must have no side effects")
	assert.Equal(t, 1, env.identity.Calls())
}

func TestEngine_InvalidCoordinates(t *testing.T) {
	env := newTestEnv(t, 60, "alice")
	alice := env.connect(t, "alice")

	for _, r := range []types.LocationReport{
		report("alice", 90.5, 0),
		report("alice", 0, -180.5),
		report("alice", 0, 181),
	} {
		err := env.engine.ProcessLocationReport(context.Background(), alice, r)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, MsgInvalidLocation, lastError(t, alice))
	}
	assert.Zero(t, env.identity.Calls())
	assert.Zero(t, env.geo.Upserts())
}

func TestEngine_AcceptsPositiveLongitude(t *testing.T) {
	env := newTestEnv(t, 60, "alice")
	alice := env.connect(t, "alice")

	require.NoError(t, env.engine.ProcessLocationReport(context.Background(), alice, report("alice", 48.8566, 2.3522)))
	require.NoError(t, env.engine.ProcessLocationReport(context.Background(), alice, report("alice", 0, 180)))
}

func TestEngine_UnknownUser(t *testing.T) {
	env := newTestEnv(t, 60)
	ghost := env.connect(t, "ghost")

	err := env.engine.ProcessLocationReport(context.Background(), ghost, report("ghost", 1, 2))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, MsgUserNotFound, lastError(t, ghost))

	assert.Equal(t, 3, env.identity.Calls(), "not found is retried up to the attempt cap")
	assert.Zero(t, env.geo.Upserts())
	assert.Zero(t, env.locations.Upserts())
}

func TestEngine_IdentityTransientFailureRecovers(t *testing.T) {
	env := newTestEnv(t, 60, "alice")
	alice := env.connect(t, "alice")
	env.identity.FailNext(errors.New("connection reset"))

	require.NoError(t, env.engine.ProcessLocationReport(context.Background(), alice, report("alice", 1, 2)))
	assert.Equal(t, 2, env.identity.Calls())
	assert.Equal(t, 1, env.geo.Upserts())
}

func TestEngine_IdentityFailureExhausted(t *testing.T) {
	env := newTestEnv(t, 60, "alice")
	alice := env.connect(t, "alice")
	boom := errors.New("db down")
	env.identity.FailNext(boom, boom, boom)

	err := env.engine.ProcessLocationReport(context.Background(), alice, report("alice", 1, 2))
	assert.ErrorIs(t, err, ErrInfrastructure)
	assert.Equal(t, MsgServerError, lastError(t, alice))
	assert.Zero(t, env.geo.Upserts())
}

func TestEngine_GeoUpsertFailure(t *testing.T) {
	env := newTestEnv(t, 60, "alice")
	alice := env.connect(t, "alice")
	env.geo.UpsertErr = errors.New("redis down")

	err := env.engine.ProcessLocationReport(context.Background(), alice, report("alice", 1, 2))
	assert.ErrorIs(t, err, ErrInfrastructure)
	assert.Equal(t, MsgServerError, lastError(t, alice))
	assert.Zero(t, env.geo.Queries())
	assert.Zero(t, env.locations.Upserts())
}

func TestEngine_GeoQueryFailure(t *testing.T) {
	env := newTestEnv(t, 60, "alice")
	alice := env.connect(t, "alice")
	env.geo.QueryErr = errors.New("redis down")

	err := env.engine.ProcessLocationReport(context.Background(), alice, report("alice", 1, 2))
	assert.ErrorIs(t, err, ErrInfrastructure)
	assert.Equal(t, MsgServerError, lastError(t, alice))
	assert.Len(t, alice.Sent(), 1)
	assert.Zero(t, env.locations.Upserts())
}

func TestEngine_PersistsOnlySignificantMovement(t *testing.T) {
	env := newTestEnv(t, 60, "alice")
	ctx := context.Background()
	alice := env.connect(t, "alice")

	require.NoError(t, env.engine.ProcessLocationReport(ctx, alice, report("alice", baseLat, baseLon)))
	require.Equal(t, 1, env.locations.Upserts())

	// About 11 meters: below the 50 meter threshold.
	require.NoError(t, env.engine.ProcessLocationReport(ctx, alice, report("alice", baseLat+0.0001, baseLon)))
	assert.Equal(t, 1, env.locations.Upserts())

	// About 111 meters.
	require.NoError(t, env.engine.ProcessLocationReport(ctx, alice, report("alice", baseLat+0.001, baseLon)))
	assert.Equal(t, 2, env.locations.Upserts())

	stored, _ := env.locations.Get("alice")
	assert.Equal(t, baseLat+0.001, stored.Latitude)
	assert.False(t, stored.UpdatedAt.IsZero())
}

func TestEngine_PersistenceFailureKeepsNotifications(t *testing.T) {
	env := newTestEnv(t, 60, "alice", "bob")
	ctx := context.Background()
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	require.NoError(t, env.geo.UpsertPoint(ctx, DefaultGeoKey, "bob", baseLon, baseLat))
	env.locations.UpsertErr = errors.New("disk full")

	err := env.engine.ProcessLocationReport(ctx, alice, report("alice", baseLat, baseLon))
	assert.ErrorIs(t, err, ErrInfrastructure)

	sent := alice.Sent()
	require.Len(t, sent, 2)
	assert.IsType(t, &types.NearbyUsersMessage{}, sent[0])
	assert.Equal(t, MsgPersistenceFailed, lastError(t, alice))
	assert.IsType(t, &types.UserEnteredProximityMessage{}, bob.Last())
}

func TestEngine_PersistenceReadFailure(t *testing.T) {
	env := newTestEnv(t, 60, "alice")
	alice := env.connect(t, "alice")
	env.locations.GetErr = errors.New("timeout")

	err := env.engine.ProcessLocationReport(context.Background(), alice, report("alice", 1, 2))
	assert.ErrorIs(t, err, ErrInfrastructure)
	assert.Equal(t, MsgPersistenceFailed, lastError(t, alice))
}

func TestEngine_RegisterReplacesWithoutClosing(t *testing.T) {
	env := newTestEnv(t, 60)
	first := env.connect(t, "alice")
	second := env.connect(t, "alice")

	got, ok := env.registry.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, second.ID(), got.ID())
	assert.True(t, first.IsOpen())
}

func TestEngine_RegisterSwitchingUser(t *testing.T) {
	env := newTestEnv(t, 60)
	conn := env.connect(t, "alice")
	require.NoError(t, env.engine.Register(conn, "bob"))

	_, ok := env.registry.Lookup("alice")
	assert.False(t, ok)
	_, ok = env.registry.Lookup("bob")
	assert.True(t, ok)
	assert.Equal(t, "bob", conn.GetUserID())
}

func TestEngine_RegisterSwitchingUserReleasesPreviousUser(t *testing.T) {
	env := newTestEnv(t, 60, "alice", "bob", "carol")
	ctx := context.Background()

	conn := env.connect(t, "alice")
	require.NoError(t, env.engine.ProcessLocationReport(ctx, conn, report("alice", baseLat, baseLon)))
	_, ok := env.geo.Position(DefaultGeoKey, "alice")
	require.True(t, ok)

	require.NoError(t, env.engine.Register(conn, "bob"))
	_, ok = env.geo.Position(DefaultGeoKey, "alice")
	assert.False(t, ok, "rebinding must drop the previous user's point")
	assert.Equal(t, 1, env.geo.Removals())

	assert.True(t, env.engine.Disconnect(ctx, conn))

	carol := env.connect(t, "carol")
	require.NoError(t, env.engine.ProcessLocationReport(ctx, carol, report("carol", baseLat+nearOffset, baseLon)))
	assert.Empty(t, carol.Sent(), "no ghost peer may be reported")
}

func TestEngine_RegisterInvalidUserKeepsBinding(t *testing.T) {
	env := newTestEnv(t, 60)
	conn := env.connect(t, "alice")

	assert.ErrorIs(t, env.engine.Register(conn, "not valid"), ErrProtocol)
	assert.Equal(t, "alice", conn.GetUserID())
	assert.True(t, env.engine.IsCurrent(conn, "alice"))
	assert.Zero(t, env.geo.Removals())
}

func TestEngine_IsCurrent(t *testing.T) {
	env := newTestEnv(t, 60)
	old := env.connect(t, "alice")
	assert.True(t, env.engine.IsCurrent(old, "alice"))

	newer := env.connect(t, "alice")
	assert.False(t, env.engine.IsCurrent(old, "alice"))
	assert.True(t, env.engine.IsCurrent(newer, "alice"))
	assert.False(t, env.engine.IsCurrent(newer, "bob"))
}

func TestEngine_RegisterRejectsInvalidUser(t *testing.T) {
	env := newTestEnv(t, 60)
	err := env.engine.Register(fakes.NewConnection(), "not valid")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestEngine_DisconnectCleansUp(t *testing.T) {
	env := newTestEnv(t, 60, "alice")
	ctx := context.Background()
	alice := env.connect(t, "alice")
	require.NoError(t, env.engine.ProcessLocationReport(ctx, alice, report("alice", 1, 2)))

	assert.True(t, env.engine.Disconnect(ctx, alice))

	_, ok := env.registry.Lookup("alice")
	assert.False(t, ok)
	_, ok = env.geo.Position(DefaultGeoKey, "alice")
	assert.False(t, ok)

	assert.False(t, env.engine.Disconnect(ctx, alice), "second disconnect is a no-op")
}

func TestEngine_DisconnectOfReplacedConnectionKeepsState(t *testing.T) {
	env := newTestEnv(t, 60, "alice")
	ctx := context.Background()
	old := env.connect(t, "alice")
	current := env.connect(t, "alice")
	require.NoError(t, env.engine.ProcessLocationReport(ctx, current, report("alice", 1, 2)))

	assert.False(t, env.engine.Disconnect(ctx, old))

	_, ok := env.registry.Lookup("alice")
	assert.True(t, ok)
	_, ok = env.geo.Position(DefaultGeoKey, "alice")
	assert.True(t, ok)
}

func TestEngine_DisconnectUnregistered(t *testing.T) {
	env := newTestEnv(t, 60)
	assert.False(t, env.engine.Disconnect(context.Background(), fakes.NewConnection()))
	assert.Zero(t, env.geo.Removals())
}

func TestEngine_IdentityRetryStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, 60)
	env.engine.identityRetry = NewIdentityRetryPolicy(5, time.Hour)
	ghost := env.connect(t, "ghost")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := env.engine.ProcessLocationReport(ctx, ghost, report("ghost", 1, 2))
	require.Error(t, err)
	assert.Equal(t, 1, env.identity.Calls())
}
