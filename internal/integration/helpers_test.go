package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"nearby/internal/app"
	"nearby/internal/config"
	"nearby/pkg/types"
)

// service is a running instance backed by a temp SQLite file and the
// in-memory geo index.
type service struct {
	app  *app.Application
	addr string
}

func startService(t *testing.T, mutate func(*config.Config)) *service {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "data", "nearby.db")
	cfg.GeoIndex.Backend = config.BackendMemory
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Proximity.RetryBase = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	a, err := app.NewApplication(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})

	return &service{app: a, addr: a.Addr()}
}

func (s *service) seedUsers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.app.Store().CreateUser(context.Background(), &types.User{ID: id, Email: id + "@example.com"}))
	}
}

func (s *service) url(path string) string {
	return "http://" + s.addr + path
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *service) dial(t *testing.T) *client {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+s.addr+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *client) register(userID string) {
	c.send(map[string]interface{}{"type": "register", "userId": userID})
}

func (c *client) report(userID string, lat, lon float64) {
	c.send(map[string]interface{}{"type": "update_location", "userId": userID, "latitude": lat, "longitude": lon})
}

// next reads one message, failing the test if none arrives in time.
func (c *client) next() map[string]interface{} {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg map[string]interface{}
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

// expectSilence fails if a message arrives within d.
func (c *client) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	var msg map[string]interface{}
	err := c.conn.ReadJSON(&msg)
	require.Error(c.t, err, "unexpected message %v", msg)

	var netErr net.Error
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "expected read timeout, got %v", err)
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}
