package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/testutil"
)

var (
	modernRelease = testutil.ReleaseDate(2017, time.October, 5)
	legacyRelease = testutil.ReleaseDate(2016, time.March, 1)
)

// recordingMirror captures presence mirror calls
type recordingMirror struct {
	mu        sync.Mutex
	published []models.Presence
	cleared   []string
}

func (m *recordingMirror) Publish(_ context.Context, p models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, p)
	return nil
}

func (m *recordingMirror) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, userID)
	return nil
}

func (m *recordingMirror) Cleared() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cleared...)
}

type testEnv struct {
	cfg    *config.Config
	hub    *Hub
	store  *testutil.MemoryStore
	mirror *recordingMirror
	clock  *clock.Mock
}

func newTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testutil.GenerateTestConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	store := testutil.NewMemoryStore()
	mirror := &recordingMirror{}
	mock := clock.NewMock()
	mock.Set(time.Date(2017, time.November, 1, 12, 0, 0, 0, time.UTC))

	hub := NewHub(cfg.Gateway, NewCompat(cfg.Compat, cfg.Gateway), Deps{
		Accounts:      store,
		Guilds:        store,
		Settings:      store,
		UserData:      store,
		Mirror:        mirror,
		Clock:         mock,
		VoiceEndpoint: cfg.Voice.Endpoint,
	}, zap.NewNop())

	return &testEnv{cfg: cfg, hub: hub, store: store, mirror: mirror, clock: mock}
}

func (e *testEnv) addUsers(ids ...string) {
	for _, id := range ids {
		e.store.AddAccount(testutil.GenerateAccount(id))
	}
}

type testClient struct {
	t    *testing.T
	conn *Connection
	ft   *testutil.FakeTransport
}

func (e *testEnv) connect(t *testing.T, release time.Time) *testClient {
	t.Helper()
	ft := testutil.NewFakeTransport()
	conn := e.hub.Accept(ft, e.hub.Compat().ClientInfoFor(release))
	return &testClient{t: t, conn: conn, ft: ft}
}

func (e *testEnv) identify(t *testing.T, userID string) *testClient {
	t.Helper()
	return e.identifyAs(t, userID, modernRelease)
}

func (e *testEnv) identifyAs(t *testing.T, userID string, release time.Time) *testClient {
	t.Helper()
	c := e.connect(t, release)
	require.NoError(t, c.send(OpIdentify, map[string]any{"token": testutil.TokenFor(userID)}))
	require.NotNil(t, c.conn.Session(), "identify should bind a session")
	return c
}

func (c *testClient) send(op int, d any) error {
	data, err := json.Marshal(map[string]any{"op": op, "d": d})
	require.NoError(c.t, err)
	return c.conn.HandleFrame(context.Background(), data)
}

func (c *testClient) session() *Session {
	return c.conn.Session()
}

func (c *testClient) resume(userID, sessionID string, seq int64) error {
	return c.send(OpResume, map[string]any{
		"token":      testutil.TokenFor(userID),
		"session_id": sessionID,
		"seq":        seq,
	})
}

// lastPresence returns the most recent PRESENCE_UPDATE about userID seen by c
func (c *testClient) lastPresence(userID string) (models.Presence, bool) {
	updates := testutil.PresenceUpdatesFor(c.t, c.ft, userID)
	if len(updates) == 0 {
		return models.Presence{}, false
	}
	return updates[len(updates)-1], true
}

func seqs(frames []testutil.Frame) []int64 {
	out := make([]int64, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.S)
	}
	return out
}
