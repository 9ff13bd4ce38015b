package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/gateway"
	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/testutil"
)

// fakeForwarder records MediaForwarder calls
type fakeForwarder struct {
	mu         sync.Mutex
	calls      []string
	offers     []string
	subscribed [][2]string // consumer, producer
	published  []Production
	answer     string
	offerErr   error
}

func (f *fakeForwarder) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeForwarder) Join(_ context.Context, roomKey, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("join %s %s", roomKey, userID))
	return nil
}

func (f *fakeForwarder) Offer(_ context.Context, roomKey, userID, sdp string, _ []Codec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("offer %s %s", roomKey, userID))
	f.offers = append(f.offers, sdp)
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return f.answer, nil
}

func (f *fakeForwarder) PublishTrack(_ context.Context, roomKey, userID string, _ SSRCs, production Production) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("publish %s %s", roomKey, userID))
	f.published = append(f.published, production)
	return nil
}

func (f *fakeForwarder) SubscribeToTrack(_ context.Context, roomKey, consumerID, producerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("subscribe %s %s %s", roomKey, consumerID, producerID))
	f.subscribed = append(f.subscribed, [2]string{consumerID, producerID})
	return nil
}

func (f *fakeForwarder) Leave(_ context.Context, roomKey, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("leave %s %s", roomKey, userID))
	return nil
}

func (f *fakeForwarder) Subscriptions() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.subscribed...)
}

func (f *fakeForwarder) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

const testGuild = "g1"

type testEnv struct {
	cfg       *config.Config
	gateway   *gateway.Hub
	hub       *Hub
	store     *testutil.MemoryStore
	forwarder *fakeForwarder
	clock     *clock.Mock
}

type envOptions struct {
	noForwarder bool
}

func newTestEnv(t *testing.T, userIDs ...string) *testEnv {
	return newTestEnvWith(t, envOptions{}, userIDs...)
}

func newTestEnvWith(t *testing.T, opts envOptions, userIDs ...string) *testEnv {
	t.Helper()

	cfg := testutil.GenerateTestConfig()
	store := testutil.NewMemoryStore()
	for _, id := range userIDs {
		store.AddAccount(testutil.GenerateAccount(id))
	}
	if len(userIDs) > 0 {
		store.AddGuild(testutil.GenerateGuild(testGuild, userIDs[0], userIDs...))
	}

	mock := clock.NewMock()
	mock.Set(time.Date(2017, time.November, 1, 12, 0, 0, 0, time.UTC))

	gw := gateway.NewHub(cfg.Gateway, gateway.NewCompat(cfg.Compat, cfg.Gateway), gateway.Deps{
		Accounts:      store,
		Guilds:        store,
		Settings:      store,
		UserData:      store,
		Clock:         mock,
		VoiceEndpoint: cfg.Voice.Endpoint,
	}, zap.NewNop())

	e := &testEnv{cfg: cfg, gateway: gw, store: store, clock: mock}
	deps := Deps{Sessions: gw.Registry(), Clock: mock}
	if !opts.noForwarder {
		e.forwarder = &fakeForwarder{answer: "v=0 answer"}
		deps.Forwarder = e.forwarder
	}
	e.hub = NewHub(cfg.Voice, deps, zap.NewNop())
	return e
}

func handle(t *testing.T, fn func(context.Context, []byte) error, op int, d any) error {
	t.Helper()
	data, err := json.Marshal(map[string]any{"op": op, "d": d})
	require.NoError(t, err)
	return fn(context.Background(), data)
}

type gatewayClient struct {
	conn *gateway.Connection
	ft   *testutil.FakeTransport
}

// joinGateway identifies userID on the gateway and joins the guild's voice channel
func (e *testEnv) joinGateway(t *testing.T, userID string) (*gatewayClient, models.VoiceState) {
	t.Helper()

	ft := testutil.NewFakeTransport()
	conn := e.gateway.Accept(ft, e.gateway.Compat().ClientInfoFor(testutil.ReleaseDate(2017, time.October, 5)))
	require.NoError(t, handle(t, conn.HandleFrame, gateway.OpIdentify, map[string]any{
		"token": testutil.TokenFor(userID),
	}))
	require.NoError(t, handle(t, conn.HandleFrame, gateway.OpVoiceStateUpdate, map[string]any{
		"guild_id":   testGuild,
		"channel_id": testutil.VoiceChannelID(testGuild),
	}))

	state, ok := e.gateway.Registry().VoiceState(userID)
	require.True(t, ok)
	return &gatewayClient{conn: conn, ft: ft}, state
}

type voiceClient struct {
	t    *testing.T
	conn *Connection
	ft   *testutil.FakeTransport
}

func (e *testEnv) connect(t *testing.T) *voiceClient {
	t.Helper()
	ft := testutil.NewFakeTransport()
	return &voiceClient{t: t, conn: e.hub.Accept(ft), ft: ft}
}

func identifyPayload(state models.VoiceState) map[string]any {
	return map[string]any{
		"server_id":  state.GuildID,
		"user_id":    state.UserID,
		"session_id": state.SessionID,
		"token":      state.Token,
	}
}

// join runs the gateway join and a successful voice identify for userID
func (e *testEnv) join(t *testing.T, userID string) (*voiceClient, *gatewayClient) {
	t.Helper()
	gw, state := e.joinGateway(t, userID)
	c := e.connect(t)
	require.NoError(t, c.send(OpIdentify, identifyPayload(state)))
	require.NotNil(t, c.conn.Participant())
	return c, gw
}

func (c *voiceClient) send(op int, d any) error {
	c.t.Helper()
	return handle(c.t, c.conn.HandleFrame, op, d)
}

func (c *voiceClient) ready() ReadyPayload {
	c.t.Helper()
	frames := c.ft.OpFrames(OpReady)
	require.Len(c.t, frames, 1)
	var ready ReadyPayload
	testutil.DecodeData(c.t, frames[0], &ready)
	return ready
}

func roomKey() string {
	return testGuild + ":" + testutil.VoiceChannelID(testGuild)
}
