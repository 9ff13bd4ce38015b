package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/parsascontentcorner/retrocord/internal/gateway"
	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/permissions"
	"github.com/parsascontentcorner/retrocord/internal/testutil"
)

// mirrorStub serves mirrored presences from a map
type mirrorStub struct {
	presences map[string]models.Presence
	err       error
}

func (m *mirrorStub) Lookup(_ context.Context, userID string) (models.Presence, bool, error) {
	if m.err != nil {
		return models.Presence{}, false, m.err
	}
	p, ok := m.presences[userID]
	return p, ok, nil
}

type invalidations struct {
	guilds []string
}

func (i *invalidations) Invalidate(guildID string) {
	i.guilds = append(i.guilds, guildID)
}

type testService struct {
	hub     *gateway.Hub
	store   *testutil.MemoryStore
	mirror  *mirrorStub
	cache   *invalidations
	client  *DispatchClient
	clients map[string]*testutil.FakeTransport
}

func setupDispatchTest(t *testing.T) *testService {
	t.Helper()

	cfg := testutil.GenerateTestConfig()
	cfg.Gateway.BroadcastPerMinute = 1

	store := testutil.NewMemoryStore()
	for _, id := range []string{"1", "2", "3", "4"} {
		store.AddAccount(testutil.GenerateAccount(id))
	}
	guild := testutil.GenerateGuild("g1", "1", "2", "3")
	// 3 cannot read the text channel
	guild.Channel(testutil.TextChannelID("g1")).PermissionOverwrites = []models.Overwrite{
		{ID: "3", Type: models.OverwriteMember, Deny: int64(permissions.ReadMessages)},
	}
	store.AddGuild(guild)
	store.AddPrivateChannel(testutil.GenerateDM("dm1", "1", "4"))

	mock := clock.NewMock()
	mock.Set(time.Date(2017, time.November, 1, 12, 0, 0, 0, time.UTC))

	hub := gateway.NewHub(cfg.Gateway, gateway.NewCompat(cfg.Compat, cfg.Gateway), gateway.Deps{
		Accounts: store,
		Guilds:   store,
		Settings: store,
		UserData: store,
		Clock:    mock,
	}, zap.NewNop())

	ts := &testService{
		hub:     hub,
		store:   store,
		mirror:  &mirrorStub{presences: map[string]models.Presence{}},
		cache:   &invalidations{},
		clients: map[string]*testutil.FakeTransport{},
	}
	for _, id := range []string{"1", "2", "3", "4"} {
		ts.clients[id] = ts.identify(t, id)
	}

	dispatch := NewDispatchServer(hub.Dispatcher(), store, DispatchOptions{
		Presences: ts.mirror,
		Cache:     ts.cache,
	}, zap.NewNop())

	lis := bufconn.Listen(1 << 20)
	srv := NewServerWithListener(dispatch, lis, zap.NewNop())
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ts.client = NewDispatchClient(conn)
	return ts
}

func (ts *testService) identify(t *testing.T, userID string) *testutil.FakeTransport {
	t.Helper()
	ft := testutil.NewFakeTransport()
	conn := ts.hub.Accept(ft, ts.hub.Compat().ClientInfoFor(testutil.ReleaseDate(2017, time.October, 5)))

	data, err := json.Marshal(map[string]any{
		"op": gateway.OpIdentify,
		"d":  map[string]any{"token": testutil.TokenFor(userID)},
	})
	require.NoError(t, err)
	require.NoError(t, conn.HandleFrame(context.Background(), data))
	return ft
}

func (ts *testService) received(eventType string) []string {
	var users []string
	for _, id := range []string{"1", "2", "3", "4"} {
		if len(ts.clients[id].DispatchesOf(eventType)) > 0 {
			users = append(users, id)
		}
	}
	return users
}

func TestDispatchToUser(t *testing.T) {
	ts := setupDispatchTest(t)
	ctx := context.Background()

	n, err := ts.client.DispatchToUser(ctx, "2", "RELATIONSHIP_ADD", map[string]any{"id": "1", "type": 1})
	require.NoError(t, err)
	assert.Equal(t, int32(1), n)
	assert.Equal(t, []string{"2"}, ts.received("RELATIONSHIP_ADD"))

	var payload map[string]any
	testutil.DecodeData(t, ts.clients["2"].DispatchesOf("RELATIONSHIP_ADD")[0], &payload)
	assert.Equal(t, "1", payload["id"])

	n, err = ts.client.DispatchToUser(ctx, "offline", "RELATIONSHIP_ADD", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchToGuildAndChannel(t *testing.T) {
	ts := setupDispatchTest(t)
	ctx := context.Background()

	n, err := ts.client.DispatchToGuild(ctx, "g1", "GUILD_UPDATE", map[string]any{"id": "g1"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), n)
	assert.Equal(t, []string{"1", "2", "3"}, ts.received("GUILD_UPDATE"))

	n, err = ts.client.DispatchToChannel(ctx, "g1", testutil.TextChannelID("g1"), "MESSAGE_CREATE", map[string]any{"content": "hi"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), n)
	assert.Equal(t, []string{"1", "2"}, ts.received("MESSAGE_CREATE"))
}

func TestDispatchToPrivateChannel(t *testing.T) {
	ts := setupDispatchTest(t)

	n, err := ts.client.DispatchToPrivateChannel(context.Background(), "dm1", "MESSAGE_CREATE", map[string]any{"content": "psst"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), n)
	assert.Equal(t, []string{"1", "4"}, ts.received("MESSAGE_CREATE"))
}

func TestDispatchErrors(t *testing.T) {
	ts := setupDispatchTest(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		code codes.Code
	}{
		{
			name: "missing event type",
			call: func() error { _, err := ts.client.DispatchToUser(ctx, "1", "", nil); return err },
			code: codes.InvalidArgument,
		},
		{
			name: "missing user",
			call: func() error { _, err := ts.client.DispatchToUser(ctx, "", "X", nil); return err },
			code: codes.InvalidArgument,
		},
		{
			name: "unknown guild",
			call: func() error { _, err := ts.client.DispatchToGuild(ctx, "nope", "X", nil); return err },
			code: codes.NotFound,
		},
		{
			name: "unknown channel",
			call: func() error { _, err := ts.client.DispatchToChannel(ctx, "g1", "nope", "X", nil); return err },
			code: codes.NotFound,
		},
		{
			name: "unknown private channel",
			call: func() error { _, err := ts.client.DispatchToPrivateChannel(ctx, "nope", "X", nil); return err },
			code: codes.NotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}

	ts.store.GuildErr = errors.New("connection refused")
	_, err := ts.client.DispatchToGuild(ctx, "g1", "X", nil)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestBroadcastIsRateLimited(t *testing.T) {
	ts := setupDispatchTest(t)
	ctx := context.Background()

	n, err := ts.client.Broadcast(ctx, "MAINTENANCE", map[string]any{"minutes": 5})
	require.NoError(t, err)
	assert.Equal(t, int32(4), n)

	_, err = ts.client.Broadcast(ctx, "MAINTENANCE", nil)
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Len(t, ts.clients["1"].DispatchesOf("MAINTENANCE"), 1)
}

func TestGetPresence(t *testing.T) {
	ts := setupDispatchTest(t)
	ctx := context.Background()

	presence, err := ts.client.GetPresence(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "online", presence.GetFields()["status"].GetStringValue())
	assert.Equal(t, "1", presence.GetFields()["user"].GetStructValue().GetFields()["id"].GetStringValue())

	ts.mirror.presences["9"] = models.Presence{User: models.User{ID: "9"}, Status: models.StatusIdle}
	presence, err = ts.client.GetPresence(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, "idle", presence.GetFields()["status"].GetStringValue())

	_, err = ts.client.GetPresence(ctx, "10")
	assert.Equal(t, codes.NotFound, status.Code(err))

	ts.mirror.err = errors.New("redis down")
	_, err = ts.client.GetPresence(ctx, "10")
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestInvalidateGuild(t *testing.T) {
	ts := setupDispatchTest(t)

	ok, err := ts.client.InvalidateGuild(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"g1"}, ts.cache.guilds)

	noCache := NewDispatchServer(ts.hub.Dispatcher(), ts.store, DispatchOptions{}, zap.NewNop())
	in, err := structpb.NewStruct(map[string]any{"guild_id": "g1"})
	require.NoError(t, err)
	resp, err := noCache.InvalidateGuild(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, resp.GetValue())
}
