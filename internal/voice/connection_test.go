package voice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsascontentcorner/retrocord/internal/testutil"
)

func TestAcceptSendsHello(t *testing.T) {
	e := newTestEnv(t)
	c := e.connect(t)

	hellos := c.ft.OpFrames(OpHello)
	require.Len(t, hellos, 1)
	var hello HelloPayload
	testutil.DecodeData(t, hellos[0], &hello)
	assert.Equal(t, 13750, hello.HeartbeatInterval)
	assert.Equal(t, 4, hello.V)
}

func TestHeartbeatEchoesNonce(t *testing.T) {
	e := newTestEnv(t)
	c := e.connect(t)

	require.NoError(t, c.send(OpHeartbeat, 1501184119561))

	acks := c.ft.OpFrames(OpHeartbeatACK)
	require.Len(t, acks, 1)
	assert.JSONEq(t, "1501184119561", string(acks[0].D))
}

func TestHeartbeatTimeoutLeavesRoom(t *testing.T) {
	e := newTestEnv(t, "1", "2")
	c, _ := e.join(t, "1")
	other, _ := e.join(t, "2")

	// keep the watcher alive while the other connection goes silent
	for i := 0; i < 3; i++ {
		e.clock.Add(10 * time.Second)
		require.NoError(t, other.send(OpHeartbeat, i))
	}

	require.Eventually(t, func() bool {
		closed, code := c.ft.Closed()
		return closed && code == CloseSessionTimeout
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(other.ft.OpFrames(OpClientDisconnect)) == 1
	}, time.Second, 5*time.Millisecond)
	testutil.AssertOpen(t, other.ft)

	var left ClientDisconnectPayload
	testutil.DecodeData(t, other.ft.OpFrames(OpClientDisconnect)[0], &left)
	assert.Equal(t, "1", left.UserID)
	assert.Len(t, e.hub.Rooms().Participants(roomKey()), 1)
}

func TestFrameRouting(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		identify bool
		code     int
	}{
		{name: "invalid json", frame: `{"op":`, code: CloseDecodeError},
		{name: "missing op", frame: `{"d":{}}`, code: CloseDecodeError},
		{name: "unknown opcode", frame: `{"op":42,"d":{}}`, code: CloseUnknownOpcode},
		{name: "speaking before identify", frame: `{"op":5,"d":{"speaking":1}}`, code: CloseNotAuthenticated},
		{name: "select protocol before identify", frame: `{"op":1,"d":{"protocol":"udp"}}`, code: CloseNotAuthenticated},
		{name: "null identify", frame: `{"op":0,"d":null}`, code: CloseDecodeError},
		{name: "second identify", frame: `{"op":0,"d":{"user_id":"1"}}`, identify: true, code: CloseAlreadyAuthenticated},
		{name: "unknown protocol", frame: `{"op":1,"d":{"protocol":"carrier-pigeon"}}`, identify: true, code: CloseUnknownProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, "1")
			var c *voiceClient
			if tt.identify {
				c, _ = e.join(t, "1")
			} else {
				c = e.connect(t)
			}

			err := c.conn.HandleFrame(context.Background(), []byte(tt.frame))
			require.Error(t, err)
			testutil.AssertClosedWith(t, c.ft, tt.code)
		})
	}
}

func TestCloseLeavesRoomAndReleasesSSRCs(t *testing.T) {
	e := newTestEnv(t, "1", "2")
	first, _ := e.join(t, "1")
	second, _ := e.join(t, "2")
	assert.Equal(t, uint32(4), second.ready().SSRC)

	first.conn.Close(context.Background())

	disconnects := second.ft.OpFrames(OpClientDisconnect)
	require.Len(t, disconnects, 1)
	second.conn.Close(context.Background())
	second.conn.Close(context.Background())

	assert.Equal(t, 0, e.hub.Rooms().Count())
	assert.Contains(t, e.forwarder.Calls(), "leave "+roomKey()+" 1")
	assert.Contains(t, e.forwarder.Calls(), "leave "+roomKey()+" 2")

	// an emptied room starts numbering again
	third, _ := e.join(t, "1")
	assert.Equal(t, uint32(1), third.ready().SSRC)
}
