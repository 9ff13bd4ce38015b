package testutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

// DecodeData unmarshals a frame's d field into v
func DecodeData(t *testing.T, frame Frame, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(frame.D, v), "frame %s d should decode", frame.T)
}

// AssertSequential checks that dispatch sequence numbers increase by exactly one
// starting at first.
func AssertSequential(t *testing.T, frames []Frame, first int64) {
	t.Helper()

	for i, f := range frames {
		assert.Equal(t, first+int64(i), f.S, "dispatch %d (%s) has wrong seq", i, f.T)
	}
}

// AssertClosedWith checks that the transport was closed with the given code
func AssertClosedWith(t *testing.T, ft *FakeTransport, code int) {
	t.Helper()

	closed, got := ft.Closed()
	require.True(t, closed, "transport should be closed")
	assert.Equal(t, code, got, "close code should match")
}

// AssertOpen checks that the transport has not been closed
func AssertOpen(t *testing.T, ft *FakeTransport) {
	t.Helper()

	closed, code := ft.Closed()
	assert.False(t, closed, "transport should be open, closed with %d", code)
}

// PresenceUpdatesFor decodes every PRESENCE_UPDATE about the given user
func PresenceUpdatesFor(t *testing.T, ft *FakeTransport, userID string) []models.Presence {
	t.Helper()

	var out []models.Presence
	for _, f := range ft.DispatchesOf("PRESENCE_UPDATE") {
		var p models.Presence
		DecodeData(t, f, &p)
		if p.User.ID == userID {
			out = append(out, p)
		}
	}
	return out
}
