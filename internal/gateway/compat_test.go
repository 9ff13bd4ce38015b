package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/testutil"
)

func newTestCompat(requireCookie bool) *Compat {
	cfg := testutil.GenerateTestConfig()
	cfg.Gateway.RequireReleaseDate = requireCookie
	return NewCompat(cfg.Compat, cfg.Gateway)
}

func TestEpoch(t *testing.T) {
	c := newTestCompat(false)

	tests := []struct {
		release time.Time
		want    ClientEpoch
	}{
		{testutil.ReleaseDate(2015, time.June, 1), Epoch2015},
		{testutil.ReleaseDate(2016, time.January, 1), Epoch2016},
		{testutil.ReleaseDate(2016, time.December, 31), Epoch2016},
		{testutil.ReleaseDate(2017, time.October, 5), Epoch2017},
		{testutil.ReleaseDate(2018, time.January, 1), Epoch2018},
		{testutil.ReleaseDate(2019, time.May, 1), Epoch2018},
	}
	for _, tt := range tests {
		t.Run(tt.release.Format("2006-01-02"), func(t *testing.T) {
			assert.Equal(t, tt.want, c.Epoch(tt.release))
		})
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name          string
		requireCookie bool
		query         string
		cookie        string
		wantErr       bool
		want          ClientInfo
	}{
		{
			name:  "defaults",
			query: "",
			want: ClientInfo{
				Version: 6, Encoding: EncodingJSON,
				ReleaseDate: testutil.ReleaseDate(2017, time.October, 5), Epoch: Epoch2017,
			},
		},
		{
			name:   "legacy client with compression",
			query:  "v=5&encoding=json&compress=zlib-stream",
			cookie: "march_1_2016",
			want: ClientInfo{
				Version: 5, Encoding: EncodingJSON, Compression: CompressionZlibStream,
				ReleaseDate: testutil.ReleaseDate(2016, time.March, 1), Epoch: Epoch2016, LegacyPresence: true,
			},
		},
		{name: "bad cookie", cookie: "last_tuesday", wantErr: true},
		{name: "missing required cookie", requireCookie: true, wantErr: true},
		{name: "etf encoding", query: "encoding=etf", wantErr: true},
		{name: "unknown compression", query: "compress=gzip", wantErr: true},
		{name: "bad version", query: "v=abc", wantErr: true},
		{name: "zero version", query: "v=0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			if tt.cookie != "" {
				r.AddCookie(&http.Cookie{Name: ReleaseDateCookie, Value: tt.cookie})
			}

			info, err := newTestCompat(tt.requireCookie).Negotiate(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNegotiation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, info)
		})
	}
}

func TestShapePresence(t *testing.T) {
	c := newTestCompat(false)
	game := &models.Activity{Name: "Doom"}
	base := models.Presence{
		User:       models.User{ID: "1"},
		Game:       game,
		Activities: []models.Activity{*game},
	}

	tests := []struct {
		name           string
		release        time.Time
		status         models.Status
		wantStatus     models.Status
		wantActivities bool
	}{
		{"legacy dnd", legacyRelease, models.StatusDND, models.StatusOnline, false},
		{"legacy invisible", legacyRelease, models.StatusInvisible, models.StatusOffline, false},
		{"legacy idle", legacyRelease, models.StatusIdle, models.StatusIdle, false},
		{"modern dnd", modernRelease, models.StatusDND, models.StatusDND, false},
		{"modern invisible", modernRelease, models.StatusInvisible, models.StatusOffline, false},
		{"2018 keeps activities", testutil.ReleaseDate(2018, time.March, 1), models.StatusOnline, models.StatusOnline, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			p.Status = tt.status
			shaped := c.ClientInfoFor(tt.release).ShapePresence(p)

			assert.Equal(t, tt.wantStatus, shaped.Status)
			assert.Equal(t, tt.wantActivities, len(shaped.Activities) > 0)
			assert.Equal(t, game, shaped.Game)
		})
	}
}

func TestShapeLeavesOtherPayloadsAlone(t *testing.T) {
	info := newTestCompat(false).ClientInfoFor(legacyRelease)

	payload := map[string]string{"status": "dnd"}
	assert.Equal(t, payload, info.Shape(payload))

	shaped := info.Shape([]models.Presence{{Status: models.StatusDND}})
	assert.Equal(t, []models.Presence{{Status: models.StatusOnline}}, shaped)

	var nilPresence *models.Presence
	assert.Equal(t, nilPresence, info.Shape(nilPresence))
}
