package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/parsascontentcorner/retrocord/internal/config"
	"github.com/parsascontentcorner/retrocord/internal/models"
)

const (
	// ReleaseDateCookie carries the client's claimed build date, e.g. "october_5_2017"
	ReleaseDateCookie = "release_date"

	EncodingJSON          = "json"
	CompressionZlibStream = "zlib-stream"

	defaultAPIVersion = 6
)

// ErrNegotiation is returned for unacceptable connection parameters
var ErrNegotiation = errors.New("invalid connection parameters")

// ClientEpoch buckets clients by release date so payload shaping can be keyed on it
type ClientEpoch int

// Client epochs
const (
	Epoch2015 ClientEpoch = iota
	Epoch2016
	Epoch2017
	Epoch2018
)

func (e ClientEpoch) String() string {
	switch e {
	case Epoch2015:
		return "2015"
	case Epoch2016:
		return "2016"
	case Epoch2017:
		return "2017"
	default:
		return "2018"
	}
}

// ClientInfo is what a connection negotiated at upgrade time
type ClientInfo struct {
	Version        int
	Encoding       string
	Compression    string
	ReleaseDate    time.Time
	Epoch          ClientEpoch
	LegacyPresence bool
}

// Compat maps release dates to epochs and negotiates ClientInfo
type Compat struct {
	epoch2016          time.Time
	epoch2017          time.Time
	epoch2018          time.Time
	presenceCutoff     time.Time
	defaultReleaseDate time.Time
	requireReleaseDate bool
}

// NewCompat builds the compatibility table from configuration
func NewCompat(compat config.CompatConfig, gw config.GatewayConfig) *Compat {
	return &Compat{
		epoch2016:          compat.Epoch2016,
		epoch2017:          compat.Epoch2017,
		epoch2018:          compat.Epoch2018,
		presenceCutoff:     compat.PresenceCutoff,
		defaultReleaseDate: gw.DefaultReleaseDate,
		requireReleaseDate: gw.RequireReleaseDate,
	}
}

// Epoch returns the epoch a release date falls into
func (c *Compat) Epoch(release time.Time) ClientEpoch {
	switch {
	case release.Before(c.epoch2016):
		return Epoch2015
	case release.Before(c.epoch2017):
		return Epoch2016
	case release.Before(c.epoch2018):
		return Epoch2017
	default:
		return Epoch2018
	}
}

// ClientInfoFor builds the ClientInfo of a client released on the given date
func (c *Compat) ClientInfoFor(release time.Time) ClientInfo {
	return ClientInfo{
		Version:        defaultAPIVersion,
		Encoding:       EncodingJSON,
		ReleaseDate:    release,
		Epoch:          c.Epoch(release),
		LegacyPresence: release.Before(c.presenceCutoff),
	}
}

// Negotiate reads v, encoding and compress from the query string and the release date cookie
func (c *Compat) Negotiate(r *http.Request) (ClientInfo, error) {
	query := r.URL.Query()

	release := c.defaultReleaseDate
	cookie, err := r.Cookie(ReleaseDateCookie)
	switch {
	case err == nil:
		release, err = config.ParseReleaseDate(cookie.Value)
		if err != nil {
			return ClientInfo{}, fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
	case c.requireReleaseDate:
		return ClientInfo{}, fmt.Errorf("%w: missing %s cookie", ErrNegotiation, ReleaseDateCookie)
	}

	info := c.ClientInfoFor(release)

	if v := query.Get("v"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil || version < 1 {
			return ClientInfo{}, fmt.Errorf("%w: bad version %q", ErrNegotiation, v)
		}
		info.Version = version
	}

	if enc := query.Get("encoding"); enc != "" && enc != EncodingJSON {
		return ClientInfo{}, fmt.Errorf("%w: unsupported encoding %q", ErrNegotiation, enc)
	}

	switch compress := query.Get("compress"); compress {
	case "":
	case CompressionZlibStream:
		info.Compression = compress
	default:
		return ClientInfo{}, fmt.Errorf("%w: unsupported compression %q", ErrNegotiation, compress)
	}

	return info, nil
}

// presenceTransform rewrites a presence for clients that cannot represent it
type presenceTransform struct {
	name    string
	applies func(ClientInfo) bool
	apply   func(models.Presence) models.Presence
}

var presenceTransforms = []presenceTransform{
	{name: "hideInvisible", applies: func(ClientInfo) bool { return true }, apply: hideInvisible},
	{name: "legacyPresence", applies: func(i ClientInfo) bool { return i.LegacyPresence }, apply: legacyPresence},
	{name: "stripActivities", applies: func(i ClientInfo) bool { return i.Epoch < Epoch2018 }, apply: stripActivities},
}

func hideInvisible(p models.Presence) models.Presence {
	p.Status = p.Status.Visible()
	return p
}

// legacyPresence folds statuses older clients do not know
func legacyPresence(p models.Presence) models.Presence {
	switch p.Status {
	case models.StatusDND:
		p.Status = models.StatusOnline
	case models.StatusInvisible, models.StatusOffline, "":
		p.Status = models.StatusOffline
	}
	return p
}

func stripActivities(p models.Presence) models.Presence {
	p.Activities = nil
	return p
}

// ShapePresence applies every presence transform relevant to this client
func (i ClientInfo) ShapePresence(p models.Presence) models.Presence {
	for _, t := range presenceTransforms {
		if t.applies(i) {
			p = t.apply(p)
		}
	}
	return p
}

// Shape rewrites a canonical payload for this client just before serialization
func (i ClientInfo) Shape(payload any) any {
	switch p := payload.(type) {
	case models.Presence:
		return i.ShapePresence(p)
	case *models.Presence:
		if p == nil {
			return p
		}
		shaped := i.ShapePresence(*p)
		return &shaped
	case []models.Presence:
		out := make([]models.Presence, len(p))
		for idx := range p {
			out[idx] = i.ShapePresence(p[idx])
		}
		return out
	default:
		return payload
	}
}
