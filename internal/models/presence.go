package models

// Status is a presence status
type Status string

// Presence status constants. Invisible is a user choice only; it is never sent to others.
const (
	StatusOnline    Status = "online"
	StatusIdle      Status = "idle"
	StatusDND       Status = "dnd"
	StatusOffline   Status = "offline"
	StatusInvisible Status = "invisible"
)

// Valid reports whether s is one of the accepted statuses
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDND, StatusOffline, StatusInvisible:
		return true
	}
	return false
}

// Visible is the status other users may observe
func (s Status) Visible() Status {
	if s == StatusInvisible || s == "" {
		return StatusOffline
	}
	return s
}

// Activity is the game or activity a user is playing
type Activity struct {
	Name string  `json:"name"`
	Type int     `json:"type"`
	URL  *string `json:"url,omitempty"`
}

// Equal compares two optional activities
func (a *Activity) Equal(b *Activity) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name != b.Name || a.Type != b.Type {
		return false
	}
	if a.URL == nil || b.URL == nil {
		return a.URL == b.URL
	}
	return *a.URL == *b.URL
}

// Presence is a user's status as broadcast in PRESENCE_UPDATE
type Presence struct {
	User       User       `json:"user"`
	Status     Status     `json:"status"`
	Game       *Activity  `json:"game"`
	Activities []Activity `json:"activities"`
	GuildID    string     `json:"guild_id,omitempty"`
	Roles      []string   `json:"roles,omitempty"`
	Nick       *string    `json:"nick,omitempty"`
}

// SameState reports whether status and activity are unchanged
func (p Presence) SameState(other Presence) bool {
	return p.Status == other.Status && p.Game.Equal(other.Game)
}
