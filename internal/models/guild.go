package models

import "time"

// Guild is a snapshot of a guild with the roles, members and channels needed for
// permission evaluation and fanout.
type Guild struct {
	ID                          string    `json:"id"`
	Name                        string    `json:"name"`
	Icon                        *string   `json:"icon"`
	Splash                      *string   `json:"splash"`
	Region                      string    `json:"region"`
	OwnerID                     string    `json:"owner_id"`
	AFKChannelID                *string   `json:"afk_channel_id"`
	AFKTimeout                  int       `json:"afk_timeout"`
	VerificationLevel           int       `json:"verification_level"`
	DefaultMessageNotifications int       `json:"default_message_notifications"`
	Features                    []string  `json:"features"`
	Unavailable                 bool      `json:"unavailable,omitempty"`
	Exclusions                  []string  `json:"-"`
	Roles                       []Role    `json:"roles"`
	Members                     []Member  `json:"members"`
	Channels                    []Channel `json:"channels"`
	CreatedAt                   time.Time `json:"-"`
}

// Role is a guild role. The role whose id equals the guild id is @everyone.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Permissions int64  `json:"permissions"`
	Position    int    `json:"position"`
	Color       int    `json:"color"`
	Hoist       bool   `json:"hoist"`
	Mentionable bool   `json:"mentionable"`
	Managed     bool   `json:"managed"`
}

// Member is a user's membership in a guild
type Member struct {
	User     User      `json:"user"`
	Nick     *string   `json:"nick"`
	Roles    []string  `json:"roles"`
	JoinedAt time.Time `json:"joined_at"`
	Deaf     bool      `json:"deaf"`
	Mute     bool      `json:"mute"`
}

// HasRole reports whether the member holds the role
func (m *Member) HasRole(roleID string) bool {
	for _, id := range m.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}

// DisplayName returns the nickname if set, otherwise the username
func (m *Member) DisplayName() string {
	if m.Nick != nil && *m.Nick != "" {
		return *m.Nick
	}
	return m.User.Username
}

// EveryoneRole returns the implicit @everyone role, or nil if the snapshot lacks it
func (g *Guild) EveryoneRole() *Role {
	return g.Role(g.ID)
}

// Role finds a role by id
func (g *Guild) Role(id string) *Role {
	for i := range g.Roles {
		if g.Roles[i].ID == id {
			return &g.Roles[i]
		}
	}
	return nil
}

// Member finds the membership of a user
func (g *Guild) Member(userID string) *Member {
	for i := range g.Members {
		if g.Members[i].User.ID == userID {
			return &g.Members[i]
		}
	}
	return nil
}

// Channel finds a channel by id
func (g *Guild) Channel(id string) *Channel {
	for i := range g.Channels {
		if g.Channels[i].ID == id {
			return &g.Channels[i]
		}
	}
	return nil
}

// MemberIDs lists the user ids of every member
func (g *Guild) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.User.ID)
	}
	return ids
}

// ExcludedFor reports whether the guild must be hidden from clients of the given epoch
func (g *Guild) ExcludedFor(epoch string) bool {
	for _, e := range g.Exclusions {
		if e == epoch {
			return true
		}
	}
	return false
}
