package gateway

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/models"
	"github.com/parsascontentcorner/retrocord/internal/permissions"
)

const (
	groupOnline  = "online"
	groupOffline = "offline"
)

// MemberListSyncer refreshes a session's lazy member list for a subscribed channel
type MemberListSyncer interface {
	Sync(ctx context.Context, s *Session, guild *models.Guild, channelID string) error
}

// MemberListGroup is a sidebar section: a hoisted role, online or offline
type MemberListGroup struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// MemberListItem is either a group header or a member
type MemberListItem struct {
	Group  *MemberListGroup  `json:"group,omitempty"`
	Member *MemberListMember `json:"member,omitempty"`
}

// MemberListMember is a member row with its presence
type MemberListMember struct {
	models.Member
	Presence models.Presence `json:"presence"`
}

// MemberListOp is one list operation; only SYNC is produced
type MemberListOp struct {
	Op    string           `json:"op"`
	Range [2]int           `json:"range"`
	Items []MemberListItem `json:"items"`
}

// MemberListUpdate is the GUILD_MEMBER_LIST_UPDATE payload
type MemberListUpdate struct {
	GuildID     string            `json:"guild_id"`
	ID          string            `json:"id"`
	MemberCount int               `json:"member_count"`
	OnlineCount int               `json:"online_count"`
	Groups      []MemberListGroup `json:"groups"`
	Ops         []MemberListOp    `json:"ops"`
}

type memberListSyncer struct {
	registry *Registry
	logger   *zap.Logger
}

// NewMemberListSyncer creates the default syncer: hoisted roles by position, then online,
// then offline, limited to members that can read the channel.
func NewMemberListSyncer(registry *Registry, logger *zap.Logger) MemberListSyncer {
	return &memberListSyncer{registry: registry, logger: logger.Named("member_list")}
}

// Sync dispatches a SYNC for the session's subscribed range if it changed since the last one
func (m *memberListSyncer) Sync(ctx context.Context, s *Session, guild *models.Guild, channelID string) error {
	sub, ok := s.Subscription(guild.ID)
	if !ok {
		return nil
	}
	channel := guild.Channel(channelID)
	if channel == nil {
		return ErrChannelNotFound
	}

	update := BuildMemberList(guild, channel, m.registry, s.Info(), sub.Range)

	keys := make([]string, 0, len(update.Ops[0].Items))
	for _, item := range update.Ops[0].Items {
		if item.Group != nil {
			keys = append(keys, "g:"+item.Group.ID)
			continue
		}
		keys = append(keys, "m:"+item.Member.User.ID+":"+string(item.Member.Presence.Status))
	}
	if !s.swapMemberList(guild.ID, keys) {
		return nil
	}

	s.Dispatch(EventGuildMemberListUpdate, update)
	return nil
}

// BuildMemberList computes the grouped member list visible in a channel and returns the
// requested range as a single SYNC op
func BuildMemberList(guild *models.Guild, channel *models.Channel, registry *Registry, info ClientInfo, rng [2]int) MemberListUpdate {
	hoisted := make([]models.Role, 0, len(guild.Roles))
	for _, role := range guild.Roles {
		if role.Hoist && role.ID != guild.ID {
			hoisted = append(hoisted, role)
		}
	}
	sort.SliceStable(hoisted, func(i, j int) bool {
		return hoisted[i].Position > hoisted[j].Position
	})

	groups := make(map[string][]MemberListMember)
	online := 0
	total := 0
	for _, member := range guild.Members {
		if !permissions.CanRead(channel, guild, member.User.ID) {
			continue
		}
		total++

		presence := models.Presence{User: member.User, Status: models.StatusOffline}
		if p, ok := registry.PresenceOf(member.User.ID); ok {
			presence = info.ShapePresence(p)
			presence.User = member.User
		}

		group := groupOffline
		if presence.Status != models.StatusOffline {
			online++
			group = groupOnline
			for _, role := range hoisted {
				if member.HasRole(role.ID) {
					group = role.ID
					break
				}
			}
		}
		groups[group] = append(groups[group], MemberListMember{Member: member, Presence: presence})
	}

	order := make([]string, 0, len(hoisted)+2)
	for _, role := range hoisted {
		order = append(order, role.ID)
	}
	order = append(order, groupOnline, groupOffline)

	update := MemberListUpdate{
		GuildID:     guild.ID,
		ID:          channel.ID,
		MemberCount: total,
		OnlineCount: online,
	}

	var items []MemberListItem
	for _, id := range order {
		members := groups[id]
		if len(members) == 0 {
			continue
		}
		sort.SliceStable(members, func(i, j int) bool {
			return strings.ToLower(members[i].DisplayName()) < strings.ToLower(members[j].DisplayName())
		})

		group := MemberListGroup{ID: id, Count: len(members)}
		update.Groups = append(update.Groups, group)
		items = append(items, MemberListItem{Group: &group})
		for i := range members {
			items = append(items, MemberListItem{Member: &members[i]})
		}
	}

	start, end := clampRange(rng, len(items))
	update.Ops = []MemberListOp{{
		Op:    "SYNC",
		Range: rng,
		Items: items[start:end],
	}}
	return update
}

func clampRange(rng [2]int, n int) (int, int) {
	start, end := rng[0], rng[1]+1
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start > end {
		start = end
	}
	return start, end
}
