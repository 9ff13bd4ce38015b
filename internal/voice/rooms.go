package voice

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/gateway"
)

// Participant is one user's voice connection inside a room
type Participant struct {
	UserID           string
	SessionID        string
	GatewaySessionID string
	GuildID          string
	ChannelID        string
	RoomKey          string

	transport gateway.Transport
	logger    *zap.Logger

	mu         sync.Mutex
	protocol   string
	ssrcs      SSRCs
	production Production
	consuming  map[string]bool // producer user id -> subscribed
}

func newParticipant(transport gateway.Transport, ssrcs SSRCs, logger *zap.Logger) *Participant {
	return &Participant{
		ssrcs:     ssrcs,
		transport: transport,
		logger:    logger,
		consuming: make(map[string]bool),
	}
}

// Protocol returns the negotiated signalling protocol, empty before selection
func (p *Participant) Protocol() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protocol
}

func (p *Participant) setProtocol(protocol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protocol = protocol
}

// Production returns what the participant is currently sending
func (p *Participant) Production() Production {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.production
}

// setProduction stores the new production state and advertised SSRCs. It reports which of
// the two changed.
func (p *Participant) setProduction(production Production, ssrcs SSRCs) (productionChanged, ssrcsChanged bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	productionChanged = p.production != production
	ssrcsChanged = p.ssrcs != ssrcs
	p.production = production
	p.ssrcs = ssrcs
	return productionChanged, ssrcsChanged
}

// SSRCs returns the participant's current stream SSRCs
func (p *Participant) SSRCs() SSRCs {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ssrcs
}

// startConsuming marks producerID as subscribed; it reports false when already subscribed
func (p *Participant) startConsuming(producerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consuming[producerID] {
		return false
	}
	p.consuming[producerID] = true
	return true
}

func (p *Participant) stopConsuming(producerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consuming, producerID)
}

// Consuming reports whether the participant is subscribed to producerID
func (p *Participant) Consuming(producerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consuming[producerID]
}

func (p *Participant) send(op int, d any) {
	data, err := encode(op, d)
	if err != nil {
		p.logger.Error("failed to encode voice frame", zap.Int("opcode", op), zap.Error(err))
		return
	}
	if err := p.transport.Send(data); err != nil {
		p.logger.Debug("failed to send voice frame", zap.Int("opcode", op), zap.Error(err))
	}
}

// Rooms tracks the participants of every voice room, keyed "guildId:channelId"
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Participant // room key -> user id -> participant
}

// NewRooms creates an empty room index
func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]map[string]*Participant)}
}

// Join adds a participant. A previous connection of the same user in the room is replaced
// and returned.
func (r *Rooms) Join(p *Participant) (replaced *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[p.RoomKey]
	if !ok {
		room = make(map[string]*Participant)
		r.rooms[p.RoomKey] = room
	}
	replaced = room[p.UserID]
	room[p.UserID] = p
	return replaced
}

// Leave removes a participant if it is still the user's current one. It returns the number
// of participants left in the room.
func (r *Rooms) Leave(p *Participant) (remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[p.RoomKey]
	if room[p.UserID] != p {
		return len(room), false
	}
	delete(room, p.UserID)
	if len(room) == 0 {
		delete(r.rooms, p.RoomKey)
	}
	return len(room), true
}

// Participants lists a room's participants ordered by user id
func (r *Rooms) Participants(roomKey string) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[roomKey]
	out := make([]*Participant, 0, len(room))
	for _, p := range room {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Others lists everyone in p's room except p
func (r *Rooms) Others(p *Participant) []*Participant {
	all := r.Participants(p.RoomKey)
	out := make([]*Participant, 0, len(all))
	for _, other := range all {
		if other != p {
			out = append(out, other)
		}
	}
	return out
}

// Find returns the user's participant in a room
func (r *Rooms) Find(roomKey, userID string) *Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomKey][userID]
}

// Count returns the number of non-empty rooms
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
