package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

// State is the lifecycle state of a Session
type State int32

// Session states. A connection without a session is unauthenticated.
const (
	StateIdentified State = iota + 1
	StateReady
	StateDead
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdentified:
		return "identified"
	case StateReady:
		return "ready"
	case StateDead:
		return "dead"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// PayloadResolver computes a payload for one recipient at dispatch time. A nil payload is
// not transmitted; the reserved sequence number is still consumed.
type PayloadResolver func(s *Session) (any, error)

// Subscription is a lazy member-list subscription for one guild
type Subscription struct {
	GuildID   string
	ChannelID string
	Range     [2]int
}

// Session is one authenticated gateway connection with its ordered, replayable event log.
// It survives transport loss for the resume timeout.
type Session struct {
	id     string
	userID string
	hub    *Hub
	logger *zap.Logger

	state atomic.Int32

	mu             sync.Mutex
	account        models.Account
	info           ClientInfo
	transport      Transport
	seq            int64
	replay         *replayBuffer
	outbox         []*entry
	presence       models.Presence
	guilds         []*models.Guild
	subscriptions  map[string]*Subscription
	memberLists    map[string][]string
	terminateTimer *clock.Timer
	deadGen        uint64
	createdAt      time.Time
}

func newSession(h *Hub, id string, account *models.Account, info ClientInfo, t Transport) *Session {
	s := &Session{
		id:            id,
		userID:        account.ID,
		hub:           h,
		logger:        h.logger.With(zap.String("session_id", id), zap.String("user_id", account.ID)),
		account:       *account,
		info:          info,
		transport:     t,
		replay:        newReplayBuffer(h.cfg.ReplayBufferSize),
		subscriptions: make(map[string]*Subscription),
		memberLists:   make(map[string][]string),
		createdAt:     h.clock.Now(),
		presence: models.Presence{
			User:   account.Public(),
			Status: models.StatusOffline,
		},
	}
	s.state.Store(int32(StateIdentified))
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// UserID returns the id of the owning user
func (s *Session) UserID() string {
	return s.userID
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsReady reports whether the session currently accepts dispatches
func (s *Session) IsReady() bool {
	return s.State() == StateReady
}

// Info returns the negotiated client parameters of the current transport
func (s *Session) Info() ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Account returns a copy of the owning account
func (s *Session) Account() models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// Seq returns the last reserved sequence number
func (s *Session) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Presence returns the session's visible presence
func (s *Session) Presence() models.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

// Guilds returns the guilds the session was readied into
func (s *Session) Guilds() []*models.Guild {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Guild, len(s.guilds))
	copy(out, s.guilds)
	return out
}

// HasGuild reports whether the guild was part of the session's ready payload
func (s *Session) HasGuild(guildID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.guilds {
		if g.ID == guildID {
			return true
		}
	}
	return false
}

// Dispatch sends an event to this session. It is a no-op unless the session is ready.
// The sequence number is reserved before payload resolution, so events reach the client in
// call order even when resolvers finish out of order.
func (s *Session) Dispatch(eventType string, payload any) bool {
	s.mu.Lock()
	if s.State() != StateReady {
		s.mu.Unlock()
		return false
	}
	e := s.reserveLocked(eventType)
	s.mu.Unlock()

	s.complete(e, payload)
	return true
}

// ready moves an identified session to ready and dispatches the first event
func (s *Session) ready(eventType string, payload any) bool {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateIdentified), int32(StateReady)) {
		s.mu.Unlock()
		return false
	}
	e := s.reserveLocked(eventType)
	s.mu.Unlock()

	s.complete(e, payload)
	return true
}

func (s *Session) reserveLocked(eventType string) *entry {
	s.seq++
	e := &entry{seq: s.seq, eventType: eventType}
	s.replay.push(e)
	s.outbox = append(s.outbox, e)
	return e
}

func (s *Session) complete(e *entry, payload any) {
	frame := s.resolve(e, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.frame = frame
	e.skip = frame == nil
	e.resolved = true
	s.flushLocked()
}

func (s *Session) resolve(e *entry, payload any) (frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("payload resolver panicked",
				zap.String("event_type", e.eventType),
				zap.Any("panic", r),
			)
			frame = nil
		}
	}()

	switch fn := payload.(type) {
	case PayloadResolver:
		payload = s.runResolver(e, fn)
	case func(*Session) (any, error):
		payload = s.runResolver(e, fn)
	}
	if payload == nil {
		return nil
	}

	data, err := encodeFrame(OpDispatch, e.eventType, e.seq, s.Info().Shape(payload))
	if err != nil {
		s.logger.Error("failed to encode dispatch",
			zap.String("event_type", e.eventType),
			zap.Error(err),
		)
		return nil
	}
	return data
}

func (s *Session) runResolver(e *entry, fn func(*Session) (any, error)) any {
	v, err := fn(s)
	if err != nil {
		s.logger.Warn("failed to resolve payload",
			zap.String("event_type", e.eventType),
			zap.Int64("seq", e.seq),
			zap.Error(err),
		)
		return nil
	}
	return v
}

// flushLocked transmits resolved entries from the head of the outbox in sequence order
func (s *Session) flushLocked() {
	for len(s.outbox) > 0 && s.outbox[0].resolved {
		e := s.outbox[0]
		s.outbox[0] = nil
		s.outbox = s.outbox[1:]

		if e.skip || s.transport == nil {
			continue
		}
		if err := s.transport.Send(e.frame); err != nil {
			s.logger.Debug("failed to send dispatch",
				zap.String("event_type", e.eventType),
				zap.Int64("seq", e.seq),
				zap.Error(err),
			)
		}
	}
}

// markDead detaches the transport and arms the termination timer. It is ignored when t is no
// longer the session's transport, e.g. after a resume elsewhere.
func (s *Session) markDead(t Transport, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != t {
		return false
	}
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateDead)) &&
		!s.state.CompareAndSwap(int32(StateIdentified), int32(StateDead)) {
		return false
	}

	s.transport = nil
	s.deadGen++
	gen := s.deadGen
	s.terminateTimer = s.hub.clock.AfterFunc(timeout, func() { s.expire(gen) })
	return true
}

func (s *Session) expire(gen uint64) {
	if !s.terminate(gen) {
		return
	}
	s.hub.onTerminated(context.Background(), s)
}

// terminate moves a dead session to terminated. Only one of terminate and resume can win, and a
// timer armed for an earlier dead period (one a resume already ended) never wins.
func (s *Session) terminate(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.deadGen {
		return false
	}
	if !s.state.CompareAndSwap(int32(StateDead), int32(StateTerminated)) {
		return false
	}
	s.terminateTimer = nil
	s.outbox = nil
	return true
}

// kill terminates the session from any state, closing its transport
func (s *Session) kill(code int, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		st := s.State()
		if st == StateTerminated {
			return false
		}
		if s.state.CompareAndSwap(int32(st), int32(StateTerminated)) {
			break
		}
	}
	if s.terminateTimer != nil {
		s.terminateTimer.Stop()
		s.terminateTimer = nil
	}
	if s.transport != nil {
		_ = s.transport.Close(code, reason)
		s.transport = nil
	}
	s.outbox = nil
	return true
}

// resume reattaches a transport and replays every buffered event after seq
func (s *Session) resume(t Transport, info ClientInfo, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	if st != StateDead && st != StateReady {
		return ErrSessionNotFound
	}
	if seq > s.seq {
		return closeErr(CloseInvalidSeq, "invalid seq")
	}
	if !s.replay.contains(seq) {
		return ErrReplayUnavailable
	}
	if !s.state.CompareAndSwap(int32(st), int32(StateReady)) {
		return ErrSessionNotFound
	}

	if s.terminateTimer != nil {
		s.terminateTimer.Stop()
		s.terminateTimer = nil
	}
	if old := s.transport; old != nil && old != t {
		_ = old.Close(CloseUnknownError, "session resumed on another connection")
	}
	s.transport = t
	s.info = info

	replayed := 0
	for _, e := range s.replay.after(seq) {
		if len(s.outbox) > 0 && e.seq >= s.outbox[0].seq {
			break
		}
		if e.skip {
			continue
		}
		if err := t.Send(e.frame); err != nil {
			return fmt.Errorf("failed to replay seq %d: %w", e.seq, err)
		}
		replayed++
	}
	s.flushLocked()

	s.logger.Info("session resumed",
		zap.Int64("from_seq", seq),
		zap.Int("replayed", replayed),
	)
	return nil
}

// setPresence stores a new visible presence; it reports false when nothing changed
func (s *Session) setPresence(status models.Status, game *models.Activity) (models.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.presence
	next.Status = status.Visible()
	next.Game = game
	next.Activities = nil
	if game != nil {
		next.Activities = []models.Activity{*game}
	}

	if s.presence.SameState(next) {
		return s.presence, false
	}
	s.presence = next
	return next, true
}

// UpdatePresence applies a client presence change. Invisible is broadcast as offline but
// persisted as invisible; offline is never persisted as a choice.
func (s *Session) UpdatePresence(ctx context.Context, status models.Status, game *models.Activity) bool {
	if !status.Valid() {
		s.logger.Warn("ignoring invalid presence status", zap.String("status", string(status)))
		return false
	}

	presence, changed := s.setPresence(status, game)
	if !changed {
		return false
	}

	if status != models.StatusOffline {
		s.persistStatus(ctx, status)
	}

	s.hub.dispatcher.PresenceToGuilds(ctx, s.userID, presence)
	return true
}

func (s *Session) persistStatus(ctx context.Context, status models.Status) {
	s.mu.Lock()
	if s.account.Settings.Status == status {
		s.mu.Unlock()
		return
	}
	s.account.Settings.Status = status
	settings := s.account.Settings
	s.mu.Unlock()

	if err := s.hub.settings.UpdateSettings(ctx, s.userID, settings); err != nil {
		s.logger.Error("failed to persist presence status", zap.Error(err))
		return
	}
	s.hub.dispatcher.ToUser(s.userID, EventUserSettingsUpdate, map[string]any{"status": status})
}

// savedStatus is the presence a fresh or resumed session starts with
func (s *Session) savedStatus() models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status := s.account.Settings.Status; status {
	case models.StatusIdle, models.StatusDND, models.StatusInvisible:
		return status
	default:
		return models.StatusOnline
	}
}

// Subscribe sets the member-list subscription for a guild, replacing any previous one
func (s *Session) Subscribe(guildID, channelID string, rng [2]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.subscriptions[guildID]; ok && prev.ChannelID != channelID {
		delete(s.memberLists, guildID)
	}
	s.subscriptions[guildID] = &Subscription{GuildID: guildID, ChannelID: channelID, Range: rng}
}

// Unsubscribe drops the member-list subscription for a guild
func (s *Session) Unsubscribe(guildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, guildID)
	delete(s.memberLists, guildID)
}

// Subscription returns the member-list subscription for a guild
func (s *Session) Subscription(guildID string) (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[guildID]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// swapMemberList records the member-list items last sent for a guild and reports whether
// they differ from the previous ones
func (s *Session) swapMemberList(guildID string, items []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, seen := s.memberLists[guildID]
	s.memberLists[guildID] = items
	if !seen || len(prev) != len(items) {
		return true
	}
	for i := range prev {
		if prev[i] != items[i] {
			return true
		}
	}
	return false
}

func (s *Session) owns(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport == t
}
