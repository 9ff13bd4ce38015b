package gateway

import (
	"sync"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

// Registry indexes live sessions by id and by user, and holds the users' voice states.
// A user key exists only while the user has at least one non-terminated session.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string][]*Session // registration order
	voice  map[string]models.VoiceState

	onVoiceLeave func(models.VoiceState)
}

// OnVoiceLeave installs a hook called, outside the lock, whenever a user's voice state is
// removed or moved to another room. The state passed is the one that was left.
func (r *Registry) OnVoiceLeave(fn func(models.VoiceState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onVoiceLeave = fn
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Session),
		byUser: make(map[string][]*Session),
		voice:  make(map[string]models.VoiceState),
	}
}

// Add registers a session in both indices
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[s.id]; exists {
		return
	}
	r.byID[s.id] = s
	r.byUser[s.userID] = append(r.byUser[s.userID], s)
}

// Remove deregisters a session and returns the user's remaining sessions
func (r *Registry) Remove(s *Session) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byID[s.id]; ok && current == s {
		delete(r.byID, s.id)
	}

	sessions := r.byUser[s.userID]
	remaining := make([]*Session, 0, len(sessions))
	for _, other := range sessions {
		if other != s {
			remaining = append(remaining, other)
		}
	}
	if len(remaining) == 0 {
		delete(r.byUser, s.userID)
		return nil
	}
	r.byUser[s.userID] = remaining

	out := make([]*Session, len(remaining))
	copy(out, remaining)
	return out
}

// Get finds a session by id
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ForUser returns the user's sessions, oldest registration first
func (r *Registry) ForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byUser[userID]
	out := make([]*Session, len(sessions))
	copy(out, sessions)
	return out
}

// HasUser reports whether the user has any registered session
func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// All returns every registered session
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Users returns the ids of every user with a registered session
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		out = append(out, userID)
	}
	return out
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// PresenceOf returns the presence of the user's most recently registered live session
func (r *Registry) PresenceOf(userID string) (models.Presence, bool) {
	sessions := r.ForUser(userID)
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].State() != StateTerminated {
			return sessions[i].Presence(), true
		}
	}
	return models.Presence{}, false
}

// SetVoiceState stores the user's voice state and returns the previous one
func (r *Registry) SetVoiceState(state models.VoiceState) (models.VoiceState, bool) {
	r.mu.Lock()
	prev, ok := r.voice[state.UserID]
	r.voice[state.UserID] = state
	hook := r.onVoiceLeave
	r.mu.Unlock()

	if ok && hook != nil && (prev.RoomKey() != state.RoomKey() || prev.SessionID != state.SessionID) {
		hook(prev)
	}
	return prev, ok
}

// VoiceState returns the user's voice state
func (r *Registry) VoiceState(userID string) (models.VoiceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.voice[userID]
	return state, ok
}

// RemoveVoiceState clears the user's voice state. A non-empty sessionID only removes a state
// owned by that gateway session.
func (r *Registry) RemoveVoiceState(userID, sessionID string) (models.VoiceState, bool) {
	r.mu.Lock()
	state, ok := r.voice[userID]
	if !ok || (sessionID != "" && state.SessionID != sessionID) {
		r.mu.Unlock()
		return models.VoiceState{}, false
	}
	delete(r.voice, userID)
	hook := r.onVoiceLeave
	r.mu.Unlock()

	if hook != nil {
		hook(state)
	}
	return state, true
}

// VoiceStatesInGuild lists the voice states of a guild
func (r *Registry) VoiceStatesInGuild(guildID string) []models.VoiceState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.VoiceState
	for _, state := range r.voice {
		if state.GuildID == guildID {
			out = append(out, state)
		}
	}
	return out
}
