package testutil

import (
	"context"
	"sync"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

// MemoryStore is an in-memory implementation of the gateway's storage collaborators
type MemoryStore struct {
	mu              sync.RWMutex
	accounts        map[string]*models.Account // token -> account
	guilds          map[string]*models.Guild
	settingsUpdates map[string][]models.UserSettings
	privateChannels map[string][]models.Channel
	relationships   map[string][]models.Relationship
	readStates      map[string][]models.ReadState
	connected       map[string][]models.ConnectedAccount
	notes           map[string]map[string]string

	// GuildErr, when set, is returned by every guild lookup
	GuildErr error
	// SettingsErr, when set, is returned by UpdateSettings
	SettingsErr error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:        make(map[string]*models.Account),
		guilds:          make(map[string]*models.Guild),
		settingsUpdates: make(map[string][]models.UserSettings),
		privateChannels: make(map[string][]models.Channel),
		relationships:   make(map[string][]models.Relationship),
		readStates:      make(map[string][]models.ReadState),
		connected:       make(map[string][]models.ConnectedAccount),
		notes:           make(map[string]map[string]string),
	}
}

// AddAccount stores an account under its token
func (m *MemoryStore) AddAccount(account *models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.Token] = account
}

// AddGuild stores a guild snapshot
func (m *MemoryStore) AddGuild(guild *models.Guild) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guilds[guild.ID] = guild
}

// AddPrivateChannel stores a DM for every recipient
func (m *MemoryStore) AddPrivateChannel(channel models.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range channel.Recipients {
		m.privateChannels[r.ID] = append(m.privateChannels[r.ID], channel)
	}
}

// AddRelationship stores one direction of a relationship
func (m *MemoryStore) AddRelationship(userID string, rel models.Relationship) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relationships[userID] = append(m.relationships[userID], rel)
}

// SetNote stores a note about another user
func (m *MemoryStore) SetNote(userID, targetID, note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notes[userID] == nil {
		m.notes[userID] = make(map[string]string)
	}
	m.notes[userID][targetID] = note
}

// SettingsUpdates returns every settings write for a user
func (m *MemoryStore) SettingsUpdates(userID string) []models.UserSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.UserSettings, len(m.settingsUpdates[userID]))
	copy(out, m.settingsUpdates[userID])
	return out
}

func (m *MemoryStore) GetAccountByToken(_ context.Context, token string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[token]
	if !ok {
		return nil, nil
	}
	copied := *account
	return &copied, nil
}

func (m *MemoryStore) GetAccountByUserID(_ context.Context, userID string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, account := range m.accounts {
		if account.ID == userID {
			copied := *account
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetUsersGuilds(_ context.Context, userID string) ([]*models.Guild, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GuildErr != nil {
		return nil, m.GuildErr
	}
	var out []*models.Guild
	for _, guild := range m.guilds {
		if guild.Member(userID) != nil {
			out = append(out, guild)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetGuildByID(_ context.Context, guildID string) (*models.Guild, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GuildErr != nil {
		return nil, m.GuildErr
	}
	return m.guilds[guildID], nil
}

func (m *MemoryStore) UpdateSettings(_ context.Context, userID string, settings models.UserSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SettingsErr != nil {
		return m.SettingsErr
	}
	m.settingsUpdates[userID] = append(m.settingsUpdates[userID], settings)
	for _, account := range m.accounts {
		if account.ID == userID {
			account.Settings = settings
		}
	}
	return nil
}

func (m *MemoryStore) GetPrivateChannels(_ context.Context, userID string) ([]models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.privateChannels[userID], nil
}

func (m *MemoryStore) GetRelationships(_ context.Context, userID string) ([]models.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relationships[userID], nil
}

func (m *MemoryStore) GetReadStates(_ context.Context, userID string) ([]models.ReadState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readStates[userID], nil
}

func (m *MemoryStore) GetConnectedAccounts(_ context.Context, userID string) ([]models.ConnectedAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected[userID], nil
}

func (m *MemoryStore) GetNotes(_ context.Context, userID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.notes[userID]))
	for k, v := range m.notes[userID] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) GetPrivateChannel(_ context.Context, channelID string) (*models.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, channels := range m.privateChannels {
		for _, c := range channels {
			if c.ID == channelID {
				found := c
				return &found, nil
			}
		}
	}
	return nil, nil
}
