package database

import (
	"context"
	"fmt"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

// SetRelationship stores one direction of a relationship. Friendships need a row per direction.
func (db *DB) SetRelationship(ctx context.Context, userID, targetID string, relType models.RelationshipType) error {
	query := `
		INSERT INTO relationships (user_id, target_id, type)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, target_id)
		DO UPDATE SET type = EXCLUDED.type
	`

	if _, err := db.ExecContext(ctx, query, userID, targetID, relType); err != nil {
		return fmt.Errorf("failed to set relationship: %w", err)
	}
	return nil
}

// DeleteRelationship removes one direction of a relationship
func (db *DB) DeleteRelationship(ctx context.Context, userID, targetID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM relationships WHERE user_id = $1 AND target_id = $2`,
		userID, targetID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete relationship: %w", err)
	}
	return nil
}

// GetRelationships returns the relationships the user holds, with the other user embedded
func (db *DB) GetRelationships(ctx context.Context, userID string) ([]models.Relationship, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.type, a.id, a.username, a.discriminator, a.avatar, a.bot
		FROM relationships r
		INNER JOIN accounts a ON a.id = r.target_id
		WHERE r.user_id = $1
		ORDER BY a.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	relationships := []models.Relationship{}
	for rows.Next() {
		var rel models.Relationship
		err := rows.Scan(
			&rel.Type,
			&rel.User.ID,
			&rel.User.Username,
			&rel.User.Discriminator,
			&rel.User.Avatar,
			&rel.User.Bot,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rel.ID = rel.User.ID
		relationships = append(relationships, rel)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationships: %w", err)
	}
	return relationships, nil
}

// AckMessage moves a read state forward and resets its mention count
func (db *DB) AckMessage(ctx context.Context, userID, channelID, messageID string) error {
	query := `
		INSERT INTO read_states (user_id, channel_id, last_message_id, mention_count)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, channel_id)
		DO UPDATE SET last_message_id = EXCLUDED.last_message_id, mention_count = 0
	`

	if _, err := db.ExecContext(ctx, query, userID, channelID, messageID); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// GetReadStates returns the user's read states
func (db *DB) GetReadStates(ctx context.Context, userID string) ([]models.ReadState, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT channel_id, last_message_id, mention_count
		FROM read_states
		WHERE user_id = $1
		ORDER BY channel_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query read states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	states := []models.ReadState{}
	for rows.Next() {
		var state models.ReadState
		if err := rows.Scan(&state.ID, &state.LastMessageID, &state.MentionCount); err != nil {
			return nil, fmt.Errorf("failed to scan read state: %w", err)
		}
		states = append(states, state)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating read states: %w", err)
	}
	return states, nil
}

// AddConnectedAccount links an external account to a user
func (db *DB) AddConnectedAccount(ctx context.Context, userID string, account models.ConnectedAccount) error {
	query := `
		INSERT INTO connected_accounts (user_id, provider_id, type, name, revoked, visibility)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, type, provider_id)
		DO UPDATE SET name = EXCLUDED.name, revoked = EXCLUDED.revoked, visibility = EXCLUDED.visibility
	`

	_, err := db.ExecContext(ctx, query,
		userID, account.ID, account.Type, account.Name, account.Revoked, account.Visibility,
	)
	if err != nil {
		return fmt.Errorf("failed to add connected account: %w", err)
	}
	return nil
}

// GetConnectedAccounts returns the external accounts linked to a user
func (db *DB) GetConnectedAccounts(ctx context.Context, userID string) ([]models.ConnectedAccount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT provider_id, type, name, revoked, visibility
		FROM connected_accounts
		WHERE user_id = $1
		ORDER BY type ASC, provider_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connected accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	accounts := []models.ConnectedAccount{}
	for rows.Next() {
		var account models.ConnectedAccount
		if err := rows.Scan(&account.ID, &account.Type, &account.Name, &account.Revoked, &account.Visibility); err != nil {
			return nil, fmt.Errorf("failed to scan connected account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connected accounts: %w", err)
	}
	return accounts, nil
}

// SetNote stores a note about another user. An empty note deletes it.
func (db *DB) SetNote(ctx context.Context, userID, targetID, note string) error {
	if note == "" {
		_, err := db.ExecContext(ctx,
			`DELETE FROM notes WHERE user_id = $1 AND target_id = $2`,
			userID, targetID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete note: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO notes (user_id, target_id, note)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, target_id)
		DO UPDATE SET note = EXCLUDED.note
	`
	if _, err := db.ExecContext(ctx, query, userID, targetID, note); err != nil {
		return fmt.Errorf("failed to set note: %w", err)
	}
	return nil
}

// GetNotes returns the user's notes keyed by target user id
func (db *DB) GetNotes(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT target_id, note FROM notes WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	notes := make(map[string]string)
	for rows.Next() {
		var targetID, note string
		if err := rows.Scan(&targetID, &note); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes[targetID] = note
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notes: %w", err)
	}
	return notes, nil
}
