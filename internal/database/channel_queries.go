package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

const channelColumns = `id, COALESCE(guild_id, ''), type, name, position, parent_id, topic, nsfw,
	last_message_id, COALESCE(owner_id, ''), permission_overwrites`

func scanChannel(row rowScanner) (*models.Channel, error) {
	var (
		channel    models.Channel
		overwrites []byte
	)
	err := row.Scan(
		&channel.ID,
		&channel.GuildID,
		&channel.Type,
		&channel.Name,
		&channel.Position,
		&channel.ParentID,
		&channel.Topic,
		&channel.NSFW,
		&channel.LastMessageID,
		&channel.OwnerID,
		&overwrites,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan channel: %w", err)
	}
	if err := json.Unmarshal(overwrites, &channel.PermissionOverwrites); err != nil {
		return nil, fmt.Errorf("failed to decode permission overwrites: %w", err)
	}
	return &channel, nil
}

// CreatePrivateChannel inserts a DM or group DM with its recipients
func (db *DB) CreatePrivateChannel(ctx context.Context, channel *models.Channel) error {
	if !channel.IsPrivate() {
		return fmt.Errorf("channel %s is not a private channel", channel.ID)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	channel.GuildID = ""
	if err := insertChannel(ctx, tx, channel); err != nil {
		return err
	}
	for _, recipient := range channel.Recipients {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channel_recipients (channel_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			channel.ID, recipient.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", recipient.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit private channel: %w", err)
	}
	return nil
}

// GetChannelByID retrieves a channel without recipients, or (nil, nil) if it does not exist
func (db *DB) GetChannelByID(ctx context.Context, channelID string) (*models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`

	channel, err := scanChannel(db.QueryRowContext(ctx, query, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return channel, nil
}

// GetPrivateChannels returns the DMs and group DMs the user is a recipient of, recipients included
func (db *DB) GetPrivateChannels(ctx context.Context, userID string) ([]models.Channel, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+channelColumns+`
		FROM channels
		WHERE guild_id IS NULL
		  AND id IN (SELECT channel_id FROM channel_recipients WHERE user_id = $1)
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query private channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []models.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *channel)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating private channels: %w", err)
	}
	if err := db.loadRecipients(ctx, channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// GetPrivateChannel returns a DM or group DM with its recipients, or (nil, nil) if it does not exist
func (db *DB) GetPrivateChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1 AND guild_id IS NULL`

	channel, err := scanChannel(db.QueryRowContext(ctx, query, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get private channel: %w", err)
	}

	channels := []models.Channel{*channel}
	if err := db.loadRecipients(ctx, channels); err != nil {
		return nil, err
	}
	return &channels[0], nil
}

// loadRecipients fills in the recipients of each channel
func (db *DB) loadRecipients(ctx context.Context, channels []models.Channel) error {
	if len(channels) == 0 {
		return nil
	}

	ids := make([]string, len(channels))
	index := make(map[string]int, len(channels))
	for i, c := range channels {
		ids[i] = c.ID
		index[c.ID] = i
	}

	rows, err := db.QueryContext(ctx, `
		SELECT r.channel_id, a.id, a.username, a.discriminator, a.avatar, a.bot
		FROM channel_recipients r
		INNER JOIN accounts a ON a.id = r.user_id
		WHERE r.channel_id = ANY($1)
		ORDER BY r.channel_id ASC, a.id ASC
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query recipients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			channelID string
			user      models.User
		)
		if err := rows.Scan(&channelID, &user.ID, &user.Username, &user.Discriminator, &user.Avatar, &user.Bot); err != nil {
			return fmt.Errorf("failed to scan recipient: %w", err)
		}
		i := index[channelID]
		channels[i].Recipients = append(channels[i].Recipients, user)
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("error iterating recipients: %w", err)
	}
	return nil
}

// UpdateLastMessageID records the newest message of a channel
func (db *DB) UpdateLastMessageID(ctx context.Context, channelID, messageID string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE channels SET last_message_id = $2 WHERE id = $1`,
		channelID, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to update last message id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("channel %s not found", channelID)
	}
	return nil
}
