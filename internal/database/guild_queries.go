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

// CreateGuild inserts a guild together with its roles, channels and members in one transaction
func (db *DB) CreateGuild(ctx context.Context, guild *models.Guild) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO guilds (id, name, icon, splash, region, owner_id, afk_channel_id, afk_timeout,
			verification_level, default_message_notifications, features, exclusions, unavailable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`
	err = tx.QueryRowContext(ctx, query,
		guild.ID,
		guild.Name,
		guild.Icon,
		guild.Splash,
		guild.Region,
		guild.OwnerID,
		guild.AFKChannelID,
		guild.AFKTimeout,
		guild.VerificationLevel,
		guild.DefaultMessageNotifications,
		pq.Array(nonNil(guild.Features)),
		pq.Array(nonNil(guild.Exclusions)),
		guild.Unavailable,
	).Scan(&guild.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create guild: %w", err)
	}

	for _, role := range guild.Roles {
		if err := insertRole(ctx, tx, guild.ID, role); err != nil {
			return err
		}
	}
	for i := range guild.Channels {
		guild.Channels[i].GuildID = guild.ID
		if err := insertChannel(ctx, tx, &guild.Channels[i]); err != nil {
			return err
		}
	}
	for _, member := range guild.Members {
		if err := insertMember(ctx, tx, guild.ID, member); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit guild: %w", err)
	}
	return nil
}

func insertRole(ctx context.Context, tx *sql.Tx, guildID string, role models.Role) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO roles (id, guild_id, name, permissions, position, color, hoist, mentionable, managed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		role.ID, guildID, role.Name, role.Permissions, role.Position,
		role.Color, role.Hoist, role.Mentionable, role.Managed,
	)
	if err != nil {
		return fmt.Errorf("failed to create role %s: %w", role.ID, err)
	}
	return nil
}

func insertChannel(ctx context.Context, tx *sql.Tx, channel *models.Channel) error {
	overwrites, err := json.Marshal(nonNil(channel.PermissionOverwrites))
	if err != nil {
		return fmt.Errorf("failed to encode permission overwrites: %w", err)
	}

	var guildID, ownerID sql.NullString
	if channel.GuildID != "" {
		guildID = sql.NullString{String: channel.GuildID, Valid: true}
	}
	if channel.OwnerID != "" {
		ownerID = sql.NullString{String: channel.OwnerID, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (id, guild_id, type, name, position, parent_id, topic, nsfw,
			last_message_id, owner_id, permission_overwrites)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		channel.ID, guildID, channel.Type, channel.Name, channel.Position, channel.ParentID,
		channel.Topic, channel.NSFW, channel.LastMessageID, ownerID, overwrites,
	)
	if err != nil {
		return fmt.Errorf("failed to create channel %s: %w", channel.ID, err)
	}
	return nil
}

func insertMember(ctx context.Context, tx *sql.Tx, guildID string, member models.Member) error {
	query := `
		INSERT INTO members (guild_id, user_id, nick, roles, deaf, mute)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (guild_id, user_id) DO NOTHING
	`
	if !member.JoinedAt.IsZero() {
		query = `
			INSERT INTO members (guild_id, user_id, nick, roles, deaf, mute, joined_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (guild_id, user_id) DO NOTHING
		`
	}

	args := []any{guildID, member.User.ID, member.Nick, pq.Array(nonNil(member.Roles)), member.Deaf, member.Mute}
	if !member.JoinedAt.IsZero() {
		args = append(args, member.JoinedAt)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to add member %s: %w", member.User.ID, err)
	}
	return nil
}

// GetGuildByID loads a full guild snapshot, or (nil, nil) if the guild does not exist
func (db *DB) GetGuildByID(ctx context.Context, guildID string) (*models.Guild, error) {
	query := `
		SELECT id, name, icon, splash, region, owner_id, afk_channel_id, afk_timeout,
			verification_level, default_message_notifications, features, exclusions, unavailable, created_at
		FROM guilds
		WHERE id = $1
	`

	var guild models.Guild
	err := db.QueryRowContext(ctx, query, guildID).Scan(
		&guild.ID,
		&guild.Name,
		&guild.Icon,
		&guild.Splash,
		&guild.Region,
		&guild.OwnerID,
		&guild.AFKChannelID,
		&guild.AFKTimeout,
		&guild.VerificationLevel,
		&guild.DefaultMessageNotifications,
		pq.Array(&guild.Features),
		pq.Array(&guild.Exclusions),
		&guild.Unavailable,
		&guild.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guild: %w", err)
	}

	if guild.Roles, err = db.getRoles(ctx, guildID); err != nil {
		return nil, err
	}
	if guild.Channels, err = db.getGuildChannels(ctx, guildID); err != nil {
		return nil, err
	}
	if guild.Members, err = db.getMembers(ctx, guildID); err != nil {
		return nil, err
	}

	return &guild, nil
}

// GetUsersGuilds loads snapshots of every guild the user is a member of
func (db *DB) GetUsersGuilds(ctx context.Context, userID string) ([]*models.Guild, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT guild_id FROM members WHERE user_id = $1 ORDER BY joined_at ASC, guild_id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query user guilds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan guild id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user guilds: %w", err)
	}

	guilds := make([]*models.Guild, 0, len(ids))
	for _, id := range ids {
		guild, err := db.GetGuildByID(ctx, id)
		if err != nil {
			return nil, err
		}
		// deleted between the two queries
		if guild == nil {
			continue
		}
		guilds = append(guilds, guild)
	}
	return guilds, nil
}

func (db *DB) getRoles(ctx context.Context, guildID string) ([]models.Role, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, permissions, position, color, hoist, mentionable, managed
		FROM roles
		WHERE guild_id = $1
		ORDER BY position ASC, id ASC
	`, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []models.Role
	for rows.Next() {
		var role models.Role
		err := rows.Scan(
			&role.ID,
			&role.Name,
			&role.Permissions,
			&role.Position,
			&role.Color,
			&role.Hoist,
			&role.Mentionable,
			&role.Managed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roles: %w", err)
	}
	return roles, nil
}

func (db *DB) getGuildChannels(ctx context.Context, guildID string) ([]models.Channel, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+channelColumns+`
		FROM channels
		WHERE guild_id = $1
		ORDER BY position ASC, id ASC
	`, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
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
		return nil, fmt.Errorf("error iterating channels: %w", err)
	}
	return channels, nil
}

func (db *DB) getMembers(ctx context.Context, guildID string) ([]models.Member, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT a.id, a.username, a.discriminator, a.avatar, a.bot,
			m.nick, m.roles, m.joined_at, m.deaf, m.mute
		FROM members m
		INNER JOIN accounts a ON a.id = m.user_id
		WHERE m.guild_id = $1
		ORDER BY m.joined_at ASC, a.id ASC
	`, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []models.Member
	for rows.Next() {
		var member models.Member
		err := rows.Scan(
			&member.User.ID,
			&member.User.Username,
			&member.User.Discriminator,
			&member.User.Avatar,
			&member.User.Bot,
			&member.Nick,
			pq.Array(&member.Roles),
			&member.JoinedAt,
			&member.Deaf,
			&member.Mute,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, member)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return members, nil
}

// AddMember adds a user to a guild. Adding an existing member is a no-op.
func (db *DB) AddMember(ctx context.Context, guildID string, member models.Member) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMember(ctx, tx, guildID, member); err != nil {
		return err
	}
	return tx.Commit()
}

// SetMemberRoles replaces the roles a member holds
func (db *DB) SetMemberRoles(ctx context.Context, guildID, userID string, roleIDs []string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE members SET roles = $3 WHERE guild_id = $1 AND user_id = $2`,
		guildID, userID, pq.Array(nonNil(roleIDs)),
	)
	if err != nil {
		return fmt.Errorf("failed to set member roles: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("member %s not found in guild %s", userID, guildID)
	}
	return nil
}

// RemoveMember removes a user from a guild
func (db *DB) RemoveMember(ctx context.Context, guildID, userID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM members WHERE guild_id = $1 AND user_id = $2`,
		guildID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

// DeleteGuild deletes a guild and, by cascade, its roles, channels and members
func (db *DB) DeleteGuild(ctx context.Context, guildID string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM guilds WHERE id = $1`, guildID)
	if err != nil {
		return fmt.Errorf("failed to delete guild: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("guild %s not found", guildID)
	}
	return nil
}

// nonNil keeps NOT NULL array and JSON columns from receiving NULL
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
