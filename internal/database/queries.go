package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parsascontentcorner/retrocord/internal/models"
)

const accountColumns = `id, username, discriminator, avatar, bot, email, verified, token, disabled, settings, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		account  models.Account
		settings []byte
	)
	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Discriminator,
		&account.Avatar,
		&account.Bot,
		&account.Email,
		&account.Verified,
		&account.Token,
		&account.Disabled,
		&settings,
		&account.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &account.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return &account, nil
}

// CreateAccount inserts an account or updates it if the id exists
func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	settings, err := json.Marshal(account.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	query := `
		INSERT INTO accounts (id, username, discriminator, avatar, bot, email, verified, token, disabled, settings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id)
		DO UPDATE SET
			username = EXCLUDED.username,
			discriminator = EXCLUDED.discriminator,
			avatar = EXCLUDED.avatar,
			email = EXCLUDED.email,
			verified = EXCLUDED.verified,
			token = EXCLUDED.token,
			disabled = EXCLUDED.disabled,
			settings = EXCLUDED.settings,
			updated_at = NOW()
		RETURNING created_at
	`

	err = db.QueryRowContext(ctx, query,
		account.ID,
		account.Username,
		account.Discriminator,
		account.Avatar,
		account.Bot,
		account.Email,
		account.Verified,
		account.Token,
		account.Disabled,
		settings,
	).Scan(&account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccountByToken returns the account owning token, or (nil, nil) when none does
func (db *DB) GetAccountByToken(ctx context.Context, token string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE token = $1`

	account, err := scanAccount(db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by token: %w", err)
	}
	return account, nil
}

// GetAccountByUserID returns an account by id, or (nil, nil) when it does not exist
func (db *DB) GetAccountByUserID(ctx context.Context, userID string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	account, err := scanAccount(db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// UpdateSettings replaces a user's persisted settings
func (db *DB) UpdateSettings(ctx context.Context, userID string, settings models.UserSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	result, err := db.ExecContext(ctx,
		`UPDATE accounts SET settings = $2, updated_at = NOW() WHERE id = $1`,
		userID, data,
	)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("account %s not found", userID)
	}
	return nil
}

// SetAccountDisabled enables or disables an account
func (db *DB) SetAccountDisabled(ctx context.Context, userID string, disabled bool) error {
	_, err := db.ExecContext(ctx,
		`UPDATE accounts SET disabled = $2, updated_at = NOW() WHERE id = $1`,
		userID, disabled,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}
