package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// PgxDirectory authenticates against the users table
type PgxDirectory struct {
	pool *pgxpool.Pool
}

// NewPgxDirectory creates a directory on an open pool
func NewPgxDirectory(pool *pgxpool.Pool) *PgxDirectory {
	return &PgxDirectory{pool: pool}
}

// Authenticate looks up an active user by email and checks the bcrypt hash
func (d *PgxDirectory) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	query := `
		SELECT id::text, LOWER(email), password_hash, is_active
		FROM users
		WHERE LOWER(email) = $1
	`

	var (
		acc      Account
		hash     string
		isActive bool
	)
	err := d.pool.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(username))).
		Scan(&acc.ID, &acc.Username, &hash, &isActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("directory: lookup %s: %w", username, err)
	}
	if !isActive {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	if _, err := d.pool.Exec(ctx, `UPDATE users SET last_login_at = NOW() WHERE id = $1::uuid`, acc.ID); err != nil {
		return nil, fmt.Errorf("directory: update last login: %w", err)
	}
	return &acc, nil
}

// CreateUser inserts a user with a bcrypt-hashed password and returns its id
func (d *PgxDirectory) CreateUser(ctx context.Context, email, password string) (string, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	var id string
	err = d.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, is_active)
		VALUES ($1, $2, true)
		RETURNING id::text
	`, strings.ToLower(strings.TrimSpace(email)), hash).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("directory: create %s: %w", email, err)
	}
	return id, nil
}
