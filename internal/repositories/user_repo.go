package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mknutsen/libris/internal/database"
	"github.com/mknutsen/libris/internal/models"
)

type UserRepository struct {
	q database.Querier
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{q: db.Pool}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *UserRepository) WithTx(tx pgx.Tx) *UserRepository {
	return &UserRepository{q: tx}
}

// rowScanner interface for scanning user rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `id, email, password_hash, full_name, avatar_url, role, status, password_change_required, last_login_at, created_at, updated_at`

// scanUserRow handles nullable fields and populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	var passwordHash, avatarURL *string
	var lastLoginAt *time.Time

	err := scanner.Scan(
		&user.ID, &user.Email, &passwordHash, &user.FullName, &avatarURL,
		&user.Role, &user.Status, &user.PasswordChangeRequired,
		&lastLoginAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if passwordHash != nil {
		user.PasswordHash = *passwordHash
	}
	if avatarURL != nil {
		user.AvatarURL = *avatarURL
	}
	user.LastLoginAt = lastLoginAt

	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	return scanUserRow(r.q.QueryRow(ctx, query, id))
}

// GetByEmail looks a user up case-insensitively; emails are stored lowercased
// but lookups normalize again so callers do not have to.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = LOWER($1)`

	return scanUserRow(r.q.QueryRow(ctx, query, email))
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	user.ID = uuid.New().String()

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	if user.Role == "" {
		user.Role = models.RoleMember
	}
	if user.Status == "" {
		user.Status = models.StatusActive
	}

	query := `
		INSERT INTO users (id, email, password_hash, full_name, avatar_url, role, status, password_change_required, created_at, updated_at)
		VALUES ($1, LOWER($2), NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9, $10)
	`

	_, err := r.q.Exec(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.FullName, user.AvatarURL,
		user.Role, user.Status, user.PasswordChangeRequired,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return user, nil
}

// UpdateProfile refreshes the display fields that providers may change
// between logins.
func (r *UserRepository) UpdateProfile(ctx context.Context, id, fullName, avatarURL string) error {
	query := `
		UPDATE users
		SET full_name = $2, avatar_url = NULLIF($3, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	_, err := r.q.Exec(ctx, query, id, fullName, avatarURL)
	return err
}

// UpdateLoginStamp records the moment of a successful authentication.
func (r *UserRepository) UpdateLoginStamp(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE users SET last_login_at = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`

	_, err := r.q.Exec(ctx, query, id, at)
	return err
}

// UpdatePassword sets a new hash and clears the forced-change flag.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	query := `
		UPDATE users
		SET password_hash = $2, password_change_required = false, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	result, err := r.q.Exec(ctx, query, id, passwordHash)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// EmailExists reports whether any account already claims the address.
func (r *UserRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM users WHERE email = LOWER($1))`

	var exists bool
	if err := r.q.QueryRow(ctx, query, email).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check email existence: %w", err)
	}
	return exists, nil
}
