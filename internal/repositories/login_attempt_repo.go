package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mknutsen/libris/internal/database"
	"github.com/mknutsen/libris/internal/models"
)

// LoginAttemptRepository handles database operations for login attempts
type LoginAttemptRepository struct {
	q database.Querier
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{q: db.Pool}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *LoginAttemptRepository) WithTx(tx pgx.Tx) *LoginAttemptRepository {
	return &LoginAttemptRepository{q: tx}
}

// RecordAttempt records a login attempt in the database
func (r *LoginAttemptRepository) RecordAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (email, attempted_at, success)
		VALUES (LOWER($1), $2, $3)
	`

	_, err := r.q.Exec(ctx, query, attempt.Email, attempt.AttemptedAt, attempt.Success)
	return err
}

// CountFailedSince returns the number of failed attempts for an email within a time window
func (r *LoginAttemptRepository) CountFailedSince(ctx context.Context, email string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE email = LOWER($1) AND success = false AND attempted_at >= $2
	`

	var count int
	err := r.q.QueryRow(ctx, query, email, since).Scan(&count)
	return count, err
}

// LastFailureSince returns the timestamp of the most recent failed attempt for
// an email within the window, or nil when there is none
func (r *LoginAttemptRepository) LastFailureSince(ctx context.Context, email string, since time.Time) (*time.Time, error) {
	query := `
		SELECT attempted_at FROM login_attempts
		WHERE email = LOWER($1) AND success = false AND attempted_at >= $2
		ORDER BY attempted_at DESC
		LIMIT 1
	`

	var failureTime time.Time
	err := r.q.QueryRow(ctx, query, email, since).Scan(&failureTime)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &failureTime, nil
}

// DeleteFailedForEmail clears the failure history after a successful login
func (r *LoginAttemptRepository) DeleteFailedForEmail(ctx context.Context, email string) error {
	query := `DELETE FROM login_attempts WHERE email = LOWER($1) AND success = false`

	_, err := r.q.Exec(ctx, query, email)
	return err
}

// DeleteOlderThan removes attempts that can no longer influence a lockout
// decision
func (r *LoginAttemptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM login_attempts WHERE attempted_at < $1`

	result, err := r.q.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
