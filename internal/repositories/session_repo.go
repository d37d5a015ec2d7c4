package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mknutsen/libris/internal/database"
	"github.com/mknutsen/libris/internal/models"
)

// SessionRepository handles database operations for sessions. The same
// table backs full login sessions, short-lived OAuth exchange tokens and
// password reset tokens; the id is the secret in every case.
type SessionRepository struct {
	q database.Querier
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{q: db.Pool}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *SessionRepository) WithTx(tx pgx.Tx) *SessionRepository {
	return &SessionRepository{q: tx}
}

// Create inserts a session row.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO sessions (id, user_id, created_at, last_accessed, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.q.Exec(ctx, query,
		session.ID, session.UserID, session.CreatedAt, session.LastAccessed, session.ExpiresAt,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `
		SELECT id, user_id, created_at, last_accessed, expires_at
		FROM sessions WHERE id = $1
	`

	var s models.Session
	err := r.q.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.UserID, &s.CreatedAt, &s.LastAccessed, &s.ExpiresAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &s, nil
}

// Delete removes a session and reports whether a row was actually deleted.
// The count is the linchpin of single-use token semantics: two racing
// consumers both issue the DELETE but only one sees a row go away.
func (r *SessionRepository) Delete(ctx context.Context, id string) (bool, error) {
	query := `DELETE FROM sessions WHERE id = $1`

	result, err := r.q.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// TouchLastAccessed bumps the activity timestamp on an authenticated request
func (r *SessionRepository) TouchLastAccessed(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET last_accessed = $2 WHERE id = $1`

	_, err := r.q.Exec(ctx, query, id, at)
	return err
}

// DeleteAllForUser revokes every session belonging to a user
func (r *SessionRepository) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	query := `DELETE FROM sessions WHERE user_id = $1`

	result, err := r.q.Exec(ctx, query, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes sessions past their expiry
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM sessions WHERE expires_at <= CURRENT_TIMESTAMP`

	result, err := r.q.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
