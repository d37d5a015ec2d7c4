package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/mknutsen/libris/internal/database"
	"github.com/mknutsen/libris/internal/models"
)

// OAuthStateRepository handles database operations for in-flight
// authorization round-trips
type OAuthStateRepository struct {
	q database.Querier
}

// NewOAuthStateRepository creates a new OAuthStateRepository
func NewOAuthStateRepository(db *database.DB) *OAuthStateRepository {
	return &OAuthStateRepository{q: db.Pool}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *OAuthStateRepository) WithTx(tx pgx.Tx) *OAuthStateRepository {
	return &OAuthStateRepository{q: tx}
}

// Create inserts a state row for a newly started authorization.
func (r *OAuthStateRepository) Create(ctx context.Context, state *models.OAuthState) error {
	query := `
		INSERT INTO oauth_states (state, provider, redirect_url, code_verifier, created_at, expires_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
	`

	_, err := r.q.Exec(ctx, query,
		state.State, state.Provider, state.RedirectURL, state.CodeVerifier,
		state.CreatedAt, state.ExpiresAt,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

// GetByState looks a round-trip up by its opaque state value.
func (r *OAuthStateRepository) GetByState(ctx context.Context, state string) (*models.OAuthState, error) {
	query := `
		SELECT state, provider, redirect_url, code_verifier, created_at, expires_at
		FROM oauth_states WHERE state = $1
	`

	var s models.OAuthState
	var codeVerifier *string
	err := r.q.QueryRow(ctx, query, state).Scan(
		&s.State, &s.Provider, &s.RedirectURL, &codeVerifier, &s.CreatedAt, &s.ExpiresAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if codeVerifier != nil {
		s.CodeVerifier = *codeVerifier
	}

	return &s, nil
}

// Delete removes a state row, making the value single-use.
func (r *OAuthStateRepository) Delete(ctx context.Context, state string) (bool, error) {
	query := `DELETE FROM oauth_states WHERE state = $1`

	result, err := r.q.Exec(ctx, query, state)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// DeleteExpired removes round-trips that were never completed
func (r *OAuthStateRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM oauth_states WHERE expires_at <= CURRENT_TIMESTAMP`

	result, err := r.q.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
