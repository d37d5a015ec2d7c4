package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mknutsen/libris/internal/database"
	"github.com/mknutsen/libris/internal/models"
)

// OAuthAccountRepository handles database operations for provider links
type OAuthAccountRepository struct {
	q database.Querier
}

// NewOAuthAccountRepository creates a new OAuthAccountRepository
func NewOAuthAccountRepository(db *database.DB) *OAuthAccountRepository {
	return &OAuthAccountRepository{q: db.Pool}
}

// WithTx returns a copy of the repository bound to the transaction.
func (r *OAuthAccountRepository) WithTx(tx pgx.Tx) *OAuthAccountRepository {
	return &OAuthAccountRepository{q: tx}
}

const oauthAccountColumns = `id, user_id, provider, provider_user_id, provider_email, created_at, updated_at`

func scanOAuthAccount(scanner rowScanner) (*models.OAuthAccount, error) {
	var a models.OAuthAccount
	var providerEmail *string

	err := scanner.Scan(
		&a.ID, &a.UserID, &a.Provider, &a.ProviderUserID, &providerEmail,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if providerEmail != nil {
		a.ProviderEmail = *providerEmail
	}

	return &a, nil
}

// GetByProviderIdentity finds the link for a provider's stable user id.
func (r *OAuthAccountRepository) GetByProviderIdentity(ctx context.Context, provider, providerUserID string) (*models.OAuthAccount, error) {
	query := `SELECT ` + oauthAccountColumns + ` FROM oauth_accounts WHERE provider = $1 AND provider_user_id = $2`

	return scanOAuthAccount(r.q.QueryRow(ctx, query, provider, providerUserID))
}

// GetByUserAndProvider finds a user's link for one provider, if any.
func (r *OAuthAccountRepository) GetByUserAndProvider(ctx context.Context, userID, provider string) (*models.OAuthAccount, error) {
	query := `SELECT ` + oauthAccountColumns + ` FROM oauth_accounts WHERE user_id = $1 AND provider = $2`

	return scanOAuthAccount(r.q.QueryRow(ctx, query, userID, provider))
}

// ListByUserID returns all provider links for a user
func (r *OAuthAccountRepository) ListByUserID(ctx context.Context, userID string) ([]*models.OAuthAccount, error) {
	query := `SELECT ` + oauthAccountColumns + ` FROM oauth_accounts WHERE user_id = $1 ORDER BY created_at`

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]*models.OAuthAccount, 0)
	for rows.Next() {
		account, err := scanOAuthAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

// Create inserts a provider link.
func (r *OAuthAccountRepository) Create(ctx context.Context, account *models.OAuthAccount) (*models.OAuthAccount, error) {
	account.ID = uuid.New().String()

	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	query := `
		INSERT INTO oauth_accounts (id, user_id, provider, provider_user_id, provider_email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`

	_, err := r.q.Exec(ctx, query,
		account.ID, account.UserID, account.Provider, account.ProviderUserID,
		account.ProviderEmail, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return account, nil
}

// UpdateIdentity rewrites the provider-side id and email for a link.
// Covers providers that rotate their stable user ids.
func (r *OAuthAccountRepository) UpdateIdentity(ctx context.Context, id, providerUserID, providerEmail string) error {
	query := `
		UPDATE oauth_accounts
		SET provider_user_id = $2, provider_email = NULLIF($3, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	_, err := r.q.Exec(ctx, query, id, providerUserID, providerEmail)
	return err
}

// UpdateProviderEmail refreshes the email the provider reports for the link
func (r *OAuthAccountRepository) UpdateProviderEmail(ctx context.Context, id, providerEmail string) error {
	query := `
		UPDATE oauth_accounts
		SET provider_email = NULLIF($2, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	_, err := r.q.Exec(ctx, query, id, providerEmail)
	return err
}
