package services

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mknutsen/libris/internal/database"
	"github.com/mknutsen/libris/internal/models"
	"github.com/mknutsen/libris/internal/repositories"
)

// UserStore defines the interface for user database operations
type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	UpdateProfile(ctx context.Context, id, fullName, avatarURL string) error
	UpdateLoginStamp(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// LoginAttemptStore defines the interface for login attempt operations
type LoginAttemptStore interface {
	RecordAttempt(ctx context.Context, attempt *models.LoginAttempt) error
	CountFailedSince(ctx context.Context, email string, since time.Time) (int, error)
	LastFailureSince(ctx context.Context, email string, since time.Time) (*time.Time, error)
	DeleteFailedForEmail(ctx context.Context, email string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionStore defines the interface for session operations
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) (bool, error)
	TouchLastAccessed(ctx context.Context, id string, at time.Time) error
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// OAuthAccountStore defines the interface for provider link operations
type OAuthAccountStore interface {
	GetByProviderIdentity(ctx context.Context, provider, providerUserID string) (*models.OAuthAccount, error)
	GetByUserAndProvider(ctx context.Context, userID, provider string) (*models.OAuthAccount, error)
	ListByUserID(ctx context.Context, userID string) ([]*models.OAuthAccount, error)
	Create(ctx context.Context, account *models.OAuthAccount) (*models.OAuthAccount, error)
	UpdateIdentity(ctx context.Context, id, providerUserID, providerEmail string) error
	UpdateProviderEmail(ctx context.Context, id, providerEmail string) error
}

// OAuthStateStore defines the interface for in-flight authorization state
type OAuthStateStore interface {
	Create(ctx context.Context, state *models.OAuthState) error
	GetByState(ctx context.Context, state string) (*models.OAuthState, error)
	Delete(ctx context.Context, state string) (bool, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// AuthStores bundles the stores a transactional auth flow touches. Inside
// a transaction every store is bound to the same tx.
type AuthStores struct {
	Users    UserStore
	Attempts LoginAttemptStore
	Sessions SessionStore
	Accounts OAuthAccountStore
}

// TxRunner runs a function with transaction-bound stores. RunWithEmailLock
// additionally serializes on the per-email advisory lock so concurrent
// attempts against one account cannot interleave.
type TxRunner interface {
	Run(ctx context.Context, fn func(AuthStores) error) error
	RunWithEmailLock(ctx context.Context, email string, fn func(AuthStores) error) error
}

// pgTxRunner is the production TxRunner backed by pgx transactions.
type pgTxRunner struct {
	db       *database.DB
	users    *repositories.UserRepository
	attempts *repositories.LoginAttemptRepository
	sessions *repositories.SessionRepository
	accounts *repositories.OAuthAccountRepository
}

// NewTxRunner creates a TxRunner over the pgx pool and repositories.
func NewTxRunner(
	db *database.DB,
	users *repositories.UserRepository,
	attempts *repositories.LoginAttemptRepository,
	sessions *repositories.SessionRepository,
	accounts *repositories.OAuthAccountRepository,
) TxRunner {
	return &pgTxRunner{
		db:       db,
		users:    users,
		attempts: attempts,
		sessions: sessions,
		accounts: accounts,
	}
}

func (r *pgTxRunner) bind(tx pgx.Tx) AuthStores {
	return AuthStores{
		Users:    r.users.WithTx(tx),
		Attempts: r.attempts.WithTx(tx),
		Sessions: r.sessions.WithTx(tx),
		Accounts: r.accounts.WithTx(tx),
	}
}

func (r *pgTxRunner) Run(ctx context.Context, fn func(AuthStores) error) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		return fn(r.bind(tx))
	})
}

func (r *pgTxRunner) RunWithEmailLock(ctx context.Context, email string, fn func(AuthStores) error) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if err := database.AcquireEmailLock(ctx, tx, email); err != nil {
			return err
		}
		return fn(r.bind(tx))
	})
}
