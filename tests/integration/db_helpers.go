package integration

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mknutsen/libris/internal/database"
	"github.com/mknutsen/libris/internal/models"
	"github.com/mknutsen/libris/internal/repositories"
	"github.com/mknutsen/libris/pkg/auth"
)

// TestDB manages a PostgreSQL testcontainer and database operations
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// SetupTestDatabase creates a PostgreSQL testcontainer, runs migrations, returns TestDB
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("libris"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         &database.DB{Pool: pool},
	}, nil
}

// runMigrations executes all goose migrations
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir, err := filepath.Abs("../../migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations path: %w", err)
	}

	goose.SetLogger(log.New(io.Discard, "", 0))

	// Goose needs a stdlib DB connection; adapt the pgx pool config.
	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"login_attempts",
		"oauth_states",
		"oauth_accounts",
		"sessions",
		"users",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// InitializeRepositories creates all repository instances from the database wrapper
func InitializeRepositories(db *database.DB) (
	*repositories.UserRepository,
	*repositories.LoginAttemptRepository,
	*repositories.SessionRepository,
	*repositories.OAuthAccountRepository,
	*repositories.OAuthStateRepository,
) {
	return repositories.NewUserRepository(db),
		repositories.NewLoginAttemptRepository(db),
		repositories.NewSessionRepository(db),
		repositories.NewOAuthAccountRepository(db),
		repositories.NewOAuthStateRepository(db)
}

// SeedUser inserts a test user with a hashed password
func SeedUser(ctx context.Context, db *database.DB, email, password string) (*models.User, error) {
	hash := ""
	if password != "" {
		var err error
		hash, err = auth.HashPassword(password)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
	}

	users := repositories.NewUserRepository(db)
	return users.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: hash,
		FullName:     "Integration User",
		Role:         models.RoleMember,
		Status:       models.StatusActive,
	})
}

// SeedTempToken inserts a short-lived single-use token row for a user
func SeedTempToken(ctx context.Context, db *database.DB, userID string, ttl time.Duration) (*models.Session, error) {
	id, err := auth.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	token := &models.Session{
		ID:           id,
		UserID:       userID,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
	}

	sessions := repositories.NewSessionRepository(db)
	if err := sessions.Create(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to insert token: %w", err)
	}
	return token, nil
}

// SeedOAuthState inserts an in-flight authorization row
func SeedOAuthState(ctx context.Context, db *database.DB, provider, redirectURL string, ttl time.Duration) (*models.OAuthState, error) {
	state, err := auth.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	row := &models.OAuthState{
		State:       state,
		Provider:    provider,
		RedirectURL: redirectURL,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	states := repositories.NewOAuthStateRepository(db)
	if err := states.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to insert oauth state: %w", err)
	}
	return row, nil
}

// SeedFailedAttempts inserts failed login attempt rows at the given instant
func SeedFailedAttempts(ctx context.Context, db *database.DB, email string, count int, at time.Time) error {
	attempts := repositories.NewLoginAttemptRepository(db)
	for i := 0; i < count; i++ {
		if err := attempts.RecordAttempt(ctx, &models.LoginAttempt{
			Email:       email,
			AttemptedAt: at,
			Success:     false,
		}); err != nil {
			return fmt.Errorf("failed to insert attempt: %w", err)
		}
	}
	return nil
}
