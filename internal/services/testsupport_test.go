package services_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mknutsen/libris/internal/models"
	"github.com/mknutsen/libris/internal/services"
	pkglogger "github.com/mknutsen/libris/pkg/logger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAuditLogger() *pkglogger.AuditLogger {
	return pkglogger.NewAuditLogger(testLogger())
}

// memStore holds in-memory tables shared by the fake store implementations.
// It ignores transactional boundaries; the flows under test are exercised
// for their logic, not their isolation.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*models.User // by id
	attempts []*models.LoginAttempt
	sessions map[string]*models.Session      // by id
	accounts map[string]*models.OAuthAccount // by id
	states   map[string]*models.OAuthState   // by state
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]*models.User),
		sessions: make(map[string]*models.Session),
		accounts: make(map[string]*models.OAuthAccount),
		states:   make(map[string]*models.OAuthState),
	}
}

func (m *memStore) stores() services.AuthStores {
	return services.AuthStores{
		Users:    memUsers{m},
		Attempts: memAttempts{m},
		Sessions: memSessions{m},
		Accounts: memAccounts{m},
	}
}

// fakeRunner satisfies TxRunner by calling fn directly against the store.
type fakeRunner struct {
	st *memStore
}

func (r *fakeRunner) Run(ctx context.Context, fn func(services.AuthStores) error) error {
	return fn(r.st.stores())
}

func (r *fakeRunner) RunWithEmailLock(ctx context.Context, email string, fn func(services.AuthStores) error) error {
	return fn(r.st.stores())
}

// memUsers implements services.UserStore
type memUsers struct{ *memStore }

func (m memUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (m memUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m memUsers) Create(ctx context.Context, user *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	copied := *user
	m.users[user.ID] = &copied
	return user, nil
}

func (m memUsers) UpdateProfile(ctx context.Context, id, fullName, avatarURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok {
		user.FullName = fullName
		user.AvatarURL = avatarURL
	}
	return nil
}

func (m memUsers) UpdateLoginStamp(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok {
		user.LastLoginAt = &at
	}
	return nil
}

func (m memUsers) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return models.ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.PasswordChangeRequired = false
	return nil
}

// addUser seeds a user directly, bypassing Create's defaulting.
func (m *memStore) addUser(user *models.User) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	copied := *user
	m.users[user.ID] = &copied
	return user
}

func (m *memStore) userByEmail(email string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			copied := *user
			return &copied
		}
	}
	return nil
}

// memAttempts implements services.LoginAttemptStore
type memAttempts struct{ *memStore }

func (m memAttempts) RecordAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *attempt
	m.attempts = append(m.attempts, &copied)
	return nil
}

func (m memAttempts) CountFailedSince(ctx context.Context, email string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.attempts {
		if a.Email == email && !a.Success && !a.AttemptedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m memAttempts) LastFailureSince(ctx context.Context, email string, since time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, a := range m.attempts {
		if a.Email == email && !a.Success && !a.AttemptedAt.Before(since) {
			if last == nil || a.AttemptedAt.After(*last) {
				t := a.AttemptedAt
				last = &t
			}
		}
	}
	return last, nil
}

func (m memAttempts) DeleteFailedForEmail(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]*models.LoginAttempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		if a.Email != email || a.Success {
			kept = append(kept, a)
		}
	}
	m.memStore.attempts = kept
	return nil
}

func (m memAttempts) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	kept := make([]*models.LoginAttempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		if a.AttemptedAt.Before(cutoff) {
			deleted++
		} else {
			kept = append(kept, a)
		}
	}
	m.memStore.attempts = kept
	return deleted, nil
}

func (m *memStore) seedAttempt(email string, at time.Time, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, &models.LoginAttempt{Email: email, AttemptedAt: at, Success: success})
}

func (m *memStore) attemptCount(email string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.attempts {
		if a.Email == email {
			count++
		}
	}
	return count
}

func (m *memStore) failedAttemptCount(email string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, a := range m.attempts {
		if a.Email == email && !a.Success {
			count++
		}
	}
	return count
}

// memSessions implements services.SessionStore
type memSessions struct{ *memStore }

func (m memSessions) Create(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m memSessions) GetByID(ctx context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m memSessions) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

func (m memSessions) TouchLastAccessed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastAccessed = at
	}
	return nil
}

func (m memSessions) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m memSessions) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var deleted int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) seedSession(session *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *session
	m.sessions[session.ID] = &copied
}

func (m *memStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *memStore) sessionByID(id string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		copied := *s
		return &copied
	}
	return nil
}

func (m *memStore) sessionsForUser(userID string) []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Session, 0)
	for _, s := range m.sessions {
		if s.UserID == userID {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out
}

// memAccounts implements services.OAuthAccountStore
type memAccounts struct{ *memStore }

func (m memAccounts) GetByProviderIdentity(ctx context.Context, provider, providerUserID string) (*models.OAuthAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Provider == provider && a.ProviderUserID == providerUserID {
			copied := *a
			return &copied, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m memAccounts) GetByUserAndProvider(ctx context.Context, userID, provider string) (*models.OAuthAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.UserID == userID && a.Provider == provider {
			copied := *a
			return &copied, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m memAccounts) ListByUserID(ctx context.Context, userID string) ([]*models.OAuthAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.OAuthAccount, 0)
	for _, a := range m.accounts {
		if a.UserID == userID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m memAccounts) Create(ctx context.Context, account *models.OAuthAccount) (*models.OAuthAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account.ID = uuid.New().String()
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now
	copied := *account
	m.accounts[account.ID] = &copied
	return account, nil
}

func (m memAccounts) UpdateIdentity(ctx context.Context, id, providerUserID, providerEmail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.ProviderUserID = providerUserID
		a.ProviderEmail = providerEmail
	}
	return nil
}

func (m memAccounts) UpdateProviderEmail(ctx context.Context, id, providerEmail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.ProviderEmail = providerEmail
	}
	return nil
}

func (m *memStore) seedAccount(account *models.OAuthAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	copied := *account
	m.accounts[account.ID] = &copied
}

func (m *memStore) accountCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// memStates implements services.OAuthStateStore
type memStates struct{ *memStore }

func (m memStates) Create(ctx context.Context, state *models.OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *state
	m.states[state.State] = &copied
	return nil
}

func (m memStates) GetByState(ctx context.Context, state string) (*models.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[state]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m memStates) Delete(ctx context.Context, state string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[state]; !ok {
		return false, nil
	}
	delete(m.states, state)
	return true, nil
}

func (m memStates) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var deleted int64
	for state, s := range m.states {
		if s.ExpiresAt.Before(now) {
			delete(m.states, state)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) seedState(state *models.OAuthState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *state
	m.states[state.State] = &copied
}

func (m *memStore) stateByValue(state string) *models.OAuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[state]; ok {
		copied := *s
		return &copied
	}
	return nil
}
