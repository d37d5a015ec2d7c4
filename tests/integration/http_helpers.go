package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mknutsen/libris/internal/auth"
	"github.com/mknutsen/libris/internal/config"
	"github.com/mknutsen/libris/internal/database"
	"github.com/mknutsen/libris/internal/handlers"
	middlewareCustom "github.com/mknutsen/libris/internal/middleware"
	"github.com/mknutsen/libris/internal/oauth"
	"github.com/mknutsen/libris/internal/routes"
	"github.com/mknutsen/libris/internal/services"
	pkghttp "github.com/mknutsen/libris/pkg/http"
	pkglogger "github.com/mknutsen/libris/pkg/logger"
)

// SentEmail represents a captured email message
type SentEmail struct {
	To    string
	Token string
}

// MockEmailService captures reset emails for test assertions
type MockEmailService struct {
	SentEmails []SentEmail
	mu         sync.Mutex
}

func (m *MockEmailService) SendPasswordResetEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentEmails = append(m.SentEmails, SentEmail{To: email, Token: token})
	return nil
}

// GetLastEmail returns the most recent email sent
func (m *MockEmailService) GetLastEmail() *SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.SentEmails) == 0 {
		return nil
	}
	return &m.SentEmails[len(m.SentEmails)-1]
}

// TestServer wraps httptest.Server with the full stack over a real database
// and a mocked email sender. The OAuth registry is left empty unless a
// provider is registered explicitly; the state-machine branches before the
// exchange are exercisable without one.
type TestServer struct {
	Server       *httptest.Server
	DB           *database.DB
	EmailService *MockEmailService
	Config       *config.Config
	Registry     *oauth.Registry

	client *http.Client
}

// NewTestServer wires the production router against the given database
func NewTestServer(db *database.DB) *TestServer {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := &config.Config{
		Auth: config.AuthConfig{
			SessionSecret: "test-secret-32-characters-long-for-testing",
			SessionTTL:    7 * 24 * time.Hour,
			TempTokenTTL:  5 * time.Minute,
			ResetTokenTTL: 30 * time.Minute,
		},
		LoginGuard: config.LoginGuardConfig{
			MaxFailedAttempts: 5,
			LockoutWindow:     15 * time.Minute,
			LockoutDuration:   15 * time.Minute,
		},
		OAuth: config.OAuthConfig{
			StateTTL:     10 * time.Minute,
			MobileScheme: "libris",
		},
		Server: config.ServerConfig{
			Env: "test",
		},
	}

	userRepo, attemptRepo, sessionRepo, accountRepo, stateRepo := InitializeRepositories(db)
	runner := services.NewTxRunner(db, userRepo, attemptRepo, sessionRepo, accountRepo)

	tm := auth.NewSessionTokenManager(cfg.Auth.SessionSecret)
	auditLogger := pkglogger.NewAuditLogger(logger)
	// No artificial delay in tests.
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{})

	mockEmail := &MockEmailService{}
	registry := oauth.NewRegistry()

	loginService := services.NewLoginService(
		runner, attemptRepo, tm, cfg.LoginGuard, cfg.Auth.SessionTTL, timingDelay, logger, auditLogger,
	)
	oauthService := services.NewOAuthService(
		registry, stateRepo, runner, cfg.OAuth.StateTTL, cfg.Auth.TempTokenTTL, logger, auditLogger,
	)
	sessionService := services.NewSessionService(
		runner, sessionRepo, userRepo, tm, mockEmail,
		cfg.Auth.SessionTTL, cfg.Auth.ResetTokenTTL, logger, auditLogger,
	)

	cookieCfg := auth.CookieConfig{}
	authHandler := handlers.NewAuthHandler(loginService, sessionService, cookieCfg, pkghttp.DefaultIPConfig())
	oauthHandler := handlers.NewOAuthHandler(
		oauthService,
		handlers.NewPopupRenderer(cfg.OAuth.MobileScheme),
		cookieCfg,
		cfg.OAuth.StateTTL,
		routes.CallbackPath,
	)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(r, authHandler, oauthHandler, sessionService)

	server := httptest.NewServer(r)

	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// Authorize responds 302 to an external provider; tests inspect
			// the redirect rather than follow it.
			return http.ErrUseLastResponse
		},
	}

	return &TestServer{
		Server:       server,
		DB:           db,
		EmailService: mockEmail,
		Config:       cfg,
		Registry:     registry,
		client:       client,
	}
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes an HTTP request to the test server, carrying cookies across calls
func (ts *TestServer) Request(method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return ts.client.Do(req)
}

// ParseJSONResponse parses a JSON response body into the target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// GetErrorMessage extracts the error message from an error response
func GetErrorMessage(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var errResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return "", err
	}
	if msg, ok := errResp["message"].(string); ok {
		return msg, nil
	}
	return "", nil
}
