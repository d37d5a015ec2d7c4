package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mknutsen/libris/internal/auth"
	"github.com/mknutsen/libris/internal/background"
	"github.com/mknutsen/libris/internal/config"
	"github.com/mknutsen/libris/internal/database"
	"github.com/mknutsen/libris/internal/handlers"
	middlewareCustom "github.com/mknutsen/libris/internal/middleware"
	"github.com/mknutsen/libris/internal/models"
	"github.com/mknutsen/libris/internal/oauth"
	"github.com/mknutsen/libris/internal/repositories"
	"github.com/mknutsen/libris/internal/routes"
	"github.com/mknutsen/libris/internal/services"
	pkgauth "github.com/mknutsen/libris/pkg/auth"
	pkghttp "github.com/mknutsen/libris/pkg/http"
	pkglogger "github.com/mknutsen/libris/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	accountRepo := repositories.NewOAuthAccountRepository(db)
	stateRepo := repositories.NewOAuthStateRepository(db)

	txRunner := services.NewTxRunner(db, userRepo, attemptRepo, sessionRepo, accountRepo)

	// OAuth providers; only those with credentials get registered.
	registry := oauth.NewRegistry()
	if cfg.OAuth.Floot.Configured() && cfg.OAuth.Floot.BaseURL != "" {
		registry.Register(oauth.NewFlootProvider(cfg.OAuth.Floot))
	}
	if cfg.OAuth.Google.Configured() {
		registry.Register(oauth.NewGoogleProvider(cfg.OAuth.Google))
	}
	if cfg.OAuth.GitHub.Configured() {
		registry.Register(oauth.NewGitHubProvider(cfg.OAuth.GitHub))
	}
	logger.Info("oauth providers configured", slog.Any("providers", registry.Names()))

	tokenManager := auth.NewSessionTokenManager(cfg.Auth.SessionSecret)
	auditLogger := pkglogger.NewAuditLogger(logger)

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   100,
		RandomDelayMs: 100,
	})

	var emailService services.EmailSender
	if cfg.Email.FromAddress != "" {
		emailService, err = services.NewAWSSESEmailService(
			cfg.Email.AWSRegion,
			cfg.Email.FromAddress,
			cfg.Email.ResetURLBase,
			logger,
		)
		if err != nil {
			logger.Error("failed to initialize email service", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		emailService = services.NewNoopEmailService(logger)
	}

	// Services
	loginService := services.NewLoginService(
		txRunner, attemptRepo, tokenManager,
		cfg.LoginGuard, cfg.Auth.SessionTTL,
		timingDelay, logger, auditLogger,
	)
	oauthService := services.NewOAuthService(
		registry, stateRepo, txRunner,
		cfg.OAuth.StateTTL, cfg.Auth.TempTokenTTL,
		logger, auditLogger,
	)
	sessionService := services.NewSessionService(
		txRunner, sessionRepo, userRepo, tokenManager, emailService,
		cfg.Auth.SessionTTL, cfg.Auth.ResetTokenTTL,
		logger, auditLogger,
	)

	// Handlers
	cookieCfg := auth.CookieConfig{
		Domain: cfg.Auth.CookieDomain,
		Secure: cfg.Auth.CookieSecure,
	}
	ipConfig := pkghttp.DefaultIPConfig()
	popup := handlers.NewPopupRenderer(cfg.OAuth.MobileScheme)
	authHandler := handlers.NewAuthHandler(loginService, sessionService, cookieCfg, ipConfig)
	oauthHandler := handlers.NewOAuthHandler(oauthService, popup, cookieCfg, cfg.OAuth.StateTTL, routes.CallbackPath)

	cleanupManager := background.NewCleanupManager(
		sessionRepo, stateRepo, attemptRepo,
		cfg.LoginGuard.LockoutWindow, cfg.Auth.CleanupInterval,
		logger,
	)

	// Bootstrap first admin user if configured
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(bootCtx, userRepo, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	bootCancel()

	// Router
	corsConfig := middlewareCustom.NewCORSConfig(cfg.Server.AllowedOrigins)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(corsConfig))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, authHandler, oauthHandler, sessionService)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminUser(ctx context.Context, userRepo *repositories.UserRepository, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		return nil
	}

	_, err := userRepo.GetByEmail(ctx, adminEmail)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	hashedPassword, err := pkgauth.HashPassword(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	_, err = userRepo.Create(ctx, &models.User{
		Email:        adminEmail,
		PasswordHash: hashedPassword,
		FullName:     "Administrator",
		Role:         models.RoleAdmin,
		Status:       models.StatusActive,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created")
	return nil
}
