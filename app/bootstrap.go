package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"avixiii-api/internal/account"
	"avixiii-api/internal/auth"
	"avixiii-api/internal/commerce"
	"avixiii-api/internal/db"
	"avixiii-api/internal/mailer"
	"avixiii-api/internal/maintenance"
	"avixiii-api/internal/observability"
	"avixiii-api/internal/store"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	// Login throttling counts in Redis when configured, so the limit holds
	// across instances. Without it each instance keeps its own window.
	var counter auth.CounterStore = auth.NewMemoryCounter()
	var redisClient *redis.Client
	if redisURL := strings.TrimSpace(os.Getenv("REDIS_URL")); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		counter = auth.NewRedisCounter(redisClient)
	}

	throttle := auth.NewLoginThrottle(
		counter,
		envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, throttle, jwtSecret)
	authService.WithSecurityConfig(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 30),
		envHoursOrDefault("RESET_TOKEN_TTL_HOURS", 24),
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)

	if smtpHost := strings.TrimSpace(os.Getenv("SMTP_HOST")); smtpHost != "" {
		authService.WithMailer(mailer.New(
			smtpHost,
			envIntOrDefault("SMTP_PORT", 587),
			os.Getenv("SMTP_USERNAME"),
			os.Getenv("SMTP_PASSWORD"),
			envOrDefault("SMTP_FROM", "no-reply@avixiii.com"),
			envOrDefault("RESET_PASSWORD_URL", "https://avixiii.com/reset-password"),
		))
	} else {
		logger.Warn("mailer_not_configured", map[string]any{"hint": "set SMTP_HOST to deliver reset emails"})
	}

	authHandler := auth.NewHandler(authService)

	if err := authService.BootstrapAdmin(context.Background(), os.Getenv("ADMIN_EMAIL"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	accountRepo := account.NewRepository(database)
	accountHandler := account.NewHandler(accountRepo)

	storeRepo := store.NewRepository(database)
	var checkout store.CheckoutCreator
	if shopifyURL := strings.TrimSpace(os.Getenv("SHOPIFY_URL")); shopifyURL != "" {
		shopifyClient, err := commerce.NewShopify(shopifyURL)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("init shopify: %w", err)
		}
		checkout = shopifyClient
	}
	storeHandler := store.NewHandler(storeRepo, checkout, authService)
	webhookHandler := store.NewWebhookHandler(storeRepo, os.Getenv("SHOPIFY_WEBHOOK_SECRET"))

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("LOGIN_ATTEMPT_RETENTION_DAYS", 90),
		envDaysOrDefault("SECURITY_TOKEN_RETENTION_DAYS", 30),
		envIntOrDefault("SECURITY_CLEANUP_BATCH_SIZE", 500),
	)

	protect := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(jwtSecret, next)
	}
	staffOnly := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(jwtSecret, auth.RequireRole(next, auth.RoleAdmin, auth.RoleStaff))
	}
	adminOnly := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(jwtSecret, auth.RequireRole(next, auth.RoleAdmin))
	}
	identify := func(next http.HandlerFunc) http.Handler {
		return auth.OptionalMiddleware(jwtSecret, next)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", authHandler.Register)
	mux.HandleFunc("POST /auth/login", authHandler.Login)
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.HandleFunc("POST /auth/password-reset", authHandler.RequestPasswordReset)
	mux.HandleFunc("POST /auth/password-reset/confirm", authHandler.ConfirmPasswordReset)
	mux.Handle("GET /auth/me", protect(authHandler.Me))
	mux.Handle("PATCH /auth/me", protect(authHandler.UpdateMe))
	mux.Handle("POST /auth/change-password", protect(authHandler.ChangePassword))
	mux.Handle("GET /auth/me/security-logs", protect(authHandler.MySecurityLogs))
	mux.Handle("GET /auth/me/login-attempts", protect(authHandler.MyLoginAttempts))

	mux.Handle("GET /admin/users", adminOnly(authHandler.ListUsers))
	mux.Handle("PUT /admin/users/{id}/role", adminOnly(authHandler.SetUserRole))
	mux.Handle("POST /admin/users/{id}/unlock", adminOnly(authHandler.UnlockUser))

	mux.Handle("GET /account/profile", protect(accountHandler.GetProfile))
	mux.Handle("PUT /account/profile", protect(accountHandler.UpdateProfile))
	mux.Handle("GET /account/addresses", protect(accountHandler.ListAddresses))
	mux.Handle("POST /account/addresses", protect(accountHandler.CreateAddress))
	mux.Handle("PUT /account/addresses/{id}", protect(accountHandler.UpdateAddress))
	mux.Handle("DELETE /account/addresses/{id}", protect(accountHandler.DeleteAddress))
	mux.Handle("GET /account/notifications", protect(accountHandler.ListNotifications))
	mux.Handle("POST /account/notifications/{id}/read", protect(accountHandler.MarkNotificationRead))
	mux.Handle("GET /account/preferences", protect(accountHandler.GetPreferences))
	mux.Handle("PUT /account/preferences", protect(accountHandler.UpdatePreferences))

	mux.HandleFunc("GET /store/categories", storeHandler.ListCategories)
	mux.HandleFunc("GET /store/categories/{slug}", storeHandler.GetCategory)
	mux.Handle("POST /store/categories", staffOnly(storeHandler.CreateCategory))
	mux.Handle("PUT /store/categories/{id}", staffOnly(storeHandler.UpdateCategory))
	mux.Handle("DELETE /store/categories/{id}", staffOnly(storeHandler.DeleteCategory))
	mux.Handle("GET /store/source-codes", identify(storeHandler.ListSourceCodes))
	mux.HandleFunc("GET /store/source-codes/{slug}", storeHandler.GetSourceCode)
	mux.Handle("POST /store/source-codes", staffOnly(storeHandler.CreateSourceCode))
	mux.Handle("PUT /store/source-codes/{id}", staffOnly(storeHandler.UpdateSourceCode))
	mux.Handle("DELETE /store/source-codes/{id}", staffOnly(storeHandler.DeleteSourceCode))
	mux.HandleFunc("POST /store/checkout", storeHandler.CreateCheckout)
	mux.Handle("GET /store/purchases", protect(storeHandler.MyPurchases))
	mux.Handle("POST /store/purchases/{id}/download", protect(storeHandler.Download))
	mux.HandleFunc("POST /webhooks/orders", webhookHandler.OrderPaid)

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
