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

	"newsportal/internal/auth"
	"newsportal/internal/clientid"
	"newsportal/internal/identity"
	"newsportal/internal/maintenance"
	"newsportal/internal/observability"
	"newsportal/internal/portal"
	"newsportal/internal/ratelimit"
)

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

type routes struct {
	auth        *auth.Handler
	guard       *auth.Guard
	users       *portal.Handler
	cleanup     *maintenance.CleanupHandler
	throttle    *ratelimit.Throttle
	metrics     *observability.Metrics
	health      http.HandlerFunc
	logger      *observability.Logger
	contentHost string
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	appEnv := envOrDefault("APP_ENV", "development")
	logger := observability.NewLogger().With(map[string]any{"env": appEnv})

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), appEnv); err != nil {
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

	upstreamTimeout := envSecondsOrDefault("UPSTREAM_TIMEOUT_SECONDS", 5)
	portalRepo := portal.NewRepository(database)

	provider, local, contentHost, err := buildProvider(database, upstreamTimeout)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	var credentials credentialSetter
	if local != nil {
		credentials = local
	}
	if err := bootstrapAdmin(context.Background(), portalRepo, credentials, os.Getenv("ADMIN_EMAIL"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	background, stopBackground := context.WithCancel(context.Background())

	store, memoryStore, closeStore, err := buildRateLimitStore(background)
	if err != nil {
		stopBackground()
		_ = database.Close()
		return nil, err
	}

	limiter := ratelimit.NewLimiter(store, ratelimit.Config{
		MaxAttempts:   envIntOrDefault("LOGIN_MAX_ATTEMPTS", ratelimit.DefaultMaxAttempts),
		AttemptWindow: envSecondsOrDefault("LOGIN_ATTEMPT_WINDOW_SECONDS", int(ratelimit.DefaultAttemptWindow/time.Second)),
		BlockDuration: envMinutesOrDefault("LOGIN_BLOCK_MINUTES", int(ratelimit.DefaultBlockDuration/time.Minute)),
	})

	var metrics *observability.Metrics
	if envBoolOrDefault("METRICS_ENABLED", true) {
		metrics = observability.NewMetrics()
	}

	gate := auth.NewGate(portalRepo, metrics)
	authService := auth.NewService(provider, gate, limiter, logger).
		WithAudit(portalRepo).
		WithMetrics(metrics).
		WithUpstreamTimeout(upstreamTimeout)

	throttle := ratelimit.NewThrottle(
		envIntOrDefault("VERIFY_RATE_PER_MINUTE", 60),
		envIntOrDefault("VERIFY_BURST", 20),
	)

	tasks := []maintenance.Task{
		{Name: "verify_throttle", Run: func(context.Context) (int64, error) {
			return int64(throttle.Cleanup()), nil
		}},
	}
	if memoryStore != nil {
		tasks = append(tasks, maintenance.Task{Name: "login_attempts", Run: func(context.Context) (int64, error) {
			return int64(memoryStore.Cleanup()), nil
		}})
	}
	if local != nil {
		batchSize := envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500)
		tasks = append(tasks, maintenance.Task{Name: "sessions", Run: func(ctx context.Context) (int64, error) {
			return local.PurgeExpiredSessions(ctx, batchSize)
		}})
	}

	handler := newRouter(routes{
		auth:        auth.NewHandler(authService),
		guard:       auth.NewGuard(authService, logger),
		users:       portal.NewHandler(portalRepo),
		cleanup:     maintenance.NewCleanupHandler(logger, os.Getenv("CRON_SECRET"), tasks...),
		throttle:    throttle,
		metrics:     metrics,
		health:      healthHandler(database),
		logger:      logger,
		contentHost: contentHost,
	})

	return &Runtime{
		Handler: handler,
		Close: func() error {
			stopBackground()
			if err := closeStore(); err != nil {
				logger.Error("close_rate_limit_store_failed", map[string]any{"error": err.Error()})
			}
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func newRouter(r routes) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", r.auth.Login)
	mux.Handle("GET /auth/verify", r.throttle.Middleware(clientid.Resolve, http.HandlerFunc(r.auth.Verify)))
	mux.HandleFunc("POST /auth/logout", r.auth.Logout)
	mux.Handle("GET /admin", r.guard.RequirePortalUser(http.HandlerFunc(r.auth.Me)))
	mux.Handle("GET /admin/users", r.guard.RequireAdmin(http.HandlerFunc(r.users.ListUsers)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", r.cleanup.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", r.cleanup.Handle)
	mux.HandleFunc("GET /health", r.health)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics.Handler())
	}

	return observability.SecurityHeadersMiddleware(r.contentHost,
		observability.RecoverMiddleware(r.logger,
			observability.RequestLoggingMiddleware(r.logger, mux)))
}

// buildProvider returns the identity provider selected by IDENTITY_PROVIDER.
// local is non-nil only for the self-hosted provider; contentHost is the
// provider origin allowed by the content security policy.
func buildProvider(database *sql.DB, timeout time.Duration) (identity.Provider, *identity.LocalProvider, string, error) {
	switch kind := strings.ToLower(envOrDefault("IDENTITY_PROVIDER", "supabase")); kind {
	case "supabase":
		supabaseURL, err := mustEnv("SUPABASE_URL")
		if err != nil {
			return nil, nil, "", err
		}
		anonKey, err := mustEnv("SUPABASE_ANON_KEY")
		if err != nil {
			return nil, nil, "", err
		}
		supabase, err := identity.NewSupabaseProvider(supabaseURL, anonKey, timeout)
		if err != nil {
			return nil, nil, "", fmt.Errorf("init supabase provider: %w", err)
		}
		return identity.NewJWTVerifier(supabase, os.Getenv("SUPABASE_JWT_SECRET")), nil, supabase.Host(), nil
	case "local":
		secret, err := mustEnv("SESSION_SECRET")
		if err != nil {
			return nil, nil, "", err
		}
		local, err := identity.NewLocalProvider(database, secret, envMinutesOrDefault("SESSION_TTL_MINUTES", 60))
		if err != nil {
			return nil, nil, "", fmt.Errorf("init local provider: %w", err)
		}
		return local, local, "", nil
	default:
		return nil, nil, "", fmt.Errorf("unknown IDENTITY_PROVIDER %q", kind)
	}
}

// buildRateLimitStore returns the attempt store selected by RATE_LIMIT_STORE.
// The memory store is also returned so maintenance can evict from it.
func buildRateLimitStore(ctx context.Context) (ratelimit.Store, *ratelimit.MemoryStore, func() error, error) {
	switch kind := strings.ToLower(envOrDefault("RATE_LIMIT_STORE", "memory")); kind {
	case "memory":
		store := ratelimit.NewMemoryStore()
		store.StartJanitor(ctx, envMinutesOrDefault("RATE_LIMIT_JANITOR_MINUTES", 1))
		return store, store, func() error { return nil }, nil
	case "redis":
		addr, err := mustEnv("REDIS_ADDR")
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := ratelimit.NewRedisStore(ctx, ratelimit.RedisConfig{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envNonNegativeIntOrDefault("REDIS_DB", 0),
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init redis store: %w", err)
		}
		return store, nil, store.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown RATE_LIMIT_STORE %q", kind)
	}
}

type adminProvisioner interface {
	UpsertUser(ctx context.Context, email, name string, role portal.Role) (portal.User, error)
}

type credentialSetter interface {
	SetCredentials(ctx context.Context, userID, email, password string) error
}

// bootstrapAdmin ensures ADMIN_EMAIL is an admin portal user. With the local
// provider the password is (re)set too; with a hosted provider the identity
// must already exist there.
func bootstrapAdmin(ctx context.Context, users adminProvisioner, credentials credentialSetter, email, password string) error {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return nil
	}

	user, err := users.UpsertUser(ctx, email, "Administrator", portal.RoleAdmin)
	if err != nil {
		return err
	}

	if credentials == nil || password == "" {
		return nil
	}
	return credentials.SetCredentials(ctx, user.ID, email, password)
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

func envNonNegativeIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envBoolOrDefault(name string, fallback bool) bool {
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
