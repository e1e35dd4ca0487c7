package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/canopyworks/canopy/pkg/api"
	"github.com/canopyworks/canopy/pkg/audit"
	"github.com/canopyworks/canopy/pkg/auth"
	"github.com/canopyworks/canopy/pkg/config"
	"github.com/canopyworks/canopy/pkg/files"
	"github.com/canopyworks/canopy/pkg/middleware"
	"github.com/canopyworks/canopy/pkg/observability"
	"github.com/canopyworks/canopy/pkg/quota"
	"github.com/canopyworks/canopy/pkg/ratelimit"
	"github.com/canopyworks/canopy/pkg/rbac"
	"github.com/canopyworks/canopy/pkg/users"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("configuration invalid")
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connected")

	if err := migrate(ctx, db); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Access control and accounts.
	roleStore := rbac.NewStore(db)
	if err := rbac.Bootstrap(ctx, roleStore); err != nil {
		return err
	}
	roleRegistry := rbac.NewRegistry(roleStore)

	hasher := auth.NewPasswordHasher(auth.DefaultArgon2Params())
	userStore := users.NewStore(db, roleStore)
	userSvc := users.NewService(userStore, roleRegistry, hasher, cfg.Auth.DefaultQuotaBytes)

	if admin, err := userSvc.EnsureAdmin(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword); err != nil {
		return err
	} else if admin != nil {
		log.WithField("username", admin.Username).Info("initial admin account created")
	}

	// Audit chain and sessions.
	bus := audit.NewBus(db, log, metrics)
	auditStore := audit.NewStore(db)

	tokens := auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer,
		cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	replays := auth.NewReplayRegistry()
	loginLimiter := ratelimit.NewLoginLimiter(cfg.Auth.LoginMaxFailures, cfg.Auth.LoginWindow)
	sessions := auth.NewService(userStore, hasher, tokens, replays, loginLimiter, bus, log, metrics)

	// Workspace tree.
	nodes := files.NewStore(db)
	shares := files.NewShareStore(db)
	links := files.NewLinkStore(db)
	engineOpts := []rbac.EngineOption{rbac.WithDecisionCache(4096, 30*time.Second)}
	if metrics != nil {
		engineOpts = append(engineOpts, rbac.WithDecisionRecorder(decisionRecorder{metrics}))
	}
	engine := rbac.NewEngine(nodes, shares, engineOpts...)
	tracker := quota.NewTracker(db, metrics, cfg.Quota.MonthlyBandwidthBytes)
	fileSvc := files.NewService(db, nodes, shares, links, engine, tracker, userStore, bus)

	// Per-class request throttling, optionally redis-backed.
	limits := middleware.NewRateLimit(log, metrics)
	applyLimits(limits, log, map[string]string{
		api.ClassAPI:  cfg.RateLimits.API,
		api.ClassAuth: cfg.RateLimits.Auth,
	})
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		for class, spec := range map[string]string{
			api.ClassAPI:  cfg.RateLimits.API,
			api.ClassAuth: cfg.RateLimits.Auth,
		} {
			limit, err := ratelimit.ParseRateLimit(spec)
			if err != nil {
				limit = ratelimit.DefaultLimit
			}
			limits.RegisterDistributed(class, ratelimit.NewRedisWindow(redisClient, limit, "canopy:rl:"+class))
		}
		log.WithField("addr", cfg.Redis.Addr).Info("distributed rate limiting enabled")
	}
	if cfg.RateLimits.SpecFile != "" {
		watcher, err := config.WatchLimitSpecs(cfg.RateLimits.SpecFile, log, func(specs *config.LimitSpecs) {
			applyLimits(limits, log, specs.Classes)
		})
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	server := api.NewServer(api.Deps{
		Log:       log,
		Sessions:  sessions,
		Users:     userSvc,
		Registry:  roleRegistry,
		Files:     fileSvc,
		Audit:     auditStore,
		Quota:     tracker,
		Auth:      middleware.NewAuth(sessions, false),
		RateLimit: limits,
	})

	janitor := startJanitor(cfg, log, auditStore, replays, loginLimiter, limits, links, tracker)
	defer janitor.Stop()

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.WithField("addr", apiServer.Addr).Info("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		log.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, fn := range []func(context.Context, *sql.DB) error{
		rbac.Migrate,
		users.Migrate,
		audit.Migrate,
		quota.Migrate,
		files.Migrate,
	} {
		if err := fn(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

// applyLimits installs (or replaces) the in-process budget of every
// listed class. Malformed specs keep the default budget.
func applyLimits(limits *middleware.RateLimit, log *observability.Logger, specs map[string]string) {
	for class, spec := range specs {
		limit, err := ratelimit.ParseRateLimit(spec)
		if err != nil {
			log.WithError(err).WithField("class", class).Warn("invalid rate limit spec, using default")
			limit = ratelimit.DefaultLimit
		}
		limits.Register(class, limit)
	}
}

// startJanitor schedules the recurring maintenance work: audit
// retention, expired link pruning, and in-memory table cleanup.
func startJanitor(
	cfg *config.Config,
	log *observability.Logger,
	auditStore *audit.Store,
	replays *auth.ReplayRegistry,
	loginLimiter *ratelimit.LoginLimiter,
	limits *middleware.RateLimit,
	links *files.LinkStore,
	tracker *quota.Tracker,
) *cron.Cron {
	janitor := cron.New()

	janitor.AddFunc("@every 5m", func() {
		replays.Prune()
		loginLimiter.Cleanup()
		limits.Cleanup()
	})

	janitor.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := links.DeleteExpired(ctx, time.Now().UTC()); err != nil {
			log.WithError(err).Warn("expired link cleanup failed")
		} else if n > 0 {
			log.WithField("deleted", n).Info("expired share links pruned")
		}
	})

	if cfg.Audit.RetentionDays > 0 {
		janitor.AddFunc("@daily", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Audit.RetentionDays)
			if n, err := auditStore.Cleanup(ctx, cutoff); err != nil {
				log.WithError(err).Warn("audit retention cleanup failed")
			} else if n > 0 {
				log.WithField("deleted", n).Info("aged audit events removed")
			}
		})
	}

	janitor.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := tracker.Cleanup(ctx); err != nil {
			log.WithError(err).Warn("bandwidth ledger cleanup failed")
		}
	})

	janitor.Start()
	return janitor
}

// decisionRecorder feeds access decisions into the metrics layer.
type decisionRecorder struct {
	metrics *observability.Metrics
}

func (d decisionRecorder) RecordDecision(action rbac.Action, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	d.metrics.AuthzDecisionsTotal.WithLabelValues(string(action), decision).Inc()
}
