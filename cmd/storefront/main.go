package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/cardvault/storefront/internal/account"
	"github.com/cardvault/storefront/internal/app"
	"github.com/cardvault/storefront/internal/auth"
	"github.com/cardvault/storefront/internal/authstate"
	"github.com/cardvault/storefront/internal/gate"
	"github.com/cardvault/storefront/internal/observability"
	"github.com/cardvault/storefront/internal/operator"
	"github.com/cardvault/storefront/internal/platform/cache"
	"github.com/cardvault/storefront/internal/platform/db"
	"github.com/cardvault/storefront/internal/session"
	"github.com/cardvault/storefront/internal/shared"
	"github.com/cardvault/storefront/internal/view"
	"github.com/cardvault/storefront/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("storefront exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessions := session.NewManager(session.NewStore(redisClient), session.NewNotifier(redisClient, logger), logger, session.Config{
		Secret:        cfg.SessionSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		ReuseInterval: cfg.RefreshReuseInterval,
		Secure:        cfg.IsProduction(),
	})
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret, cfg.IsProduction())

	templates, err := view.NewEngine()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	operators := operator.NewRepository(pool, shared.NewAuditLogger())
	guard := operator.NewGuard(sessions, operators, logger)

	rules, err := gate.DefaultRules()
	if err != nil {
		return err
	}

	authService := auth.NewService(auth.NewRepository(pool))

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	authState := authstate.NewHandler(sessions, sessions, operators, logger, authstate.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Templates:        templates,
		Sessions:         sessions,
		CSRFManager:      csrfManager,
		Gate:             gate.New(rules, sessions, operators, logger, metrics),
		Guard:            guard,
		AuthHandler:      auth.NewHandler(logger, authService, templates, sessions, csrfManager, cfg.LoginRateLimit),
		AccountHandler:   account.NewHandler(logger, sessions, operators, templates, csrfManager),
		OperatorHandler:  operator.NewHandler(logger, guard, templates),
		AuthStateHandler: authState,
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
