package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonhost/panel/internal/auth"
	"github.com/halcyonhost/panel/internal/billing"
	"github.com/halcyonhost/panel/internal/catalog"
	"github.com/halcyonhost/panel/internal/config"
	"github.com/halcyonhost/panel/internal/content"
	"github.com/halcyonhost/panel/internal/coupons"
	"github.com/halcyonhost/panel/internal/events"
	"github.com/halcyonhost/panel/internal/handlers"
	"github.com/halcyonhost/panel/internal/jobs"
	"github.com/halcyonhost/panel/internal/provisioning"
	"github.com/halcyonhost/panel/internal/repository"
	"github.com/halcyonhost/panel/internal/router"
	"github.com/halcyonhost/panel/internal/settings"
	"github.com/halcyonhost/panel/internal/virtfusion"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and background job workers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("create database pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres unreachable, is it running: %w", err)
	}
	logger.Info("connected to postgres")

	if err := repository.RunMigrations(ctx, cfg.DSN(), "up"); err != nil {
		return err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate: %w", err)
	}
	logger.Info("migrations applied")

	var rdb *redis.Client
	var balanceCache billing.BalanceCache = billing.NopCache{}
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		defer rdb.Close()
		balanceCache = billing.NewRedisBalanceCache(rdb, logger)
		logger.Info("connected to redis", "addr", cfg.RedisAddr())
	}

	notifRepo := repository.NewNotificationRepo(pool)

	var bus events.Bus = events.NopBus{}
	if cfg.Nats.Enabled {
		conn, err := events.Connect(cfg.Nats.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		natsBus := events.NewNATSBus(conn)
		defer natsBus.Close()
		bus = natsBus

		consumer := events.NewNotificationConsumer(notifRepo, logger)
		if err := consumer.Start(conn); err != nil {
			return fmt.Errorf("start notification consumer: %w", err)
		}
		defer consumer.Stop()
		logger.Info("connected to nats", "url", cfg.Nats.URL)
	}

	userRepo := repository.NewUserRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	apiKeyRepo := repository.NewAPIKeyRepo(pool)
	webhookRepo := repository.NewWebhookRepo(pool)
	orderRepo := repository.NewOrderRepo(pool)
	settingsRepo := repository.NewSettingsRepo(pool)
	catalogRepo := catalog.NewRepository(pool)
	contentRepo := content.NewRepository(pool)

	vf := virtfusion.NewClient(cfg.VirtFusion.BaseURL, cfg.VirtFusion.APIToken, logger)
	billingSvc := billing.NewService(pool, userRepo, ledgerRepo, balanceCache, bus, logger)
	settingsSvc := settings.NewService(settingsRepo, rdb, logger)
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenTTLHours)*time.Hour)
	couponSvc := coupons.NewService(pool, coupons.NewRepository(pool), billingSvc, logger)
	syncer := catalog.NewSyncer(catalogRepo, vf, logger)

	// Job insert funcs are set after the River client exists (breaks the
	// init cycle between services and workers).
	var insertMu sync.Mutex
	var provisionFn provisioning.InsertProvisionTxFunc
	var pushFn handlers.InsertPushCreditTxFunc
	var syncFn handlers.EnqueueSyncUsageFunc

	insertProvision := func(ctx context.Context, tx pgx.Tx, args jobs.ProvisionServerArgs) error {
		insertMu.Lock()
		fn := provisionFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}
	insertPush := func(ctx context.Context, tx pgx.Tx, args jobs.PushCreditArgs) error {
		insertMu.Lock()
		fn := pushFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}
	enqueueSync := func(ctx context.Context, args jobs.SyncUsageArgs) error {
		insertMu.Lock()
		fn := syncFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, args)
	}

	provisionSvc := provisioning.NewService(pool, orderRepo, catalogRepo, couponSvc, billingSvc, vf, insertProvision, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewProvisionServerWorker(orderRepo, catalogRepo, userRepo, vf, billingSvc, bus, logger))
	river.AddWorker(workers, jobs.NewPushCreditWorker(userRepo, vf, logger))
	river.AddWorker(workers, jobs.NewSyncUsageWorker(userRepo, vf, billingSvc, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(time.Hour),
				func() (river.JobArgs, *river.InsertOpts) {
					return jobs.SyncUsageArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}

	insertMu.Lock()
	provisionFn = func(ctx context.Context, tx pgx.Tx, args jobs.ProvisionServerArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	pushFn = func(ctx context.Context, tx pgx.Tx, args jobs.PushCreditArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	syncFn = func(ctx context.Context, args jobs.SyncUsageArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertMu.Unlock()

	handler := router.New(router.Deps{
		Auth:     auth.NewHandler(authSvc, logger),
		Sessions: authSvc,
		Keys:     apiKeyRepo,
		Users:    userRepo,
		Flags:    settingsSvc,
		Billing: &handlers.BillingHandler{
			DB:            pool,
			Billing:       billingSvc,
			Webhooks:      webhookRepo,
			InsertPush:    insertPush,
			EnqueueSync:   enqueueSync,
			Provider:      cfg.Billing.Provider,
			WebhookSecret: cfg.Billing.WebhookSecret,
			Log:           logger,
		},
		Account:       &handlers.AccountHandler{Users: userRepo, Keys: apiKeyRepo, VF: vf, Log: logger},
		Notifications: &handlers.NotificationHandler{Inbox: notifRepo, Log: logger},
		Settings:      &handlers.SettingsHandler{Settings: settingsSvc, Log: logger},
		Coupons:       &coupons.Handler{Svc: couponSvc, Log: logger},
		Catalog:       &catalog.Handler{Repo: catalogRepo, Sync: syncer, Log: logger},
		Content:       &content.Handler{Repo: contentRepo, Log: logger},
		Orders:        &provisioning.Handler{Svc: provisionSvc, Log: logger},

		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := riverClient.Start(gctx); err != nil {
			return fmt.Errorf("river client: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := riverClient.Stop(shutdownCtx); err != nil {
			logger.Warn("river stop", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
