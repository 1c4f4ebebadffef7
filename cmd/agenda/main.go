package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"agenda/internal/appointment"
	"agenda/internal/auth"
	"agenda/internal/booking"
	"agenda/internal/cache"
	"agenda/internal/chain"
	"agenda/internal/config"
	"agenda/internal/db"
	"agenda/internal/dbctx"
	httpx "agenda/internal/http"
	"agenda/internal/jobs"
	"agenda/internal/ledger"
	"agenda/internal/logger"
	"agenda/internal/notify"
	"agenda/internal/reminder"
	"agenda/internal/warning"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	appLog, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatal(err)
	}
	defer appLog.Sync()

	gdb, err := db.Connect(cfg.DatabaseURL, cfg.DBDebug)
	if err != nil {
		appLog.Fatal("db connect failed", "error", err)
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		appLog.Fatal("db migrate failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var marker cache.SentMarker = cache.Noop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			appLog.Warn("redis unreachable, sends are not deduplicated across retries", "error", err)
		}
		marker = cache.NewRedisMarker(rdb, cfg.Redis.TTL)
	}

	var gw notify.Gateway = notify.NewLogGateway(appLog)
	if cfg.Notify.WebhookURL != "" {
		gw = notify.NewWebhookGateway(cfg.Notify.WebhookURL)
	}
	sender := notify.NewSender(notify.NewRateLimited(gw, float64(cfg.Notify.RatePerSec)))
	renderer, err := notify.NewTemplateRenderer(cfg.Location)
	if err != nil {
		appLog.Fatal("templates failed to parse", "error", err)
	}

	txRunner := dbctx.NewGormTxRunner(gdb)
	jobStore := &jobs.Repo{DB: gdb}
	appts := &appointment.Repo{DB: gdb}
	warnings := &warning.Repo{DB: gdb}
	operators := &auth.OperatorRepo{DB: gdb}

	if cfg.OperatorEmail != "" {
		if _, err := auth.EnsureOperator(ctx, operators, cfg.OperatorEmail, cfg.OperatorPassword); err != nil {
			appLog.Fatal("seed operator failed", "error", err)
		}
	}

	reminders := reminder.NewScheduler(jobStore, appts, cfg.Dispatcher.MaxAttempts)
	chains := chain.NewManager(chain.Deps{
		States:       &chain.Repo{DB: gdb},
		Jobs:         jobStore,
		Appointments: appts,
		Ledger:       &ledger.Repo{DB: gdb},
		Warnings:     warnings,
		Tx:           txRunner,
		Reminders:    reminders,
		Sender:       sender,
		Renderer:     renderer,
		Log:          appLog,
		Location:     cfg.Location,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
	})

	registry := jobs.NewRegistry()
	if err := registry.Register(reminder.NewHandler(appts, sender, renderer, marker, appLog), cfg.Dispatcher.ReminderConcurrency); err != nil {
		appLog.Fatal("register reminder handler failed", "error", err)
	}
	if err := registry.Register(chains, cfg.Dispatcher.ChainConcurrency); err != nil {
		appLog.Fatal("register chain handler failed", "error", err)
	}

	dispatcher, err := jobs.NewDispatcher(jobStore, registry, appLog, jobs.DispatcherConfig{
		Workers:      cfg.Dispatcher.Workers,
		PollInterval: cfg.Dispatcher.PollInterval,
		Lease:        cfg.Dispatcher.Lease,
		RetryBase:    cfg.Dispatcher.RetryBase,
		RetryMax:     cfg.Dispatcher.RetryMax,
	})
	if err != nil {
		appLog.Fatal("dispatcher init failed", "error", err)
	}
	janitor, err := jobs.NewJanitor(jobStore, appLog, cfg.Janitor.Spec, cfg.Janitor.Retention, cfg.Location)
	if err != nil {
		appLog.Fatal("janitor init failed", "error", err)
	}

	svc := booking.NewService(appts, reminders, chains, txRunner, appLog)
	r := httpx.NewRouter(cfg, httpx.Deps{
		JWT:       auth.NewJWT(cfg.JWTSecret, cfg.JWTTTL),
		Operators: operators,
		Jobs:      jobStore,
		Booking:   svc,
		Warnings:  warnings,
		Log:       appLog,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatcher.Start()
	janitor.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLog.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		janitor.Stop()
		dispatcher.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		appLog.Error("server stopped with error", "error", err)
	}
	appLog.Info("shutdown complete")
}
