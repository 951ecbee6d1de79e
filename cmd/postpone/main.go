package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"postpone/internal/account"
	"postpone/internal/auth"
	"postpone/internal/config"
	"postpone/internal/db"
	httpx "postpone/internal/http"
	"postpone/internal/job"
	"postpone/internal/mail"
	"postpone/internal/notify"
	"postpone/internal/queue"
	"postpone/internal/snippet"
	"postpone/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		logger.Fatal("db migrate failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	q := queue.New(rdb)

	jobs := job.NewStore(gdb)
	snippets := snippet.NewStore(gdb)

	notifier, err := notify.New(
		mail.NewServiceSender(mail.Config{
			SMTPAddr: cfg.NotifySMTPAddr,
			Username: cfg.NotifyUsername,
			Password: cfg.NotifyPassword,
		}),
		mail.Address{Email: cfg.NotifyFrom},
		logger.Named("notify"),
	)
	if err != nil {
		logger.Fatal("notifier init failed", zap.Error(err))
	}

	mailer := &account.Mailer{DB: gdb, Log: logger.Named("mail")}
	processor := job.NewProcessor(jobs, mailer, notifier, logger.Named("processor"))
	scheduler := &job.Scheduler{Store: jobs, Log: logger.Named("scheduler")}

	ctx, cancel := context.WithCancel(context.Background())

	relay := &queue.Relay{DB: gdb, Q: q, Log: logger.Named("relay")}
	go relay.Run(ctx)

	w := &worker.Worker{Q: q, H: processor, Log: logger.Named("worker"), Concurrency: cfg.WorkerCount}
	go w.Run(ctx)

	c := cron.New()
	if _, err := c.AddFunc(cfg.DueScanSpec, func() {
		if err := scheduler.RunDueScan(ctx, time.Now().UTC()); err != nil {
			logger.Warn("due scan failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("invalid due scan spec", zap.Error(err))
	}
	c.Start()

	tokens := auth.NewTokens(cfg.JWTSecret)
	r := httpx.NewRouter(cfg, httpx.Deps{
		DB:        gdb,
		Tokens:    tokens,
		Jobs:      jobs,
		Snippets:  snippets,
		Processor: processor,
		Scheduler: scheduler,
		Log:       logger.Named("http"),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	cancel()
	<-c.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Production() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
