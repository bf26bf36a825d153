package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"

	"mlmengine/internal/dashboard"
	"mlmengine/internal/events"
	"mlmengine/internal/handler"
	"mlmengine/internal/metrics"
	"mlmengine/internal/network"
	"mlmengine/internal/repository/postgres"
	"mlmengine/internal/scheduler"
	"mlmengine/pkg/cache"
	"mlmengine/pkg/config"
	"mlmengine/pkg/logger"
	"mlmengine/pkg/validator"
)

func main() {
	cfg := config.Load()
	log := logger.New("compensation-engine")

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	plan, err := config.LoadPlan(cfg.Plan.Path)
	if err != nil {
		log.Fatal("Failed to load compensation plan", map[string]interface{}{
			"path":  cfg.Plan.Path,
			"error": err.Error(),
		})
	}

	// Database connection
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Redis backs projections, rate limiting and idempotency keys
	projections, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, "mlm:projection")
	if err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
	}
	defer projections.Close()
	redisClient := projections.Client()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Engine
	collector := metrics.New()
	hub := dashboard.NewHub(16)
	opts := []network.Option{
		network.WithMetrics(collector),
		network.WithPublisher(hub),
	}

	var amqpConn *amqp.Connection
	if cfg.RabbitMQ.Enabled {
		amqpConn, err = events.Dial(ctx, cfg.RabbitMQ.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to RabbitMQ", map[string]interface{}{"error": err.Error()})
		}
		defer amqpConn.Close()

		pubCh, err := amqpConn.Channel()
		if err != nil {
			log.Fatal("Failed to open RabbitMQ channel", map[string]interface{}{"error": err.Error()})
		}
		ledgerPub, err := events.NewLedgerPublisher(pubCh, cfg.RabbitMQ.LedgerQueue, log)
		if err != nil {
			log.Fatal("Failed to set up ledger publisher", map[string]interface{}{"error": err.Error()})
		}
		opts = append(opts, network.WithPublisher(ledgerPub))
	}

	store := postgres.NewStore(db)
	svc, err := network.NewService(plan, store, log, network.Config{
		QueueSize:          cfg.Payout.CommandQueueSize,
		ResetVolumeOnClose: cfg.Payout.ResetVolumeOnClose,
		PeriodLayout:       cfg.Payout.PeriodLayout,
	}, opts...)
	if err != nil {
		log.Fatal("Failed to build network engine", map[string]interface{}{"error": err.Error()})
	}

	views := dashboard.NewService(svc, projections, cfg.Redis.ProjectionTTL, log)
	svc.AddPublisher(views)

	if err := svc.Load(ctx); err != nil {
		log.Fatal("Failed to restore network state", map[string]interface{}{"error": err.Error()})
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := svc.Run(ctx); err != nil {
			log.Error("Network engine stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	if amqpConn != nil {
		subCh, err := amqpConn.Channel()
		if err != nil {
			log.Fatal("Failed to open RabbitMQ channel", map[string]interface{}{"error": err.Error()})
		}
		consumer := events.NewConsumer(subCh, cfg.RabbitMQ.EventsQueue, svc, log)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error("Network event consumer stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	payouts, err := scheduler.NewScheduler(svc, cfg.Payout.Cron, cfg.Payout.PeriodLayout, log)
	if err != nil {
		log.Fatal("Invalid payout schedule", map[string]interface{}{"error": err.Error()})
	}
	if err := payouts.Start(); err != nil {
		log.Fatal("Failed to start payout scheduler", map[string]interface{}{"error": err.Error()})
	}

	// Handlers
	system := handler.NewSystemHandler()
	system.AddCheck("database", db.PingContext)
	system.AddCheck("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	if amqpConn != nil {
		system.AddCheck("rabbitmq", func(context.Context) error {
			if amqpConn.IsClosed() {
				return amqp.ErrClosed
			}
			return nil
		})
	}

	auditRepo := postgres.NewAuditRepository(db)
	r := newRouter(routerDeps{
		cfg:       cfg,
		log:       log,
		redis:     redisClient,
		collector: collector,
		members:   handler.NewMemberHandler(svc, views, validator.New(), log),
		admin:     handler.NewAdminHandler(svc, views, log),
		stream:    handler.NewStreamHandler(hub, views, log),
		audit:     handler.NewAuditHandler(auditRepo, log),
		auditLog:  auditRepo,
		system:    system,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Compensation engine started", map[string]interface{}{
			"address": srv.Addr,
			"period":  cfg.Payout.PeriodLayout,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down compensation engine...", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	// let a running payout finish before the engine stops taking commands
	select {
	case <-payouts.Stop().Done():
	case <-shutdownCtx.Done():
	}
	cancel()
	<-engineDone

	log.Info("Compensation engine stopped gracefully", nil)
}
