package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"mlmengine/internal/handler"
	"mlmengine/internal/metrics"
	"mlmengine/internal/middleware"
	"mlmengine/pkg/config"
	"mlmengine/pkg/logger"
)

type routerDeps struct {
	cfg       *config.Config
	log       logger.Logger
	redis     *redis.Client
	collector *metrics.Collector
	members   *handler.MemberHandler
	admin     *handler.AdminHandler
	stream    *handler.StreamHandler
	audit     *handler.AuditHandler
	auditLog  middleware.AuditRecorder
	system    *handler.SystemHandler
}

func newRouter(d routerDeps) *mux.Router {
	r := mux.NewRouter()

	// Middleware
	r.Use(middleware.CORS)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery(d.log))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(d.log).Log)
	r.Use(d.collector.Instrument)

	// Probes and scraping bypass auth and rate limits
	r.HandleFunc("/health", d.system.Health).Methods("GET")
	r.HandleFunc("/ready", d.system.Ready).Methods("GET")
	r.Handle("/metrics", d.collector.Handler()).Methods("GET")
	r.HandleFunc("/ws/cycles", d.stream.Cycles).Methods("GET")

	authMW := middleware.NewAuthMiddleware(d.cfg.JWT.Secret)
	limiter := middleware.NewRateLimiter(d.redis, d.cfg.Server.RateLimit, d.cfg.Server.RateWindow, d.log)
	idem := middleware.NewIdempotencyMiddleware(middleware.NewRedisResponseStore(d.redis), 24*time.Hour)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(authMW.Authenticate)
	api.Use(limiter.Limit)

	// Members
	api.Handle("/members", idem.Replay(http.HandlerFunc(d.members.Register))).Methods("POST")
	api.HandleFunc("/members/{id}", d.members.GetMember).Methods("GET")
	api.HandleFunc("/members/{id}/progress", d.members.GetProgress).Methods("GET")
	api.HandleFunc("/members/{id}/tree", d.members.GetTree).Methods("GET")
	api.HandleFunc("/members/{id}/commissions", d.members.GetCommissions).Methods("GET")
	api.Handle("/members/{id}/volume", idem.Replay(http.HandlerFunc(d.members.RecordVolume))).Methods("POST")
	api.HandleFunc("/members/{id}/deactivate", d.members.Deactivate).Methods("POST")
	api.HandleFunc("/members/{id}/activate", d.members.Activate).Methods("POST")

	// Payout administration
	admin := api.NewRoute().Subrouter()
	admin.Use(authMW.RequireAdmin)
	admin.Use(middleware.NewAuditMiddleware(d.auditLog, d.log).Audit)
	admin.HandleFunc("/cycles/last", d.admin.LastCycle).Methods("GET")
	admin.HandleFunc("/cycles/{period}/run", d.admin.RunCycle).Methods("POST")
	admin.HandleFunc("/cycles/{period}/close", d.admin.ClosePeriod).Methods("POST")
	admin.HandleFunc("/ledger", d.admin.Ledger).Methods("GET")
	admin.HandleFunc("/audit", d.audit.List).Methods("GET")

	return r
}
