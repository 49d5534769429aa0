package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sales-crm/internal/audit"
	"sales-crm/internal/auth"
	"sales-crm/internal/automation"
	"sales-crm/internal/config"
	"sales-crm/internal/crm"
	"sales-crm/internal/httpapi"
	"sales-crm/internal/notify"
	"sales-crm/internal/reporting"
	"sales-crm/internal/routing"
	"sales-crm/internal/schedule"
	"sales-crm/internal/sequence"
	"sales-crm/internal/store"
	"sales-crm/internal/workers"
	"sales-crm/pkg/logger"
	"sales-crm/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.NewPostgresStore(db)
	if err := st.Migrate(rootCtx); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	loc, _ := time.LoadLocation(cfg.Business.Timezone) // checked in config.Validate
	hours := schedule.BusinessHours{StartHour: cfg.Business.StartHour, EndHour: cfg.Business.EndHour}

	auditSvc := audit.NewService(st)
	notifier := notify.Multi{
		notify.NewRedisDispatcher(rdb, cfg.Notify.Channel),
		notify.LogDispatcher{Logger: log},
	}

	router := routing.NewRouter(st, rand.New(rand.NewSource(time.Now().UnixNano())))
	router.Overrides = routing.NewAdminOverrideEngine(st, routing.AuditAdapter{Audit: auditSvc})

	svc := crm.NewService(crm.Deps{
		Store:    st,
		Users:    st,
		Notifier: notifier,
		Audit:    auditSvc,
		Logger:   log,
		Hours:    hours,
	})
	svc.WithAutomation(automation.NewEngine(st, svc, router).WithBusinessHours(hours).WithLogger(log))
	svc.WithSequences(sequence.NewEngine(st, svc).WithBusinessHours(hours).WithLogger(log))

	if err := svc.Rebuild(rootCtx); err != nil {
		log.Error("priority index rebuild failed", "err", err)
		os.Exit(1)
	}
	log.Info("priority index loaded", "tasks", svc.Index().Len())

	reports := reporting.NewService(st).WithLocation(loc)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := workers.NewMetrics(reg)

	processor := workers.NewProcessor(st, st, notifier, workers.SettingsFromConfig(cfg)).
		WithEscalator(svc).
		WithAutomation(svc).
		WithDigests(reports).
		WithRescorer(svc.Index()).
		WithLogger(log).
		WithMetrics(metrics)

	runner := workers.NewRunner(log, metrics)
	if cfg.Workers.DistributedLock {
		runner.WithLocker(workers.NewRedisLocker(rdb, ""), 10*time.Minute)
	}
	for _, j := range processor.Jobs() {
		if err := runner.Register(j); err != nil {
			log.Error("worker register failed", "job", j.Name, "err", err)
			os.Exit(1)
		}
	}

	h := httpapi.Handlers{
		CRM:      svc,
		Workers:  runner,
		Reports:  reports,
		Admin:    st,
		Audit:    auditSvc,
		Users:    st,
		Auth:     authManager,
		DevLogin: !cfg.IsProduction(),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerPublicRoutes(r, db, reg)
	registerAPIRoutes(r, h, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.Workers.Enabled {
		go runner.Run(rootCtx)
		log.Info("workers started", "jobs", runner.Jobs())
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
