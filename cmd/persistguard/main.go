package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonlab/persistguard/internal/api"
	"github.com/halcyonlab/persistguard/internal/auth"
	"github.com/halcyonlab/persistguard/internal/config"
	"github.com/halcyonlab/persistguard/internal/containment"
	"github.com/halcyonlab/persistguard/internal/logging"
	"github.com/halcyonlab/persistguard/internal/monitor"
	"github.com/halcyonlab/persistguard/internal/notify"
	"github.com/halcyonlab/persistguard/internal/privexec"
	"github.com/halcyonlab/persistguard/internal/scanner"
	"github.com/halcyonlab/persistguard/internal/store"
)

func main() {
	log := logging.New()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	st, err := store.Open(cfg.DBPath, logging.NewGormLogger(log))
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}

	authSvc := auth.NewService(st.DB(), cfg.JWTSecret, log)
	if password := os.Getenv("ADMIN_PASSWORD"); password != "" {
		if admin, err := authSvc.EnsureAdmin("admin", password); err != nil {
			log.Warn("admin bootstrap failed", zap.Error(err))
		} else if admin != nil {
			log.Info("created initial admin account")
		}
	}

	engine := containment.NewEngine(st, &privexec.OsascriptExecutor{}, log)
	if err := engine.RestoreActiveRules(); err != nil {
		log.Warn("containment state restore incomplete", zap.Error(err))
	}

	paths := scanner.DefaultCategoryPaths()
	scan := scanner.NewLaunchdScanner(paths, scanner.NewCodesignVerifier(), log)

	var sink monitor.Sink = notify.NewLogSink(log)
	if cfg.NATSURL != "" {
		natsSink, err := notify.NewNATSSink(cfg.NATSURL, log)
		if err != nil {
			log.Warn("event bus unavailable, logging alerts only", zap.Error(err))
		} else {
			defer natsSink.Close()
			sink = notify.NewMultiSink(notify.NewLogSink(log), natsSink)
		}
	}

	mon := monitor.New(monitor.Options{
		Categories:     cfg.Categories,
		CategoryPaths:  paths,
		WatchCooldown:  cfg.WatchCooldown,
		RescanDebounce: cfg.RescanDebounce,
		MinRelevance:   cfg.MinRelevance,
		AutoStart:      cfg.AutoStart,
		AutoStartGrace: cfg.AutoStartGrace,
	}, scan, st, sink, log)

	router := api.Router(api.Deps{
		Store:   st,
		Auth:    authSvc,
		Monitor: mon,
		Engine:  engine,
		Scanner: scan,
	})

	server := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("control API listening", zap.String("addr", cfg.APIAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("API server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")

	if err := mon.StopMonitoring(); err != nil && err != monitor.ErrNotRunning {
		log.Warn("monitor shutdown", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("API shutdown", zap.Error(err))
	}
}
