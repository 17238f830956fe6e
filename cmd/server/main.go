package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotask_engine/internal/auth"
	"autotask_engine/internal/config"
	"autotask_engine/internal/httpapi"
	"autotask_engine/internal/logbus"
	"autotask_engine/internal/notify"
	"autotask_engine/internal/orchestrator"
	"autotask_engine/internal/provider/standard"
	"autotask_engine/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	bus := logbus.New(200)
	bus.Log("info", "server starting", map[string]any{"addr": cfg.Server.Addr})

	ctx := context.Background()
	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	prov := standard.New(cfg.Provider, cfg.Proxy, bus)
	authn := auth.New(prov, cfg.Task.TokenTTL(), bus)
	prov.SetTokenSource(authn)

	notifier := notify.NewEmailNotifier(store, bus)

	orch := orchestrator.New(orchestrator.Options{
		Store:    store,
		Provider: prov,
		Bus:      bus,
		Notifier: notifier,
		Limits:   cfg.Limits,
		Task:     cfg.Task,
	})
	// 落库的批次参数优先于配置文件
	if saved, ok, err := store.GetLimitsSettings(ctx); err == nil && ok {
		orch.SetLimitsSettings(saved)
	}

	api := httpapi.New(httpapi.Options{
		Cfg:      cfg,
		Bus:      bus,
		Store:    store,
		Orch:     orch,
		Provider: prov,
		Notifier: notifier,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		bus.Log("info", "shutdown signal received", map[string]any{"signal": sig.String()})
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			bus.Log("error", "http server error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = orch.Close(shutdownCtx)
	_ = notifier.Close(shutdownCtx)
	_ = server.Shutdown(shutdownCtx)
	bus.Log("info", "server stopped", nil)
}
