package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"snipebot/internal/captcha"
	"snipebot/internal/checkout"
	"snipebot/internal/client"
	"snipebot/internal/config"
	"snipebot/internal/httpapi"
	"snipebot/internal/logbus"
	"snipebot/internal/monitor"
	"snipebot/internal/notify"
	"snipebot/internal/proxy"
	"snipebot/internal/retry"
	"snipebot/internal/session"
	"snipebot/internal/store/sqlite"
	"snipebot/internal/taskengine"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	bus := logbus.New(200)
	bus.SetEcho(os.Stderr)
	bus.Log("info", "server starting", map[string]any{"addr": cfg.Server.Addr})

	ctx := context.Background()
	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	httpClient := client.New(client.Config{
		Timeout:      cfg.Client.Timeout(),
		UserAgent:    cfg.Client.UserAgent,
		RetryCount:   cfg.Client.Retry.Count,
		RetryWait:    cfg.Client.Retry.Wait(),
		RetryMaxWait: cfg.Client.Retry.MaxWait(),
		Bus:          bus,
	})

	var pool *proxy.Pool
	var checker *proxy.HealthChecker
	if cfg.Proxy.File != "" {
		pool, err = proxy.PoolFromFile(cfg.Proxy.File)
		if err != nil {
			log.Fatalf("load proxy list: %v", err)
		}
		checker = proxy.NewHealthChecker(cfg.Proxy.ProbeURL, cfg.Proxy.ProbeTimeout(), bus)
		bus.Log("info", "proxy pool loaded", map[string]any{"size": pool.Len()})
	}

	solver, closeSolver := buildSolver(cfg.Captcha, bus)
	defer closeSolver()

	sessions := session.NewHTTPManager(httpClient, cfg.Session.BaseURL, bus)

	engine := taskengine.New(taskengine.Options{
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		ShutdownWait:  cfg.Engine.ShutdownWait(),
		Bus:           bus,
		Recorder:      store,
	})

	flow := checkout.NewFlow(httpClient, solver, sessions, checkout.Config{
		BaseURL:             cfg.Client.BaseURL,
		AddToCartAttempts:   cfg.Checkout.AddToCartAttempts,
		CheckoutURLAttempts: cfg.Checkout.CheckoutURLAttempts,
		PaymentAttempts:     cfg.Checkout.PaymentAttempts,
		SubmitAttempts:      cfg.Checkout.SubmitAttempts,
		Backoff: retry.Policy{
			Base:       cfg.Checkout.BackoffBase(),
			Max:        cfg.Checkout.BackoffMax(),
			Multiplier: cfg.Checkout.BackoffMultiplier,
		},
		CaptchaTimeout: cfg.Checkout.CaptchaTimeout(),
	}).WithBus(bus)
	if pool != nil {
		flow = flow.WithProxyPool(pool)
	}

	watcher := monitor.NewWatcher(httpClient, monitor.Config{
		BaseURL:  cfg.Client.BaseURL,
		Interval: cfg.Monitor.Interval(),
		QPS:      cfg.Monitor.GlobalQPS,
		Burst:    cfg.Monitor.GlobalBurst,
	}, bus)
	defer watcher.Close()
	go func() {
		for ev := range watcher.Events() {
			bus.Publish("availability", ev)
		}
	}()

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.Enabled {
		mailer, err := notify.NewEmailNotifier(notify.SMTPConfig{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.From,
			Password: cfg.Notify.Password,
			From:     cfg.Notify.From,
			To:       strings.Split(cfg.Notify.To, ","),
		}, bus)
		if err != nil {
			log.Fatalf("mail notifier: %v", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = mailer.Close(closeCtx)
		}()
		notifier = mailer
	}

	api := httpapi.New(httpapi.Options{
		Cfg:      cfg,
		Bus:      bus,
		Store:    store,
		Engine:   engine,
		Flow:     flow,
		Pool:     pool,
		Checker:  checker,
		Watcher:  watcher,
		Sessions: sessions,
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

	_ = engine.Shutdown(shutdownCtx)
	_ = server.Shutdown(shutdownCtx)
	bus.Log("info", "server stopped", nil)
}

// buildSolver prefers the paid HTTP service and falls back to the headless
// browser when enabled, then to the mock so local runs still work end to end.
func buildSolver(cfg config.CaptchaConfig, bus *logbus.Bus) (captcha.Solver, func()) {
	if cfg.APIKey != "" {
		s, err := captcha.NewHTTPSolver(captcha.Config{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			PollInterval: cfg.PollInterval(),
			MaxPolls:     cfg.MaxPolls,
		})
		if err == nil {
			return s, func() {}
		}
		bus.Log("warn", "captcha solver misconfigured", map[string]any{"error": err.Error()})
	}
	if cfg.Browser {
		b := captcha.NewBrowserSolver(bus)
		return b, func() { _ = b.Close() }
	}
	bus.Log("warn", "no captcha solver configured, challenges will not be solved", nil)
	return &captcha.Mock{Err: captcha.ErrNoSolver}, func() {}
}
