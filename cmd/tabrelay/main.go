package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tabrelay/internal/adapter/browser"
	"tabrelay/internal/adapter/uplink"
	"tabrelay/internal/domain"
	"tabrelay/internal/infra/config"
	"tabrelay/internal/infra/logger"
	"tabrelay/internal/infra/tracer"
	"tabrelay/internal/usecase/eventbus"
	"tabrelay/internal/usecase/journal"
	"tabrelay/internal/usecase/locator"
	"tabrelay/internal/usecase/router"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Browser sandbox
	sandbox, err := browser.NewChromeSandbox(cfg.Browser, log)
	if err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	defer sandbox.Close()
	guarded := browser.WithBreaker(sandbox, cfg.Browser.Breaker, log)

	loc := locator.New(guarded, log)

	// 5. Activity journal
	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal.Path, log)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer store.Close()
		store.Attach(bus)

		sweeper, err := journal.NewSweeper(store, cfg.Journal.Retention, cfg.Journal.SweepSchedule, log)
		if err != nil {
			return fmt.Errorf("journal sweeper: %w", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	// 6. Uplink
	dispatcher := uplink.NewDispatcher(bus, log)
	manager := uplink.NewManager(uplink.Options{
		Endpoint:             cfg.Uplink.Endpoint,
		FallbackEndpoint:     cfg.Uplink.FallbackEndpoint,
		ReconnectDelay:       cfg.Uplink.ReconnectDelay,
		HeartbeatInterval:    cfg.Uplink.HeartbeatInterval,
		ConnectTimeout:       cfg.Uplink.ConnectTimeout,
		MaxReconnectAttempts: cfg.Uplink.MaxReconnectAttempts,
	}, dispatcher, bus, log)

	// 7. Request router
	limiter := router.NewRateLimiter(cfg.Router.RateLimit, cfg.Router.RateWindow)
	rtr := router.New(manager, loc, guarded, bus, limiter, log)
	rtr.Start()
	defer rtr.Stop()

	// 8. Graceful shutdown + terminal uplink failure
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	unsub := bus.Subscribe(domain.EventUplinkFailed, func(_ context.Context, ev domain.Event) {
		var p struct {
			Error    string `json:"error"`
			Terminal bool   `json:"terminal"`
		}
		if json.Unmarshal(ev.Payload, &p) == nil && p.Terminal {
			log.Error("uplink permanently lost, shutting down", "error", p.Error)
			cancel()
		}
	})
	defer unsub()

	// 9. Connect and serve
	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("uplink: %w", err)
	}

	log.Info("tabrelay started",
		"endpoint", cfg.Uplink.Endpoint,
		"client_id", manager.ClientID(),
		"heartbeat", cfg.Uplink.HeartbeatInterval,
		"journal", cfg.Journal.Enabled,
		"rate_limit", cfg.Router.RateLimit,
	)

	<-ctx.Done()

	log.Info("shutting down")
	manager.Disconnect()

	// Give in-flight extractions a moment to publish their completions
	// before the deferred teardown runs.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		rtr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("shutdown timed out waiting for in-flight requests")
	}

	return nil
}
