// Copy trader — mirrors the open positions of top futures leaderboard
// traders onto a local exchange account.
//
// Architecture:
//
//	main.go                  — entry point: loads config, opens the store, starts one instance
//	leaderboard/observer.go  — refreshes traders, stats, and their open positions from the leaderboard
//	engine/engine.go         — per-instance control loop with crash backoff and halt
//	engine/reconcile.go      — diffs upstream vs mirrored positions: insert, retire, resize
//	engine/copier.go         — budget allocation and order placement (single and multi mode)
//	engine/triggers.go       — stop-loss / take-profit lifecycle
//	exchange/client.go       — REST client for the target exchange (orders, triggers, balance)
//	store/                   — gorm persistence: traders, positions, triggers, stats
//	alert/telegram.go        — operator notifications
//
// Each run handles exactly one instance:
//
//	copytrader <instance> [instance_to_replicate]
//
// Passing a second instance name copies that instance's mirrored positions
// and statistics into this one before starting, so a new configuration can
// take over an existing book.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"copytrader/internal/alert"
	"copytrader/internal/api"
	"copytrader/internal/config"
	"copytrader/internal/engine"
	"copytrader/internal/exchange"
	"copytrader/internal/leaderboard"
	"copytrader/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <instance> [instance_to_replicate]\n", os.Args[0])
		return 1
	}
	instance := os.Args[1]

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPYTRADER_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	if err := cfg.Validate(instance); err != nil {
		slog.Error("invalid config", "error", err, "instance", instance)
		return 1
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("instance", instance)

	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = cfg.Database.PostgresDSN()
	}
	st, err := store.Open(dsn)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	defer st.Close()

	if len(os.Args) == 3 {
		from := os.Args[2]
		if err := st.ReplicateInstance(from, instance); err != nil {
			logger.Error("failed to replicate instance", "error", err, "from", from)
			return 1
		}
		logger.Info("replicated instance state", "from", from)
	}

	tg, err := alert.NewTelegram(cfg.Telegram, logger)
	if err != nil {
		logger.Error("failed to set up telegram alerts", "error", err)
		return 1
	}
	var alerter engine.Alerter
	if tg != nil {
		alerter = tg
	}

	inst := cfg.Instances[instance]
	gw := exchange.NewClient(exchange.Options{
		BaseURL:        cfg.Exchange.BaseURL,
		APIKey:         inst.APIKey,
		APISecret:      inst.APISecret,
		OpsPerSecond:   cfg.Exchange.OpsPerSecond,
		RequestTimeout: cfg.Exchange.RequestTimeout,
	}, logger)

	lb := leaderboard.NewClient(leaderboard.ClientOptions{
		BaseURL:    cfg.Leaderboard.BaseURL,
		APIKey:     cfg.Leaderboard.APIKey,
		HostHeader: cfg.Leaderboard.HostHeader,
		RetryCount: cfg.Leaderboard.RetryCount,
		RetryStep:  cfg.Leaderboard.RetryStep,
	})
	observer := leaderboard.NewObserver(lb, st, cfg, logger)

	eng := engine.New(cfg, instance, st, gw, alerter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go observer.Run(ctx, cfg.Engine.CycleInterval)

	var apiServer *api.Server
	if cfg.API.Enabled {
		handlers := api.NewHandlers(instance, eng, st, logger)
		apiServer = api.NewServer(cfg.API, handlers, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status api failed", "error", err)
			}
		}()
	}

	logger.Info("copy trader started",
		"copy_mode", cfg.CopyMode,
		"copy_positions", inst.CopyPositions,
		"cycle_interval", cfg.Engine.CycleInterval,
	)

	err = eng.Run(ctx)

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status api", "error", err)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine stopped", "error", err)
		return 1
	}
	logger.Info("shut down cleanly")
	return 0
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
