// StandX Maker Farming Bot — an automated maker-order agent that earns
// StandX liquidity points by keeping a tight two-sided quote resting inside
// the ±10 bps band around the mark price, while a layered safety system
// keeps the orders from actually filling.
//
// Architecture:
//
//	main.go              — entry point: env, config, logger, auth, wiring, signals
//	config/              — YAML config (viper) with STANDX_* env overrides
//	exchange/client.go   — REST gateway (typed endpoints, signed requests, no retries)
//	exchange/auth.go     — wallet sign-in handshake, ed25519 request signing
//	exchange/ws.go       — StandX stream: price, depth_book, private orders
//	feed/binance.go      — Binance mark-price stream (leading indicator)
//	market/tracker.go    — fused per-symbol price view + volatility history
//	market/bands.go      — points-band math and rebalance predicate
//	orders/manager.go    — order lifecycle, idempotent cancel, reconciliation
//	risk/guard.go        — Lock table, Pre-Kill, Hard Kill, position cap
//	risk/fillprotect.go  — pre-emptive cancels from the leading feed + queue decay
//	strategy/            — the farming loop, held-position monitor, remote control
//	bot/telegram.go      — remote-control commands over Telegram
//
// How it earns:
//
//	Points accrue as order notional × band weight × dwell time. The inner
//	ladder rung rests ~7.5 bps from mark (full weight, low fill risk); the
//	safety tiers cancel ahead of adverse moves so the quotes almost never
//	trade. When one does fill, the position is closed at ±1% or 5 minutes,
//	whichever comes first, and quoting resumes.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/londonpotato1/standx-maker-bot/internal/bot"
	"github.com/londonpotato1/standx-maker-bot/internal/config"
	"github.com/londonpotato1/standx-maker-bot/internal/exchange"
	"github.com/londonpotato1/standx-maker-bot/internal/feed"
	"github.com/londonpotato1/standx-maker-bot/internal/market"
	"github.com/londonpotato1/standx-maker-bot/internal/orders"
	"github.com/londonpotato1/standx-maker-bot/internal/risk"
	"github.com/londonpotato1/standx-maker-bot/internal/strategy"
	"github.com/londonpotato1/standx-maker-bot/pkg/types"
)

// Exit codes: 0 normal, 1 configuration error, 130 user interrupt.
const (
	exitOK        = 0
	exitConfig    = 1
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	// Wallet secrets may live in a dotfile.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("STANDX_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}

	logger := newLogger(cfg.Logging)

	// Authenticate before wiring anything that needs the session.
	auth, err := exchange.NewAuth(*cfg, logger)
	if err != nil {
		logger.Error("auth setup failed", "error", err)
		return exitConfig
	}
	if err := auth.Login(); err != nil {
		logger.Error("sign-in failed", "error", err)
		return exitConfig
	}

	client := exchange.NewClient(*cfg, auth, logger)
	standxFeed := exchange.NewFeed(cfg.StandX.WSURL, auth, logger)
	refFeed := feed.NewBinanceFeed(cfg.Reference.WSURL, cfg.Reference.Use1s, cfg.Reference.SymbolMap, logger)

	// The tracker's staleness gate (REST fallback) is coarser than the
	// guard's sub-second data-age warnings.
	tracker := market.NewTracker(standxFeed, client, 10*time.Second, logger)

	manager := orders.NewManager(client, cfg.Strategy.Leverage, types.MarginCross, logger)
	standxFeed.OnOrderUpdate(manager.ApplyExchangeEvent)

	guard := risk.NewGuard(cfg.Safety, tracker, manager, client, logger)

	var protect *risk.FillProtection
	if cfg.FillProtection.Binance.Enabled || cfg.FillProtection.Queue.Enabled {
		protect = risk.NewFillProtection(cfg.FillProtection, refFeed, standxFeed, guard, manager, logger)
	}

	strat := strategy.New(*cfg, tracker, client, manager, guard, protect, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscriptions are registered up front; the feeds replay them on connect.
	for _, sym := range cfg.Strategy.Symbols {
		standxFeed.Subscribe(
			types.WSStream{Channel: exchange.ChannelPrice, Symbol: sym},
			types.WSStream{Channel: exchange.ChannelDepthBook, Symbol: sym},
			types.WSStream{Channel: exchange.ChannelOrder, Symbol: sym},
		)
	}
	if cfg.FillProtection.Binance.Enabled {
		refFeed.Subscribe(cfg.Strategy.Symbols...)
	}

	go func() {
		if err := standxFeed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("standx feed stopped", "error", err)
		}
	}()
	if cfg.FillProtection.Binance.Enabled {
		go func() {
			if err := refFeed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("reference feed stopped", "error", err)
			}
		}()
	}

	if cfg.Telegram.Enabled {
		tg, err := bot.New(cfg.Telegram, strat, logger)
		if err != nil {
			logger.Error("telegram setup failed", "error", err)
			return exitConfig
		}
		go tg.Run(ctx)
	}

	// Run the strategy; watch for signals alongside it.
	errCh := make(chan error, 1)
	go func() { errCh <- strat.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("standx maker bot started",
		"symbols", cfg.Strategy.Symbols,
		"order_size", cfg.Strategy.OrderSizeUSD,
		"leverage", cfg.Strategy.Leverage,
	)

	code := exitOK
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		<-errCh // strategy cancels orders and closes any held position
		if sig == syscall.SIGINT {
			code = exitInterrupt
		}
	case err := <-errCh:
		cancel()
		if errors.Is(err, strategy.ErrEmergencyStop) {
			logger.Error("emergency stop, exiting")
			code = 2
		} else if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("strategy terminated", "error", err)
			code = 2
		}
	}

	standxFeed.Close()
	refFeed.Close()

	logger.Info("shutdown complete")
	return code
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
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

