// Package bot exposes the strategy's remote-control surface over Telegram.
//
// The bot long-polls for commands and forwards them to the strategy; every
// strategy mutator already returns a human-readable reply, so the handler
// layer is thin. Only the configured chat id may issue commands.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/londonpotato1/standx-maker-bot/internal/config"
	"github.com/londonpotato1/standx-maker-bot/internal/strategy"
)

// Telegram is the remote-control bot.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	strat  *strategy.Strategy
	logger *slog.Logger
}

// New connects to the Telegram API.
func New(cfg config.TelegramConfig, strat *strategy.Strategy, logger *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	return &Telegram{
		api:    api,
		chatID: cfg.ChatID,
		strat:  strat,
		logger: logger.With("component", "telegram"),
	}, nil
}

// Notify pushes a message to the configured chat.
func (t *Telegram) Notify(text string) {
	if _, err := t.api.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.logger.Error("telegram send failed", "error", err)
	}
}

// Run long-polls for commands until ctx is cancelled.
func (t *Telegram) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)

	t.logger.Info("telegram control started", "bot", t.api.Self.UserName)
	t.Notify("maker bot online — /help for commands")

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != t.chatID {
				t.logger.Warn("command from unauthorized chat", "chat_id", update.Message.Chat.ID)
				continue
			}
			reply := t.handle(ctx, update.Message.Command(), update.Message.CommandArguments())
			if reply != "" {
				t.Notify(reply)
			}
		}
	}
}

func (t *Telegram) handle(ctx context.Context, command, args string) string {
	switch command {
	case "help":
		return "/status /positions /enable /disable /size <usd> [force] " +
			"/leverage <n> /ladder <n> /distances <bps,...> /protection <on|off> " +
			"/rebalance /close_all /reset_pause"

	case "status":
		return formatStatus(t.strat.Status())

	case "positions":
		positions, err := t.strat.Positions(ctx)
		if err != nil {
			return "position fetch failed: " + err.Error()
		}
		if len(positions) == 0 {
			return "no open positions"
		}
		var b strings.Builder
		for _, p := range positions {
			fmt.Fprintf(&b, "%s %s %.4f @ %.2f (uPnL %.2f)\n",
				p.Symbol, p.Side, p.Size, p.EntryPrice, p.UnrealizedPnL)
		}
		return b.String()

	case "enable":
		return t.strat.EnableOrders()

	case "disable":
		return t.strat.DisableOrders()

	case "size":
		fields := strings.Fields(args)
		if len(fields) == 0 {
			return "usage: /size <usd> [force]"
		}
		usd, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return "bad size: " + fields[0]
		}
		force := len(fields) > 1 && fields[1] == "force"
		return t.strat.SetOrderSize(usd, force)

	case "leverage":
		lev, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return "usage: /leverage <n>"
		}
		return t.strat.SetLeverage(lev)

	case "ladder":
		n, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return "usage: /ladder <orders per side>"
		}
		return t.strat.SetNumOrdersPerSide(n)

	case "distances":
		parts := strings.Split(strings.TrimSpace(args), ",")
		var ds []float64
		for _, p := range parts {
			d, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return "usage: /distances 7.5,8.5"
			}
			ds = append(ds, d)
		}
		return t.strat.SetDistances(ds)

	case "protection":
		switch strings.TrimSpace(args) {
		case "on":
			return t.strat.SetProtection(true)
		case "off":
			return t.strat.SetProtection(false)
		}
		return "usage: /protection <on|off>"

	case "rebalance":
		return t.strat.RequestForceRebalance()

	case "close_all":
		return t.strat.CloseAllPositions()

	case "reset_pause":
		return t.strat.ResetConsecutiveFillPause()
	}

	return "unknown command, try /help"
}

func formatStatus(st strategy.StatusReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "orders: %v  emergency: %v\n", st.OrdersEnabled, st.EmergencyStop)
	fmt.Fprintf(&b, "size: $%.2f  points: %.2f  fills: %d\n",
		st.EffectiveSize, st.Stats.EstimatedPoints, st.Stats.Fills)

	if st.Held != nil {
		fmt.Fprintf(&b, "holding: %s %s %.4f @ %.2f\n",
			st.Held.Symbol, st.Held.Side, st.Held.Quantity, st.Held.EntryPrice)
	}
	if st.PauseRemaining > 0 {
		fmt.Fprintf(&b, "fill pause: %s left (level %d)\n", st.PauseRemaining, st.EscalationLevel)
	}
	for _, sym := range st.Symbols {
		pause := ""
		if sym.Paused {
			pause = " [pre-kill]"
		}
		fmt.Fprintf(&b, "%s: %d buys / %d sells @ %.2f%s\n",
			sym.Symbol, sym.ActiveBuys, sym.ActiveSells, sym.ReferencePrice, pause)
	}
	return b.String()
}
