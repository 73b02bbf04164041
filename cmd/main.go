package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"mt5-signal-bot/internal/api"
	"mt5-signal-bot/internal/dispatcher"
	"mt5-signal-bot/internal/executor"
	"mt5-signal-bot/internal/metrics"
	"mt5-signal-bot/internal/parser"
	"mt5-signal-bot/internal/service"
	"mt5-signal-bot/internal/strategy"
)

func main() {
	configPath := pflag.String("config", "config", "directory containing config.yaml")
	envFile := pflag.String("env", ".env", "dotenv file with secrets")
	listDialogs := pflag.Bool("list-dialogs", false, "print available chats and exit")
	pflag.Parse()

	service.InitLogger("info")

	if err := service.LoadEnv(*envFile); err != nil {
		service.Logger.Fatal("Failed to load env file", zap.Error(err))
	}
	cfg, err := service.LoadConfig(*configPath)
	if err != nil {
		service.Logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	service.InitLogger(cfg.Log.Level)
	defer service.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chat := api.NewGatewayClient(cfg.Chat, service.Logger)
	if *listDialogs {
		if err := printDialogs(ctx, chat); err != nil {
			service.Logger.Fatal("Failed to list dialogs", zap.Error(err))
		}
		return
	}

	p := parser.NewParser()
	if err := cfg.Validate(p.Formats()); err != nil {
		service.Logger.Fatal("Invalid configuration", zap.Error(err))
	}

	if err := run(ctx, cfg, p, chat); err != nil {
		service.Logger.Error("Bot exited with error", zap.Error(err))
		service.Logger.Sync()
		os.Exit(1)
	}
	fmt.Println("\nBot stopped.")
}

func run(ctx context.Context, cfg *service.Config, p *parser.Parser, chat *api.GatewayClient) error {
	fmt.Println("\nStarting Telegram-MT5 bot...")

	if cfg.Metrics.Addr != "" {
		srv := metrics.Serve(cfg.Metrics.Addr)
		defer srv.Close()
		service.Logger.Info("Metrics server started", zap.String("Addr", cfg.Metrics.Addr))
	}

	if err := chat.Connect(ctx); err != nil {
		return err
	}
	defer chat.Disconnect()

	// 每个交易员独占一个终端会话，退出时逐个关闭
	traders := make([]dispatcher.Trader, 0, len(cfg.Traders))
	defer func() {
		for _, t := range traders {
			if err := t.Terminal.Close(); err != nil {
				service.Logger.Warn("Failed to close terminal", zap.String("Trader", t.Config.ID), zap.Error(err))
			}
		}
	}()
	for i := range cfg.Traders {
		tc := &cfg.Traders[i]
		term, err := executor.New(ctx, tc.Terminal, service.Logger.With(zap.String("Trader", tc.ID)))
		if err != nil {
			return fmt.Errorf("open terminal for trader %s: %w", tc.ID, err)
		}
		traders = append(traders, dispatcher.Trader{Config: tc, Terminal: term})
	}

	pipeline := strategy.NewPipeline(service.Logger)
	d := dispatcher.New(cfg.Signals, traders, p, pipeline, chat, service.Logger)

	dialogs, err := chat.ListDialogs(ctx)
	if err != nil {
		return err
	}
	chats, err := d.ResolveSourceChats(dialogs)
	if err != nil {
		return err
	}
	if err := d.Announce(ctx); err != nil {
		service.Logger.Warn("Failed to announce startup", zap.Error(err))
	}
	if err := chat.Subscribe(ctx, chats); err != nil {
		return err
	}

	fmt.Println("Bot started")
	return chat.Run(ctx, d.Handle)
}

func printDialogs(ctx context.Context, chat *api.GatewayClient) error {
	if err := chat.Connect(ctx); err != nil {
		return err
	}
	defer chat.Disconnect()

	dialogs, err := chat.ListDialogs(ctx)
	if err != nil {
		return err
	}
	for _, d := range dialogs {
		fmt.Printf("Chat ID: %d, Title: %s\n", d.ID, d.Title)
	}
	return nil
}
