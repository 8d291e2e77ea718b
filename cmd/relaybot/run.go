package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/bus"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/convert"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/relay"
	"relaybot/internal/session"
	"relaybot/internal/userbot"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay (operator bot + every linked account)",
		Long:  "Connects the operator bot, starts a session for every stored account and relays until Ctrl+C.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.RequireBot(cfg); err != nil {
		return fmt.Errorf("%w (edit %s or run 'relaybot wizard')", err, resolveConfigPath())
	}

	var logCloser io.Closer
	logger, logCloser = newLogger(cfg.Log)
	defer logCloser.Close()

	loc, err := cfg.Relay.Location()
	if err != nil {
		return err
	}
	if cfg.Relay.TempDir != "" {
		if err := os.MkdirAll(cfg.Relay.TempDir, 0o700); err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Both stores are loaded in full before anything is relayed or routed.
	stores, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer stores.Close()
	logger.Info("storage ready", "backend", cfg.Storage.Backend, "notifications", stores.Correlations.Len())

	events := bus.NewEventBus(logger)
	operatorBus := bus.New(100, logger)

	var limiter *channel.RateLimiter
	if cfg.Bot.SendsPerMinute > 0 {
		limiter = channel.NewRateLimiter(cfg.Bot.SendBurst, float64(cfg.Bot.SendsPerMinute))
	}
	telegram := channel.NewTelegram(channel.TelegramConfig{
		Token:      cfg.Bot.Token,
		Endpoint:   cfg.Bot.Endpoint,
		OperatorID: int64(cfg.Bot.OperatorID),
		ParseMode:  cfg.Bot.ParseMode,
		Limiter:    limiter,
		Logger:     logger,
	})

	manager := session.NewManager(session.ManagerConfig{
		Dialer: userbot.NewDialer(userbot.Options{SessionDir: cfg.Userbot.SessionDir, Logger: logger}),
		Events: events,
		Logger: logger,
	})
	converter := convert.New(convert.Config{
		RetrievalTimeout: cfg.Relay.RetrievalTimeout(),
		TempDir:          cfg.Relay.TempDir,
		Logger:           logger,
	})
	pipeline := relay.NewPipeline(relay.PipelineConfig{
		Converter:       converter,
		Conduit:         telegram,
		Correlations:    stores.Correlations,
		Events:          events,
		Logger:          logger,
		MaxConcurrent:   cfg.Relay.MaxConcurrentEvents,
		IncludeOutgoing: cfg.Relay.IncludeOutgoing,
		Location:        loc,
	})
	router := relay.NewRouter(relay.RouterConfig{
		Manager:      manager,
		Converter:    converter,
		Correlations: stores.Correlations,
		Files:        telegram,
		Events:       events,
		Logger:       logger,
	})
	dispatcher := relay.NewDispatcher(relay.DispatcherConfig{
		Bus:          operatorBus,
		Conduit:      telegram,
		Manager:      manager,
		Pipeline:     pipeline,
		Router:       router,
		Credentials:  stores.Credentials,
		Correlations: stores.Correlations,
		Events:       events,
		Logger:       logger,
		Concurrency:  cfg.Relay.DispatchConcurrency,
	})

	// Tell the operator when an account stops relaying. Emit runs on the
	// session goroutine, so the notification is sent asynchronously.
	events.On(bus.EventAccountState, func(e bus.Event) {
		if e.Payload["state"] != string(domain.AccountFailed) {
			return
		}
		text := fmt.Sprintf("Account %v stopped: %v", e.Payload["account_id"], e.Payload["error"])
		go func() {
			if err := telegram.Notify(ctx, text); err != nil {
				logger.Warn("account failure notice not sent", "err", err)
			}
		}()
	})

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Endpoint, logger); err != nil {
				logger.Error("metrics endpoint error", "err", err)
			}
		}()
	}

	botErr := make(chan error, 1)
	go func() {
		botErr <- telegram.Start(ctx, operatorBus)
	}()
	select {
	case <-telegram.Ready():
	case err := <-botErr:
		return err
	case <-ctx.Done():
		return nil
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		dispatcher.Run(ctx)
	}()

	if err := dispatcher.StartAccounts(ctx); err != nil {
		logger.Error("accounts not started", "err", err)
	}

	logger.Info("relay started. Press Ctrl+C to stop.", "version", version)

	<-ctx.Done()
	logger.Info("shutting down relay...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Close()
		pipeline.Wait()
		operatorBus.Close()
		<-dispatched
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = fmt.Errorf("shutdown timed out")
	}

	return shutdownErr
}
