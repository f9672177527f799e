package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/yaebot/internal/agent"
	"github.com/nugget/yaebot/internal/api"
	"github.com/nugget/yaebot/internal/buildinfo"
	"github.com/nugget/yaebot/internal/config"
	"github.com/nugget/yaebot/internal/connwatch"
	"github.com/nugget/yaebot/internal/events"
	"github.com/nugget/yaebot/internal/fetch"
	"github.com/nugget/yaebot/internal/history"
	"github.com/nugget/yaebot/internal/llm"
	"github.com/nugget/yaebot/internal/prompts"
	"github.com/nugget/yaebot/internal/relay"
	"github.com/nugget/yaebot/internal/store"
	"github.com/nugget/yaebot/internal/telegram"
	"github.com/nugget/yaebot/internal/tools"
	"github.com/nugget/yaebot/internal/usage"
)

func newServeCmd(stdout io.Writer, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stdout, flags.configPath)
		},
	}
}

// newLogger builds the process logger from the configured level and
// format. Validate has already checked the level.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting yaebot",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.Listen.Addr(),
		"model", cfg.LLM.Model,
		"provider", cfg.LLM.Provider,
	)

	// --- Storage ---
	// Chat history and the usage ledger share one SQLite file.
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()
	ledger, err := usage.New(st.DB())
	if err != nil {
		return err
	}
	logger.Info("database opened", "path", cfg.DatabasePath())

	// --- Telegram ---
	bot := telegram.NewClient(cfg.Telegram.Token, cfg.Telegram.APIBaseURL, logger)
	meCtx, meCancel := context.WithTimeout(ctx, 15*time.Second)
	me, err := bot.GetMe(meCtx)
	meCancel()
	if err != nil {
		return fmt.Errorf("identify bot: %w", err)
	}
	logger.Info("bot identified", "id", me.ID, "username", me.Username)

	// --- Inference ---
	client := newLLMClient(cfg, logger)

	// --- Tools and generation ---
	fetcher := fetch.New(cfg.Fetch.Timeout,
		fetch.WithProxy(cfg.Fetch.ProxyURL),
		fetch.WithMaxChars(cfg.Fetch.MaxChars),
	)
	media := telegram.NewMediaResolver(bot, cfg.DownloadBaseURL())
	executor := tools.NewExecutor(media, fetcher, cfg.Agent.ToolTimeout, logger)

	bus := events.New()
	loop := agent.NewLoop(logger, client, executor, agent.Config{
		Model:       cfg.LLM.Model,
		MaxSteps:    cfg.Agent.MaxSteps,
		StepTimeout: cfg.Agent.StepTimeout,
		ToolTimeout: cfg.Agent.ToolTimeout,
	})
	loop.SetUsageRecorder(ledger)
	loop.SetEventBus(bus)

	system := prompts.System(me.FirstName, cfg.Telegram.Command, tools.NameFetchImage, tools.NameFetchURLContent)
	builder := history.NewBuilder(st, time.Duration(cfg.Agent.WindowSeconds)*time.Second, system)

	rl := relay.New(logger, st, bot, builder, loop, *me, cfg.Telegram.Command)
	rl.SetEventBus(bus)

	// --- HTTP ---
	server := api.NewServer(api.Options{
		Address:       cfg.Listen.Addr(),
		SecretToken:   cfg.Telegram.SecretToken,
		HandleTimeout: cfg.Agent.HandleTimeout,
		EventsToken:   cfg.Listen.EventsToken,
	}, rl, bot, bus, logger)

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Dependency health ---
	monitor := connwatch.New(connwatch.DefaultBackoff(), bus, logger)
	monitor.Watch(ctx, "inference", client.Ping)
	monitor.Watch(ctx, "telegram", func(ctx context.Context) error {
		_, err := bot.GetMe(ctx)
		return err
	})
	defer func() {
		cancel()
		monitor.Wait()
	}()
	server.SetHealth(monitor)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		// In-flight updates may run for the whole handle timeout.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Agent.HandleTimeout+5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("yaebot stopped", "uptime", buildinfo.Uptime())
	return nil
}

// newLLMClient builds the provider router. The configured provider is
// the fallback; llm.models entries route single models elsewhere.
func newLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	providers := map[string]llm.Client{
		"openai":    llm.NewOpenAIClient(cfg.LLM.OpenAI.BaseURL, cfg.LLM.OpenAI.APIKey, cfg.LLM.MaxTokens, logger),
		"anthropic": llm.NewAnthropicClient(cfg.LLM.Anthropic.BaseURL, cfg.LLM.Anthropic.APIKey, cfg.LLM.MaxTokens, logger),
	}

	multi := llm.NewMultiClient(providers[cfg.LLM.Provider])
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.LLM.Models {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi
}
