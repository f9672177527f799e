package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/yaebot/internal/config"
	"github.com/nugget/yaebot/internal/telegram"
)

const setupTimeout = 30 * time.Second

func newSetWebhookCmd(stdout io.Writer, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-webhook",
		Short: "Register this server's public URL as the bot's webhook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, bot, err := setupClient(stdout, flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), setupTimeout)
			defer cancel()

			if err := bot.SetWebhook(ctx, cfg.WebhookURL(), cfg.Telegram.SecretToken); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "webhook set to %s\n", cfg.WebhookURL())
			return nil
		},
	}
}

// botCommands is the command menu shown by Telegram clients.
func botCommands(command string) []telegram.BotCommand {
	return []telegram.BotCommand{{Command: command, Description: "chat!"}}
}

func newSetCommandsCmd(stdout io.Writer, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-commands",
		Short: "Publish the bot's command menu",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, bot, err := setupClient(stdout, flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), setupTimeout)
			defer cancel()

			if err := bot.SetMyCommands(ctx, botCommands(cfg.Telegram.Command)); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "commands set: /%s\n", cfg.Telegram.Command)
			return nil
		},
	}
}

func setupClient(stdout io.Writer, flags *globalFlags) (*config.Config, *telegram.Client, error) {
	cfg, _, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(stdout, cfg)
	return cfg, telegram.NewClient(cfg.Telegram.Token, cfg.Telegram.APIBaseURL, logger), nil
}
