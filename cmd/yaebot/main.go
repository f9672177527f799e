// Yaebot is a Telegram group-chat bot. It records the recent
// conversation of every chat it is in and, when asked with /c or by a
// reply to one of its messages, answers with a model that can look at
// shared images and read linked pages.
//
// Usage:
//
//	yaebot serve            Run the webhook server
//	yaebot set-webhook      Register the webhook with Telegram
//	yaebot set-commands     Publish the bot's command menu
//	yaebot usage            Summarize token usage
//	yaebot init [dir]       Write an example config
//	yaebot version          Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nugget/yaebot/internal/config"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main only builds the OS environment and hands off to run, so the
// whole command surface can be driven from tests.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run executes the command line args. Logs and command output go to
// stdout; cobra's own usage errors go to stderr.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	config.LoadDotEnv()

	root := newRootCmd(stdout)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type globalFlags struct {
	configPath string
	output     string
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:   "yaebot",
		Short: "Yet Another End Bot, a Telegram group-chat companion",
		Long: `Yaebot keeps a short rolling history of each chat it is in and
replies when someone sends /c or replies to one of its messages.

Config search order:
  ./config.yaml, ~/.config/yaebot/config.yaml, /etc/yaebot/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if flags.output != "text" && flags.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", flags.output)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newServeCmd(stdout, &flags),
		newSetWebhookCmd(stdout, &flags),
		newSetCommandsCmd(stdout, &flags),
		newUsageCmd(stdout, &flags),
		newInitCmd(stdout),
		newVersionCmd(stdout, &flags),
	)
	return root
}

// loadConfig locates, parses and validates the configuration file.
// explicit, when set, must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
