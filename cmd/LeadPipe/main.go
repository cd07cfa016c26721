// Command LeadPipe runs the WhatsApp lead-capture funnel and offers a few
// maintenance commands over its session store.
package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the configuration loaded before any subcommand runs.
type cli struct {
	cfg    *Config
	logger *slog.Logger
	logOut io.Writer
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	c := &cli{logOut: logOut}
	root := &cobra.Command{
		Use:   "LeadPipe",
		Short: "WhatsApp lead-capture funnel",
		Long: `LeadPipe collects a visitor's name, email and Instagram handle over
WhatsApp, writes them a personalized letter and answers follow-up questions.

Examples:
  LeadPipe serve --transport cloudapi --store sqlite
  LeadPipe session get 5511999990000
  LeadPipe session reset 5511999990000`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	root.PersistentFlags().String("addr", "", "HTTP listen address (overrides $LEADPIPE_ADDR)")
	root.PersistentFlags().String("state-dir", "", "state directory (overrides $LEADPIPE_STATE_DIR)")
	root.PersistentFlags().String("store", "", "session store: memory, sqlite, postgres or redis (overrides $STORE_KIND)")
	root.PersistentFlags().String("transport", "", "messaging transport: cloudapi, twilio or whatsmeow (overrides $TRANSPORT)")

	root.AddCommand(newServeCmd(c), newSessionCmd(c))
	return root
}

// load reads the environment, applies flag overrides and installs the logger.
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	override := func(flag string, dst *string) {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	override("addr", &cfg.Addr)
	override("state-dir", &cfg.StateDir)
	override("store", &cfg.StoreKind)
	override("transport", &cfg.Transport)
	cfg.resolve()

	logger, err := newLogger(cfg, c.logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	c.cfg, c.logger = cfg, logger
	logger.Debug("configuration loaded",
		"addr", cfg.Addr,
		"state_dir", cfg.StateDir,
		"store", cfg.StoreKind,
		"transport", cfg.Transport,
		"openai_key_set", cfg.OpenAIKey != "",
		"kommo_enabled", cfg.KommoToken != "")
	return nil
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *Config, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
