package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

const sessionCmdTimeout = 30 * time.Second

func newSessionCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or change a stored session",
		Long: `Operates directly on the configured session store. With the memory
store there is nothing to inspect, so point STORE_KIND at the store the
server uses.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <id>",
			Short: "Print a session as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withStore(cmd, func(ctx context.Context, st store.Backend) error {
					id := models.CanonicalPhone(args[0])
					s, err := st.Get(ctx, id)
					if err != nil {
						return err
					}
					if s == nil {
						return fmt.Errorf("session %s not found", id)
					}
					return printJSON(cmd, s)
				})
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withStore(cmd, func(ctx context.Context, st store.Backend) error {
					id := models.CanonicalPhone(args[0])
					if err := st.Delete(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "session %s deleted\n", id)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reset <id>",
			Short: "Reset a session to the welcome step without messaging the visitor",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withStore(cmd, func(ctx context.Context, st store.Backend) error {
					engine := flow.New(st, nil, nil, nil,
						flow.WithTTLs(c.cfg.SessionTTL, c.cfg.DedupTTL),
						flow.WithTimeouts(c.cfg.StoreTimeout, 0, 0),
						flow.WithLogger(c.logger),
					)
					s, err := engine.ResetSession(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd, s)
				})
			},
		},
	)
	return cmd
}

// withStore opens the configured store for the duration of fn.
func (c *cli) withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Backend) error) error {
	if err := c.cfg.ValidateStore(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.cfg.StoreKind == string(store.KindMemory) {
		c.logger.Warn("session commands against the memory store see an empty store")
	}
	st, err := openStore(c.cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", c.cfg.StoreKind, err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), sessionCmdTimeout)
	defer cancel()
	return fn(ctx, st)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
