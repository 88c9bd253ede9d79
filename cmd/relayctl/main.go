package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"payment-relay/internal/app"
	"payment-relay/internal/config"
	"payment-relay/internal/logging"
	"payment-relay/internal/payments"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Operate the Paynow relay's payment registry",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(showCmd(), pollCmd(), sweepCmd(), plansCmd())
	return root
}

// withRelay builds the relay from the environment for one command.
func withRelay(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	relay, err := app.New(ctx, cfg, logging.New(cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		return err
	}
	defer relay.Close()
	return fn(relay)
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <reference>",
		Short: "Print a stored payment record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRelay(cmd.Context(), func(relay *app.App) error {
				return show(cmd.Context(), cmd.OutOrStdout(), relay.Coordinator, args[0])
			})
		},
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll <reference>",
		Short: "Ask the gateway for the current status of a payment and reconcile it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRelay(cmd.Context(), func(relay *app.App) error {
				p, err := relay.Coordinator.Poll(cmd.Context(), payments.PollRequest{Reference: args[0]})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire open payments older than RELAY_PAYMENT_TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRelay(cmd.Context(), func(relay *app.App) error {
				return sweep(cmd.Context(), cmd.OutOrStdout(), relay.Coordinator)
			})
		},
	}
}

func plansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List the configured plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return listPlans(cmd.OutOrStdout(), cfg)
		},
	}
}

func show(ctx context.Context, w io.Writer, c *payments.Coordinator, ref string) error {
	p, err := c.Get(ctx, ref)
	if err != nil {
		return err
	}
	return writeJSON(w, p)
}

func sweep(ctx context.Context, w io.Writer, c *payments.Coordinator) error {
	n, err := c.ExpireStale(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "expired %d payment(s)\n", n)
	return nil
}

func listPlans(w io.Writer, cfg *config.Config) error {
	keys := make([]string, 0, len(cfg.Plans))
	for k := range cfg.Plans {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAN\tLABEL\tAMOUNT")
	for _, k := range keys {
		p := cfg.Plans[k]
		fmt.Fprintf(tw, "%s\t%s\t%s %s\n", p.Key, p.Label, p.Amount.StringFixed(2), cfg.Currency)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
