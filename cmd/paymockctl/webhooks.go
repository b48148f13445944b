package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func attemptsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "attempts [payment-id]",
		Short: "Show the webhook delivery and its attempt trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := client().Webhooks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(h)
			}

			d := h.Delivery
			fmt.Fprintf(cmd.OutOrStdout(), "delivery %s: %s (%s) after %d attempt(s)\n", d.PaymentID, d.State, d.EventStatus, d.Attempts)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tAT\tSTATUS\tOK\tMS\tERROR")
			for _, a := range h.Attempts {
				fmt.Fprintf(w, "%d\t%s\t%d\t%t\t%d\t%s\n", a.Sequence, a.AttemptedAt.Format("15:04:05.000"), a.ResponseStatus, a.Success, a.DurationMs, a.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [payment-id]",
		Short: "Resend a payment's webhook once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.Delivered {
				fmt.Fprintf(cmd.OutOrStdout(), "delivered on attempt %d\n", res.Attempt.Sequence)
				return nil
			}
			if res.Permanent {
				fmt.Fprintln(os.Stderr, "delivery had already exhausted its retries")
			}
			return fmt.Errorf("replay failed: %s", res.Message)
		},
	}
}
