package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"paymock/internal/payment"
)

func invoiceCmd() *cobra.Command {
	var (
		req payment.CreateInvoiceRequest
		key string
	)
	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Create an invoice and print its checkout page",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := client().CreateInvoice(cmd.Context(), key, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "payment:  %s\n", inv.PaymentID)
			fmt.Fprintf(out, "page:     %s\n", inv.PageURL)
			if inv.Replayed {
				fmt.Fprintln(out, "replayed: true (same idempotency key and body)")
			}
			return nil
		},
	}

	cmd.Flags().Int64VarP(&req.Amount, "amount", "a", 0, "Amount in minor units")
	cmd.Flags().StringVarP(&req.Reference, "reference", "r", "", "Merchant order reference")
	cmd.Flags().StringVar(&req.WebhookURL, "webhook-url", "", "Where lifecycle webhooks are sent")
	cmd.Flags().StringVar(&req.RedirectURL, "redirect-url", "", "Where the payer returns after checkout")
	cmd.Flags().StringVarP(&key, "key", "k", "", "Idempotency key")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("webhook-url")
	_ = cmd.MarkFlagRequired("redirect-url")

	return cmd
}
