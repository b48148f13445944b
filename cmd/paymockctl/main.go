package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paymock/internal/config"
	"paymock/internal/merchant"
)

var Version = "dev"

// settings resolves flags first, then the environment (GATEWAY_URL,
// WEBHOOK_SECRET), then defaults.
var settings = viper.New()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paymockctl",
		Short:         "Operate a paymock gateway: place invoices, inspect and replay webhooks, sign payloads",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("gateway", "http://localhost:8080", "Gateway base URL")
	rootCmd.PersistentFlags().String("secret", config.DevWebhookSecret, "Webhook signing secret")
	_ = settings.BindPFlag("GATEWAY_URL", rootCmd.PersistentFlags().Lookup("gateway"))
	_ = settings.BindPFlag("WEBHOOK_SECRET", rootCmd.PersistentFlags().Lookup("secret"))
	settings.AutomaticEnv()

	rootCmd.AddCommand(invoiceCmd())
	rootCmd.AddCommand(attemptsCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(verifyCmd())

	return rootCmd
}

func client() *merchant.Client {
	return merchant.NewClient(settings.GetString("GATEWAY_URL"))
}
