package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"paymock/internal/signing"
)

var errBadSignature = errors.New("signature does not match")

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

func signer() (*signing.Signer, error) {
	return signing.NewSigner(settings.GetString("WEBHOOK_SECRET"))
}

func signCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign [file|-]",
		Short: "Print the canonical form of a JSON payload and its signature",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			s, err := signer()
			if err != nil {
				return err
			}
			body, err := signing.Canonicalize(raw)
			if err != nil {
				return fmt.Errorf("payload is not valid JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			fmt.Fprintln(cmd.OutOrStdout(), s.SignBytes(body))
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	var signature string
	cmd := &cobra.Command{
		Use:   "verify [file|-]",
		Short: "Check a webhook body against its X-Signature value",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			s, err := signer()
			if err != nil {
				return err
			}
			if !s.Verify(raw, signature) {
				return errBadSignature
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&signature, "signature", "s", "", "Hex signature to check")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}
