package main

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/credit_backend/config"
	"github.com/mmdatafocus/credit_backend/utils"
	"github.com/spf13/cobra"
)

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the deployment configuration without starting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadSettings()
			if err != nil {
				return err
			}
			agreements := make([]string, 0, len(s.Agreements))
			for code, averbadora := range s.Agreements {
				agreements = append(agreements, code+"="+averbadora)
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"payment_provider":      s.PaymentProvider,
				"provider_timeout":      s.ProviderTimeout.String(),
				"reconcile_max_retries": s.ReconcileMaxRetries,
				"reconcile_backoff":     s.ReconcileBackoff.String(),
				"send_commission":       s.SendCommission,
				"task_mode":             s.TaskMode,
				"agreements":            agreements,
			})
		},
	}
}

func issueTokenCmd() *cobra.Command {
	var (
		userID         int
		username, role string
		ttl            time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign an operator bearer token with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadSettings()
			if err != nil {
				return err
			}
			if s.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			token, err := utils.JwtGenerate([]byte(s.JWTSecret), userID, username, role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().IntVar(&userID, "user-id", 0, "operator id")
	cmd.Flags().StringVar(&username, "username", "", "operator username")
	cmd.Flags().StringVar(&role, "role", "operator", "operator role")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the bcrypt hash to put in WEBHOOK_API_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := utils.HashSecret(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return err
		},
	}
}
