package main

import (
	"fmt"

	"github.com/spf13/cobra"

	dchat "github.com/Prakash7895/d-dapp-fe-sub000"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store an access token in ~/.dchat/config.toml",
	Long:  "Store the access token issued by the app's identity service. JWT subject and expiry are saved alongside it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		if err := persistToken(token); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		out := cmd.OutOrStdout()
		path, _ := configPath()
		fmt.Fprintf(out, "Token saved to %s\n", path)
		if claims, err := dchat.ParseTokenClaims(token); err == nil {
			fmt.Fprintf(out, "  User ID: %s\n", valueOrDefault(claims.Subject, "(not in token)"))
			if !claims.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "  Expires: %s\n", claims.ExpiresAt.Local().Format("2006-01-02 15:04"))
			}
		} else {
			fmt.Fprintln(out, "  Token is not a JWT; set auth.user_id to tag your own messages.")
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}
