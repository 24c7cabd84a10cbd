package cmd

import (
	"fmt"
	"time"

	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/spf13/cobra"
)

var (
	tokenName string
	tokenTTL  time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name carried in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a signed token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ttl := cfg.Auth.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		issuer, err := auth.NewTokenIssuer(cfg.Auth.Secret, ttl, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		token, err := issuer.GenerateToken(auth.Identity{UserID: args[0], DisplayName: tokenName})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
