package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chatrelay/internal/auth"
	"chatrelay/internal/relay"
)

var (
	tokenUserID int64
	tokenName   string
	tokenAdmin  bool
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed identity token for local testing",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().Int64Var(&tokenUserID, "user-id", 0, "user id to put in the subject claim")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "grant admin access")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, _ []string) error {
	if tokenUserID <= 0 {
		return errors.New("--user-id must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	signed, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret).Issue(relay.Identity{
		UserID:   tokenUserID,
		Username: tokenName,
		Admin:    tokenAdmin,
	}, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), signed)
	return nil
}
