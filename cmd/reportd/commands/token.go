package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/reportd/auth"
	"github.com/teranos/reportd/errors"
)

// TokenCmd issues bearer tokens for the HTTP API
var TokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an API token signed with server.auth.jwt_secret",
	Long: `Issue an API token signed with server.auth.jwt_secret.

The subject is recorded as the actor of schedules created and executions
triggered with the token.

Example:
  reportd token ci-pipeline --ttl 720h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

var tokenTTL time.Duration

func init() {
	TokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTokenTTL, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr := auth.NewJWTManager(cfg.Server.Auth)
	if !mgr.Enabled() {
		return errors.WithHint(errors.New("API auth is not configured"),
			"set server.auth.jwt_secret or REPORTD_JWT_SECRET")
	}
	token, err := mgr.GenerateToken(args[0], tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
