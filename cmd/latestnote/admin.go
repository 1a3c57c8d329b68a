package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sharkey-go/latestnote/internal/auth"
	"github.com/sharkey-go/latestnote/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			app.close(context.Background())
			return nil
		},
	}
}

func newRebuildCommand() *cobra.Command {
	var userIDs []string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute the projection rows of the given users",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(userIDs) == 0 {
				return errors.New("at least one --user is required")
			}
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(context.Background())

			rebuilder, err := app.newRebuilder()
			if err != nil {
				return err
			}
			for _, userID := range userIDs {
				report, err := rebuilder.RebuildUser(cmd.Context(), userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s recorded=%d replaced=%d pruned=%d unchanged=%d\n",
					report.UserID, report.Recorded, report.Replaced, report.Pruned, report.Unchanged)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&userIDs, "user", nil, "User id to rebuild (repeatable)")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if err := appConfig.RequireAuth(); err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires %s\n", token, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id the token authenticates")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
