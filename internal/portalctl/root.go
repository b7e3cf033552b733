// Package portalctl implements the operator CLI: issuing access tokens for
// portal users and applying database migrations.
package portalctl

import (
	"context"
	"fmt"
	"io"

	"github.com/dmitrijs2005/opsportal/internal/common"
	"github.com/dmitrijs2005/opsportal/internal/cryptox"
	"github.com/dmitrijs2005/opsportal/internal/dbx"
	"github.com/dmitrijs2005/opsportal/internal/server/auth"
	"github.com/dmitrijs2005/opsportal/internal/server/config"
	"github.com/dmitrijs2005/opsportal/internal/server/repositories/repomanager"
	"github.com/spf13/cobra"
)

// migrate is replaced in tests.
var migrate = func(ctx context.Context, cfg *config.Config) error {
	db, err := dbx.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}
	defer db.Close()
	return repomanager.NewPostgresRepositoryManager().RunMigrations(ctx, db)
}

type options struct {
	configPath string
	dsn        string
	secret     string
}

// loadConfig applies the server's config layering to the CLI's own flags.
func (o *options) loadConfig() *config.Config {
	var args []string
	if o.configPath != "" {
		args = append(args, "-c", o.configPath)
	}
	if o.dsn != "" {
		args = append(args, "-d", o.dsn)
	}
	if o.secret != "" {
		args = append(args, "-s", o.secret)
	}
	return config.LoadConfig(args)
}

// NewRootCommand builds the portalctl command tree writing results to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "portalctl",
		Short:         "Operator tooling for the portal upload service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the server JSON config")
	root.PersistentFlags().StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (overrides config)")
	root.PersistentFlags().StringVar(&opts.secret, "secret", "", "root secret key (overrides config)")

	root.AddCommand(newTokenCommand(opts), newMigrateCommand(opts), newUploadCommand(opts))
	return root
}

func newTokenCommand(opts *options) *cobra.Command {
	var userID, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a portal user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			if role != common.RoleClient && role != common.RoleAdmin {
				return fmt.Errorf("--role must be %q or %q", common.RoleClient, common.RoleAdmin)
			}

			cfg := opts.loadConfig()
			key, err := cryptox.DeriveKey([]byte(cfg.SecretKey), cryptox.PurposeAccessToken)
			if err != nil {
				return err
			}

			token, err := auth.GenerateToken(userID, role, key, cfg.AccessTokenValidityDuration)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "portal user id")
	cmd.Flags().StringVar(&role, "role", common.RoleClient, "client or admin")
	return cmd
}

func newMigrateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := migrate(cmd.Context(), opts.loadConfig()); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return err
		},
	}
}
