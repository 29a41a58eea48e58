package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func migrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the payments schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, root.configPath)
			if err != nil {
				return err
			}
			client, err := openClient(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}
