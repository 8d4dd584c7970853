package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCmd creates the 'migrate' subcommand.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the storage schema for the postgres or sqlite backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if err := migrateSchema(cmd.Context(), rt.cfg, rt.logger); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return nil
		},
	}
}
