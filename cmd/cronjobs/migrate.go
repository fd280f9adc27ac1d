package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDeps(a.cfg, a.logger, 0)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("schema up to date")
			return nil
		},
	}
}
