package main

import (
	"errors"
	"fmt"

	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/d--j/go-disclaimr/repository/sqlrepo"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the schema of the SQL configuration store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Repository.Driver == "file" {
				return errors.New("the file repository has no schema")
			}
			r, err := sqlrepo.Open(cmd.Context(), cfg.Repository.Driver, cfg.Repository.DSN)
			if err != nil {
				return err
			}
			defer r.Close()
			n, err := r.Migrate()
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info().Int("applied", n).Str("driver", cfg.Repository.Driver).Msg("schema migrated")
			return nil
		},
	}
}
