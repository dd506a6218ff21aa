package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and reseal the stored API key",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	c, err := openCore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer c.Close()

	missing, err := c.store.CheckSchema(ctx)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("tables still missing after migrate: %v", missing)
	}

	resealed, err := c.settings.Reseal(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("driver", c.store.Driver()).Bool("api_key_resealed", resealed).Msg("migrations applied")
	return nil
}
