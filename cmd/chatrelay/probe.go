package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var errProbeFailed = errors.New("provider probe failed")

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check provider connectivity and schema with the stored configuration",
	RunE:  runProbe,
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	c, err := openCore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.adminService(nil).Status(ctx)
	if err != nil {
		return fmt.Errorf("module status: %w", err)
	}
	log.Info().
		Bool("api_connected", st.APIConnected).
		Bool("tables_ok", st.TablesOK).
		Strs("missing_tables", st.MissingTables).
		Msg("probe finished")
	if !st.APIConnected || !st.TablesOK {
		return errProbeFailed
	}
	return nil
}
