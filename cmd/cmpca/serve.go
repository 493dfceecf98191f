package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ca/internal/api"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the CA daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := api.LoadConfig(configPath)
			if err != nil {
				return err
			}

			rt, err := api.BuildRuntime(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to assemble runtime: %w", err)
			}

			return api.NewServer(rt, version).Start()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "cmpca.yaml", "configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "debug logging")
	return cmd
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
