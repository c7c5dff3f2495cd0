// Copyright 2024-2026 Aiku AI

package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/chatrelay/pkg/config"
	"github.com/aiku/chatrelay/pkg/relay"
)

func newCheckConfigCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file without starting the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return checkConfig(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the configuration file")
	return cmd
}

func checkConfig(cmd *cobra.Command, path string) error {
	out := cmd.OutOrStdout()
	if err := config.LoadEnvFiles(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(path, false)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, p := range verr.Problems {
				fmt.Fprintln(out, "  -", p)
			}
		}
		return err
	}
	topo, err := relay.BuildTopology(zerolog.Nop(), cfg.Rules(), cfg.Defaults())
	if err != nil {
		return fmt.Errorf("failed to build topology: %w", err)
	}
	explicit, defaults := topo.EdgeCount()
	fmt.Fprintf(out, "%s: OK\n", path)
	fmt.Fprintf(out, "  accounts: %d\n", len(cfg.ForwardList.Accounts))
	fmt.Fprintf(out, "  edges: %d explicit, %d default\n", explicit, defaults)
	fmt.Fprintf(out, "  mattermost enabled: %t\n", cfg.Mattermost.Enabled)
	fmt.Fprintf(out, "  matrix enabled: %t\n", cfg.Matrix.Enabled)
	return nil
}
