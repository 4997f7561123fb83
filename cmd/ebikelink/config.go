package main

import (
	"github.com/spf13/cobra"

	"github.com/srg/ebikelink/pkg/config"
)

// loadConfig resolves the effective configuration for a command: the built-in
// defaults, overlaid by the file named in --config when one is given. Flags
// beat both; each command applies its own via Flags().Changed.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}
