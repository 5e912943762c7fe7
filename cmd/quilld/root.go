package main

import (
	"github.com/spf13/cobra"

	"github.com/openrecords/quill/config"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "quilld",
		Short:         "Public-records agent run engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "quill.yaml", "config file path")

	root.AddCommand(newServeCmd())
	root.AddCommand(newReapCmd())
	root.AddCommand(newDLQCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
