package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-sync/internal/config"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:          "arcsync",
		Short:        "Local-first CoValue sync",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			config.SetCommonDefaults(v)
			return config.Load(v, configFile)
		},
	}
	config.BindCommonFlags(root, v)

	root.AddCommand(
		newStartCmd(v),
		newAccountCmd(v),
		newGroupCmd(v),
		newMapCmd(v),
		newImageCmd(v),
		newLoadCmd(v),
		newWatchCmd(v),
		newVersionCmd(),
	)
	return root
}
