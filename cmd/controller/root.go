package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"provisiond/pkg/config"
	"provisiond/pkg/db"
	"provisiond/pkg/logging"
	"provisiond/pkg/version"
)

func rootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "controller",
		Short:        "Bare-metal cluster provisioning controller",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config (env PROVISIOND_*)")

	load := func() (*config.Config, error) { return config.Load(cfgPath) }
	cmd.AddCommand(serveCmd(load), migrateCmd(load), versionCmd())
	return cmd
}

func migrateCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			gdb, err := db.Open(cfg.Database)
			if err != nil {
				return err
			}
			if err := db.Migrate(gdb); err != nil {
				return err
			}
			log.Info("schema migrated", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "controller %s\n", version.String())
		},
	}
}
