package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatyard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBSeedCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update all tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			_, gdb, err := openDB(configPath)
			if err != nil {
				return err
			}
			if err := db.AutoMigrate(gdb); err != nil {
				return err
			}
			fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newDBSeedCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert endpoints and agents from the config file",
		Long:  "Seeds ChannelEndpoint and Agent rows. Connection status and live load counters are preserved.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, gdb, err := openDB(configPath)
			if err != nil {
				return err
			}
			if err := db.SeedEndpoints(gdb, cfg.Endpoints); err != nil {
				return err
			}
			if err := db.SeedAgents(gdb, cfg.Agents); err != nil {
				return err
			}
			fmt.Fprintf(out, "Seeded %d endpoint(s) and %d agent(s)\n", len(cfg.Endpoints), len(cfg.Agents))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
