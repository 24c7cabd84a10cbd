package cmd

import (
	"fmt"

	"github.com/mahaj/chatcore/pkg/bootstrap"
	"github.com/mahaj/chatcore/pkg/db"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(dropCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the keyspace and chat tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := bootstrap.Migrate(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "keyspace %s migrated (%d tables)\n", cfg.Scylla.Keyspace, len(db.Tables))
		return nil
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop [table]",
	Short: "Drop one chat table, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session, err := db.NewSession(db.Config{Hosts: cfg.Scylla.Hosts, Keyspace: cfg.Scylla.Keyspace})
		if err != nil {
			return err
		}
		defer session.Close()

		var table string
		if len(args) == 1 {
			table = args[0]
		}
		if err := db.Drop(session, table); err != nil {
			return err
		}
		if table == "" {
			table = "all chat tables"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", table)
		return nil
	},
}
