package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "database maintenance",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply pending schema migrations and print the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		version, err := db.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
		return nil
	},
}

var dbCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "run PRAGMA integrity_check",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		results, err := db.IntegrityCheck()
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Fprintln(cmd.OutOrStdout(), r)
		}
		if len(results) != 1 || results[0] != "ok" {
			return fmt.Errorf("integrity check reported %d problem(s)", len(results))
		}
		return nil
	},
}

var dbVacuumCmd = &cobra.Command{
	Use:   "vacuum [target]",
	Short: "rebuild the database, or write a compacted copy to target",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		return db.Vacuum(target)
	},
}

var dbAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "refresh query planner statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Analyze()
	},
}

func init() {
	dbCmd.AddCommand(dbCheckCmd, dbVacuumCmd, dbAnalyzeCmd)
	rootCmd.AddCommand(migrateCmd, dbCmd)
}
