package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"agora.app/internal/migrate"
)

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the embedded schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		if err := migrate.NewManager(store.DB()).Up(ctx); err != nil {
			return err
		}
		return printVersion(cmd)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		if err := migrate.NewManager(store.DB()).Down(ctx); err != nil {
			return err
		}
		return printVersion(cmd)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied schema version and embedded files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printVersion(cmd)
	},
}

func printVersion(cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	version, err := migrate.NewManager(store.DB()).Version(ctx)
	if err != nil {
		return err
	}
	files, err := migrate.Files()
	if err != nil {
		return err
	}
	if outputFormat != "table" {
		return formatOutput(map[string]any{"version": version, "files": files})
	}
	fmt.Fprintf(out, "Schema version: %d\n", version)
	for _, f := range files {
		fmt.Fprintf(out, "  %s\n", f)
	}
	return nil
}
