// Package cmd implements the gatectl administrative CLI.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agora.app/internal/obs"
	pgstore "agora.app/internal/store/pg"
)

var (
	// Version is set at build time
	Version = "dev"

	dsn          string
	outputFormat string
	timeout      time.Duration

	store *pgstore.Store
	out   io.Writer = os.Stdout

	// openStore is replaced in tests.
	openStore = func(ctx context.Context, dsn string) (*pgstore.Store, error) {
		s, err := pgstore.Open(dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
)

var rootCmd = &cobra.Command{
	Use:   "gatectl",
	Short: "Administrative CLI for the request gate",
	Long: `gatectl applies schema migrations and manages principal claims and
verification records directly in the gate's Postgres database.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		switch outputFormat {
		case "table", "json", "yaml":
		default:
			return fmt.Errorf("unknown output format %q", outputFormat)
		}
		if logger, err := obs.NewLogger("production", "info"); err == nil {
			obs.SetLogger(logger)
		}
		if dsn == "" {
			return errors.New("missing DSN: provide --dsn or AGORA_PG_DSN")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		s, err := openStore(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		store = s
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
			store = nil
		}
		_ = obs.Logger().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("AGORA_PG_DSN"), "PostgreSQL DSN")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall command timeout")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// formatOutput writes v as JSON or YAML. Table output is handled by each
// command.
func formatOutput(v any) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return nil
}
