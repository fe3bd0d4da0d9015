// Package cli implements econctl, the operator tool for the economy engine.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/economy-engine/app"
	"github.com/warp/economy-engine/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format     string // "json" | "text"
	ConfigPath string
	DBPath     string
	TokensPath string

	// open builds the engine; replaced in tests.
	open func(ctx context.Context, opts *RootOptions) (*app.App, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for econctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{open: openApp}

	cmd := &cobra.Command{
		Use:   "econctl",
		Short: "Inspect and reconcile the economy engine",
		Long: `econctl reads the engine's stores directly.

The tokens LevelDB store admits one process at a time, so run econctl
against a stopped server or a copy of its data directory.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "TOML config file")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.TokensPath, "tokens-db", "", "tokens LevelDB directory (overrides config)")

	// Add subcommands
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewBalanceCommand(opts))
	cmd.AddCommand(NewGrantsCommand(opts))
	cmd.AddCommand(NewIncidentsCommand(opts))
	cmd.AddCommand(NewQuoteCommand(opts))

	return cmd
}

// loadConfig applies the path flags over config.Load.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.DBPath != "" {
		cfg.Storage.SQLitePath = o.DBPath
	}
	if o.TokensPath != "" {
		cfg.Storage.TokensPath = o.TokensPath
	}
	return cfg, nil
}

func openApp(ctx context.Context, o *RootOptions) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, nil, app.Options{})
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
