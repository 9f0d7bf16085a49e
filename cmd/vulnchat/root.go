package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/vulnchat/internal/services"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	apiBase      string
	streamPath   string
	dbPath       string
	verbose      bool
	noTypewriter bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "vulnchat",
		Short: "Talk to the vulnerability assistant from the terminal",
		Long: `vulnchat streams answers from the vulnerability dashboard's AI backend.

Quick Start:
  vulnchat vulns import findings.yaml      # Load vulnerabilities into the local catalogue
  vulnchat vulns list                      # List them
  vulnchat ask --vuln-id 000001            # Ask for an analysis of one of them
  vulnchat ask "How do I patch it?"        # Follow up in the same conversation`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.complete()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.apiBase, "api-base", "",
		"AI backend base URL (default $VULNCHAT_API_BASE or "+services.DefaultAPIBase+")")
	cmd.PersistentFlags().StringVar(&opts.streamPath, "stream-path", services.DefaultStreamPath,
		"Path of the chat stream endpoint")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "",
		"Path of the local database (default <user config dir>/vulnchat/store.db)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newAskCmd(opts), newVulnsCmd(opts))

	return cmd
}

func (o *options) complete() error {
	// The .env file is optional.
	_ = godotenv.Load()

	if o.apiBase == "" {
		o.apiBase = os.Getenv("VULNCHAT_API_BASE")
	}
	if o.apiBase == "" {
		o.apiBase = services.DefaultAPIBase
	}

	if o.dbPath == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("error getting user config dir: %w", err)
		}
		dir := filepath.Join(cfgDir, "vulnchat")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
		o.dbPath = filepath.Join(dir, "store.db")
	}
	return nil
}

func (o *options) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *options) openDB() (services.BoltDB, error) {
	db, err := services.NewBoltDB(o.dbPath)
	if err != nil {
		return services.BoltDB{}, fmt.Errorf("failed to open %s: %w", o.dbPath, err)
	}
	return db, nil
}
