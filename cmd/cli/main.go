package main

import (
	"fmt"
	"os"

	"github.com/dvloznov/smsledger/internal/config"
	"github.com/dvloznov/smsledger/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var Version = "dev"

// globals shared by every subcommand, populated in PersistentPreRunE.
var (
	configPath string
	cfg        *config.Config
	log        zerolog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "smsledger",
		Short:   "SMS ledger operator tools",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			log = logger.NewWithOptions(cfg.Log.Level, cfg.Log.Format)
			return nil
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SMSLEDGER_CONFIG"), "Path to a YAML config file")

	// Add subcommands
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(correctCmd())
	rootCmd.AddCommand(rememberCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(coverageCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(recipientCmd())
	rootCmd.AddCommand(outputsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(fxCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
