package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dvloznov/smsledger/internal/bootstrap"
	"github.com/dvloznov/smsledger/internal/pipeline"
	"github.com/spf13/cobra"
)

func importCmd() *cobra.Command {
	var (
		owner string
		file  string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a merchant map or FX rates from a spreadsheet export",
		Long: `Reads a CSV export (one sheet per file, header row first). Rows that
cannot be used are reported and skipped; the rest are upserted.`,
	}
	cmd.PersistentFlags().StringVarP(&owner, "owner", "o", "", "Owner ID")
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "-", "CSV file, - for stdin")
	_ = cmd.MarkPersistentFlagRequired("owner")

	run := func(load func(ctx context.Context, im *pipeline.Importer, r io.Reader) (*pipeline.ImportReport, error)) error {
		ctx := context.Background()

		var in io.Reader = os.Stdin
		if file != "" && file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("opening %s: %w", file, err)
			}
			defer f.Close()
			in = f
		}

		st, err := bootstrap.OpenStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := load(ctx, pipeline.NewImporter(st, st, log), in)
		if err != nil {
			return err
		}
		return printJSON(report)
	}

	patterns := &cobra.Command{
		Use:   "patterns",
		Short: "Import merchant patterns (Pattern, Display Name, Consolidated Name, Category)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, im *pipeline.Importer, r io.Reader) (*pipeline.ImportReport, error) {
				return im.ImportPatterns(ctx, owner, r)
			})
		},
	}

	fx := &cobra.Command{
		Use:   "fx",
		Short: "Import FX rates to the home currency (Currency, RateToHome, Formula)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, im *pipeline.Importer, r io.Reader) (*pipeline.ImportReport, error) {
				return im.ImportFXRates(ctx, owner, r)
			})
		},
	}

	cmd.AddCommand(patterns, fx)
	return cmd
}

func fxCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "fx",
		Short: "List an owner's FX rates to the home currency",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := bootstrap.OpenStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			rates, err := st.ListFXRates(ctx, owner)
			if err != nil {
				return err
			}
			for _, r := range rates {
				fmt.Printf("%-4s %14s %s  %s\n", r.Currency, r.RateToHome.String(), cfg.Locale.Currency, r.Formula)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner ID")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}
