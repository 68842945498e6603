package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dvloznov/smsledger/internal/bootstrap"
	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/pipeline"
	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	var (
		key     string
		file    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest SMS messages, one per line",
		Long: `Reads messages from --file or stdin and ingests them as one batch.

Each line is either a bare message or "<timestamp>\t<message>". Blank lines
are ignored. The batch authenticates with an ingestion API key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("SMSLEDGER_INGEST_KEY")
			}
			if key == "" {
				return fmt.Errorf("--key is required")
			}

			var in io.Reader = os.Stdin
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("opening %s: %w", file, err)
				}
				defer f.Close()
				in = f
			}
			entries, err := readEntries(in)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no messages to ingest")
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			app, err := bootstrap.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Ingestor.Ingest(ctx, pipeline.IngestRequest{
				Key:     key,
				Entries: entries,
				Mode:    domain.ModeBatch,
				Origin:  "cli",
			})
			if err != nil {
				return err
			}

			for _, l := range res.EntryLogs {
				fmt.Printf("%4d  %-8s  %s\n", l.Index, l.Fate, l.Reason)
			}
			fmt.Printf("\nReceived %d, appended %d, skipped %d, errors %d\n", res.Received, res.Appended, res.Skipped, res.Errors)
			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "Ingestion API key (or set SMSLEDGER_INGEST_KEY)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "File with one message per line (default stdin)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall time limit")

	return cmd
}

// readEntries parses one entry per non-blank line.
func readEntries(r io.Reader) ([]pipeline.Entry, error) {
	var entries []pipeline.Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entries = append(entries, parseLine(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	return entries, nil
}

func parseLine(line string) pipeline.Entry {
	if ts, sms, ok := strings.Cut(line, "\t"); ok {
		if _, err := pipeline.ParseTimestamp(ts, time.UTC, time.Now); err == nil {
			return pipeline.Entry{SMS: strings.TrimSpace(sms), Timestamp: strings.TrimSpace(ts)}
		}
	}
	return pipeline.Entry{SMS: line}
}

func correctCmd() *cobra.Command {
	var (
		owner        string
		consolidated string
		previous     string
	)

	cmd := &cobra.Command{
		Use:   "correct <counterparty> <merchant-type>",
		Short: "Recategorize a counterparty and its history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, err := bootstrap.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			// A failed rewrite is queued; run it before exiting.
			if err := app.StartWorkers(ctx); err != nil {
				return err
			}
			defer app.Shutdown(ctx)

			res, err := app.Corrector.Correct(ctx, pipeline.CorrectionRequest{
				OwnerID:      owner,
				Counterparty: args[0],
				MerchantType: args[1],
				Consolidated: consolidated,
				PreviousType: previous,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner ID")
	cmd.Flags().StringVar(&consolidated, "consolidated", "", "Consolidated merchant name")
	cmd.Flags().StringVar(&previous, "previous", "", "Previous merchant type")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func rememberCmd() *cobra.Command {
	var (
		owner   string
		details string
	)

	cmd := &cobra.Command{
		Use:   "remember <type> <key> <value>",
		Short: "Append a fact to an owner's context log",
		Long:  "Fact types: income, payee, correction, preference, rule.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			factType, err := domain.ParseFactType(strings.ToLower(args[0]))
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, err := bootstrap.OpenStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			fact := &domain.ContextFact{
				OwnerID: owner,
				Type:    factType,
				Key:     args[1],
				Value:   args[2],
				Details: details,
				Source:  domain.FactSourceUser,
			}
			if err := st.AppendFact(ctx, fact); err != nil {
				return err
			}
			fmt.Printf("Remembered %s %q for %s\n", factType, fact.Key, owner)
			return nil
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner ID")
	cmd.Flags().StringVar(&details, "details", "", "Free-form details")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
