package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/smsledger/internal/archive"
	"github.com/dvloznov/smsledger/internal/bootstrap"
	"github.com/dvloznov/smsledger/internal/config"
	"github.com/dvloznov/smsledger/internal/domain"
	infraBQ "github.com/dvloznov/smsledger/internal/infra/bigquery"
	"github.com/dvloznov/smsledger/internal/pipeline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func backfillCmd() *cobra.Command {
	var (
		owner string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-apply merchant patterns to uncategorized transactions",
		Long: `Runs the sync gate for an owner. Without --force the backfill only runs
when the uncategorized share exceeds sync.threshold.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := bootstrap.OpenStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			gate := pipeline.NewSyncGate(st, cfg.Sync.Threshold, cfg.Sync.BackfillLimit, log)
			if force {
				n, err := gate.Backfill(ctx, owner)
				if err != nil {
					return err
				}
				fmt.Printf("Backfilled %d transactions\n", n)
				return nil
			}

			report, err := gate.Check(ctx, owner)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner ID")
	cmd.Flags().BoolVar(&force, "force", false, "Backfill regardless of coverage")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func coverageCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Show how many of an owner's transactions are categorized",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := bootstrap.OpenStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			cov, err := pipeline.NewSyncGate(st, cfg.Sync.Threshold, cfg.Sync.BackfillLimit, log).Measure(ctx, owner)
			if err != nil {
				return err
			}

			fmt.Println("Coverage")
			fmt.Println(strings.Repeat("=", 40))
			fmt.Printf("  Total:          %d\n", cov.Total)
			fmt.Printf("  Uncategorized:  %d\n", cov.Uncategorized)
			fmt.Printf("  Ratio:          %.1f%%\n", cov.Ratio*100)
			if cov.Ratio > cfg.Sync.Threshold {
				fmt.Printf("  Next fetch will backfill (threshold %.0f%%)\n", cfg.Sync.Threshold*100)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner ID")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage ingestion API keys",
	}

	var (
		owner    string
		label    string
		timezone string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an ingestion key; the plaintext is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if timezone != "" {
				if _, err := time.LoadLocation(timezone); err != nil {
					return fmt.Errorf("invalid --timezone: %w", err)
				}
			}

			ctx := context.Background()
			st, err := bootstrap.OpenStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			plain := newAPIKey()
			cred := &domain.Credential{
				CredentialID: uuid.NewString(),
				OwnerID:      owner,
				KeyHash:      pipeline.HashCredential(plain),
				Label:        label,
				Timezone:     timezone,
				CreatedAt:    time.Now().UTC(),
			}
			if err := st.SaveCredential(ctx, cred); err != nil {
				return err
			}

			fmt.Printf("Credential: %s\n", cred.CredentialID)
			fmt.Printf("Key:        %s\n", plain)
			fmt.Println("\nStore the key now; only its hash is kept.")
			return nil
		},
	}
	create.Flags().StringVarP(&owner, "owner", "o", "", "Owner ID")
	create.Flags().StringVar(&label, "label", "", "Human-readable label, e.g. the device")
	create.Flags().StringVar(&timezone, "timezone", "", "Owner timezone (default locale.timezone)")
	_ = create.MarkFlagRequired("owner")

	hash := &cobra.Command{
		Use:   "hash <key>",
		Short: "Print the stored digest of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(pipeline.HashCredential(args[0]))
			return nil
		},
	}

	cmd.AddCommand(create, hash)
	return cmd
}

// newAPIKey returns a random key with a recognizable prefix.
func newAPIKey() string {
	return "sl_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func outputsCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "outputs <idempotency-key>",
		Short: "Show the archived model responses for a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Archive.Bucket == "" {
				return fmt.Errorf("archive.bucket is not configured")
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			storage, err := archive.NewGCSStorage(ctx)
			if err != nil {
				return err
			}
			defer storage.Close()

			rec, err := archive.NewArchiver(storage, cfg.Archive.Bucket).Fetch(ctx, owner, args[0])
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner ID")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func migrateCmd() *cobra.Command {
	var (
		location  string
		appliedBy string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the storage schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			switch cfg.Store.Backend {
			case config.BackendBigQuery:
				repo, err := infraBQ.NewRepository(ctx, cfg.Store.BigQuery.Project, cfg.Store.BigQuery.Dataset)
				if err != nil {
					return err
				}
				defer repo.Close()
				if err := repo.EnsureSchema(ctx, location); err != nil {
					return err
				}
				n, err := repo.Migrate(ctx, appliedBy, log)
				if err != nil {
					return err
				}
				log.Info().Int("applied", n).Msg("Migrations applied")
			case config.BackendMySQL:
				// Opening the store runs the migrations.
				st, err := bootstrap.OpenStore(ctx, cfg, log)
				if err != nil {
					return err
				}
				defer st.Close()
			default:
				fmt.Printf("Backend %q has no schema\n", cfg.Store.Backend)
				return nil
			}

			log.Info().Str("backend", cfg.Store.Backend).Msg("Schema is up to date")
			return nil
		},
	}

	cmd.Flags().StringVar(&location, "location", "US", "BigQuery dataset location")
	cmd.Flags().StringVar(&appliedBy, "applied-by", "smsledger-cli", "Name recorded with each applied migration")

	return cmd
}

func recipientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipient",
		Short: "Manage known transfer recipients",
	}

	var (
		owner string
		r     domain.Recipient
	)
	add := &cobra.Command{
		Use:   "add <short-name>",
		Short: "Register a recipient so transfers to them are recognized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r.OwnerID = owner
			r.ShortName = args[0]
			if r.Phone == "" && r.BankAccount == "" && r.LongName == "" {
				return fmt.Errorf("one of --phone, --account or --name is required")
			}

			ctx := context.Background()
			st, err := bootstrap.OpenStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SaveRecipient(ctx, &r); err != nil {
				return err
			}
			fmt.Printf("Saved recipient %s\n", r.ShortName)
			return nil
		},
	}
	add.Flags().StringVarP(&owner, "owner", "o", "", "Owner ID")
	add.Flags().StringVar(&r.Phone, "phone", "", "Phone number")
	add.Flags().StringVar(&r.BankAccount, "account", "", "Bank account or IBAN")
	add.Flags().StringVar(&r.LongName, "name", "", "Full name as it appears in messages")
	add.Flags().BoolVar(&r.IsFamily, "family", false, "Transfers to this recipient are family support")
	_ = add.MarkFlagRequired("owner")

	list := &cobra.Command{
		Use:   "list",
		Short: "List an owner's recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := bootstrap.OpenStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			recipients, err := st.ListRecipients(ctx, owner)
			if err != nil {
				return err
			}
			for _, rec := range recipients {
				family := ""
				if rec.IsFamily {
					family = " (family)"
				}
				fmt.Printf("%-16s %-16s %-24s %s%s\n", rec.ShortName, rec.Phone, rec.BankAccount, rec.LongName, family)
			}
			return nil
		},
	}
	list.Flags().StringVarP(&owner, "owner", "o", "", "Owner ID")
	_ = list.MarkFlagRequired("owner")

	cmd.AddCommand(add, list)
	return cmd
}
