package bigquery

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

const migrationsTable = "schema_migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// migrationFilePattern matches 0001_name.sql.
var migrationFilePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration is one versioned SQL script.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration is a row of the schema_migrations table.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// LoadMigrations reads every migration in fsys (root directory only), sorted
// by version. {{PROJECT_ID}} and {{DATASET_ID}} are substituted; the checksum
// covers the file before substitution so it does not depend on the target.
func LoadMigrations(fsys fs.FS, ds Dataset) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("LoadMigrations: reading directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		matches := migrationFilePattern.FindStringSubmatch(file.Name())
		if matches == nil {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("LoadMigrations: version %04d used by %s and %s", version, prev, file.Name())
		}
		seen[version] = file.Name()

		content, err := fs.ReadFile(fsys, file.Name())
		if err != nil {
			return nil, fmt.Errorf("LoadMigrations: reading %s: %w", file.Name(), err)
		}

		sql := string(content)
		sql = strings.ReplaceAll(sql, "{{PROJECT_ID}}", ds.ProjectID)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", ds.DatasetID)

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: file.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// BundledMigrations returns the migrations shipped with the binary.
func BundledMigrations(ds Dataset) ([]Migration, error) {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("BundledMigrations: %w", err)
	}
	return LoadMigrations(sub, ds)
}

// PendingMigrations returns the migrations whose version is not yet applied.
// A checksum mismatch on an applied version is an error.
func PendingMigrations(all []Migration, applied []AppliedMigration) ([]Migration, error) {
	done := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		done[am.Version] = am
	}

	var pending []Migration
	for _, m := range all {
		am, ok := done[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if am.Checksum != "" && am.Checksum != m.Checksum {
			return nil, fmt.Errorf("PendingMigrations: %s was modified after being applied", m.Filename)
		}
	}
	return pending, nil
}

// ApplyMigrationsWithClient runs every pending bundled migration in version
// order and records each one. It returns the number applied.
func ApplyMigrationsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, appliedBy string, log zerolog.Logger) (int, error) {
	if err := ensureMigrationsTable(ctx, client, ds); err != nil {
		return 0, err
	}

	all, err := BundledMigrations(ds)
	if err != nil {
		return 0, err
	}
	applied, err := appliedMigrations(ctx, client, ds)
	if err != nil {
		return 0, err
	}
	pending, err := PendingMigrations(all, applied)
	if err != nil {
		return 0, err
	}

	for _, m := range pending {
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applying migration")
		if _, err := runQuery(ctx, client.Query(m.SQL)); err != nil {
			return 0, fmt.Errorf("ApplyMigrations: %s: %w", m.Filename, err)
		}
		if err := recordMigration(ctx, client, ds, m, appliedBy); err != nil {
			return 0, fmt.Errorf("ApplyMigrations: recording %s: %w", m.Filename, err)
		}
	}
	return len(pending), nil
}

func ensureMigrationsTable(ctx context.Context, client *bigquery.Client, ds Dataset) error {
	sql := `CREATE TABLE IF NOT EXISTS ` + ds.Table(migrationsTable) + ` (
		version    INT64 NOT NULL,
		name       STRING NOT NULL,
		applied_at TIMESTAMP NOT NULL,
		checksum   STRING,
		applied_by STRING
	)`
	if _, err := runQuery(ctx, client.Query(sql)); err != nil {
		return fmt.Errorf("ensureMigrationsTable: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, client *bigquery.Client, ds Dataset) ([]AppliedMigration, error) {
	q := client.Query(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM ` + ds.Table(migrationsTable) + `
		ORDER BY version ASC`)
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("appliedMigrations: reading: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("appliedMigrations: iterating: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func recordMigration(ctx context.Context, client *bigquery.Client, ds Dataset, m Migration, appliedBy string) error {
	q := client.Query(`
		INSERT INTO ` + ds.Table(migrationsTable) + `
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	}
	_, err := runDML(ctx, q)
	return err
}
