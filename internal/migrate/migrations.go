package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var revisionFS embed.FS

// revision is one embedded schema step, named NNNN_description.sql.
type revision struct {
	n    int
	name string
	stmt string
}

func loadRevisions() ([]revision, error) {
	entries, err := fs.ReadDir(revisionFS, "sql")
	if err != nil {
		return nil, err
	}
	seen := map[int]string{}
	var revs []revision
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migrate: %s lacks a numeric prefix", entry.Name())
		}
		n, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migrate: %s lacks a numeric prefix", entry.Name())
		}
		if prev, dup := seen[n]; dup {
			return nil, fmt.Errorf("migrate: revision %d defined by both %s and %s", n, prev, entry.Name())
		}
		seen[n] = entry.Name()
		stmt, err := revisionFS.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		revs = append(revs, revision{n: n, name: entry.Name(), stmt: string(stmt)})
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].n < revs[j].n })
	return revs, nil
}

// Migrate brings the schema up to the newest embedded revision. All
// pending revisions apply inside a single transaction together with
// the schema_version bump, so a failure leaves the database at the
// revision it started from.
func Migrate(db *sql.DB) error {
	revs, err := loadRevisions()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("migrate: init schema_version: %w", err)
	}
	var current int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read schema_version: %w", err)
	}

	applied := current
	for _, rev := range revs {
		if rev.n <= current {
			continue
		}
		if _, err := tx.Exec(rev.stmt); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", rev.name, err)
		}
		applied = rev.n
	}
	if applied != current {
		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			return fmt.Errorf("migrate: bump schema_version: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, applied); err != nil {
			return fmt.Errorf("migrate: bump schema_version: %w", err)
		}
	}
	return tx.Commit()
}
