package migrate

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", "file:"+t.TempDir()+"/schema.db?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateReachesNewestRevision(t *testing.T) {
	conn := openTestDB(t)
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	revs, err := loadRevisions()
	if err != nil {
		t.Fatalf("load revisions: %v", err)
	}
	if len(revs) == 0 {
		t.Fatalf("no embedded revisions")
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if want := revs[len(revs)-1].n; version != want {
		t.Fatalf("version = %d, want %d", version, want)
	}
	// the newest revision's table must exist
	if _, err := conn.Exec(`SELECT count(*) FROM api_keys`); err != nil {
		t.Fatalf("api_keys missing: %v", err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	conn := openTestDB(t)
	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var rows int
	if err := conn.QueryRow(`SELECT count(*) FROM schema_version`).Scan(&rows); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if rows != 1 {
		t.Fatalf("schema_version rows = %d, want 1", rows)
	}
}
