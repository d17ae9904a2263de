package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func TestSplitSQLStatementsSkipsComments(t *testing.T) {
	stmts := splitSQLStatements("-- header; ignored\nCREATE TABLE a (x INT);\n\n  ;CREATE INDEX i ON a (x);\n")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[1] != "CREATE INDEX i ON a (x)" {
		t.Fatalf("unexpected statement %q", stmts[1])
	}
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql":  {Data: []byte("SELECT 1;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"003_empty.sql":  {Data: []byte("-- nothing\n")},
		"README.md":      {Data: []byte("docs")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 || files[0].version != "002" || files[1].version != "010" {
		t.Fatalf("unexpected order %+v", files)
	}
}

func TestOpenSQLiteAppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "audit.db")

	db, err := Open(ctx, Config{Driver: DriverSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second migrate should be a no-op: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 applied migration, got %d", count)
	}
	if _, err := db.ExecContext(ctx, `SELECT sequence, payload FROM audit_entries`); err != nil {
		t.Fatalf("audit_entries missing: %v", err)
	}
	db.Close()
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "postgres", DSN: "x"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}
