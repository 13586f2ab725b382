package driver

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func TestParseDialect(t *testing.T) {
	cases := map[string]Dialect{
		"":           DialectSQLite,
		"sqlite":     DialectSQLite,
		"sqlite3":    DialectSQLite,
		"postgres":   DialectPostgres,
		"postgresql": DialectPostgres,
		"pg":         DialectPostgres,
	}
	for in, want := range cases {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Errorf("ParseDialect(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseDialect("oracle"); err == nil {
		t.Error("expected error for unknown dialect")
	}
}

func TestPlaceholders(t *testing.T) {
	if got := NewSQLite().Placeholder(3); got != "?" {
		t.Errorf("sqlite placeholder = %q", got)
	}
	if got := NewPostgres().Placeholder(3); got != "$3" {
		t.Errorf("postgres placeholder = %q", got)
	}
}

func TestSQLiteMigrateIdempotent(t *testing.T) {
	fsys := fstest.MapFS{
		"schema/sqlite/001_init.sql": &fstest.MapFile{
			Data: []byte("CREATE TABLE things (id TEXT PRIMARY KEY);"),
		},
		"schema/sqlite/002_more.sql": &fstest.MapFile{
			Data: []byte("ALTER TABLE things ADD COLUMN note TEXT;"),
		},
	}

	d := NewSQLite()
	if err := d.Open(filepath.Join(t.TempDir(), "store.db")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	if err := d.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Second run must skip already-applied versions.
	if err := d.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate rerun: %v", err)
	}

	if _, err := d.Exec(ctx, "INSERT INTO things (id, note) VALUES (?, ?)", "a", "b"); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}

	var n int
	if err := d.QueryRow(ctx, "SELECT COUNT(*) FROM _migrations").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 2 {
		t.Errorf("applied %d migrations, want 2", n)
	}
}

func TestSchemaVersion(t *testing.T) {
	if v := schemaVersion("001_init.sql"); v != 1 {
		t.Errorf("schemaVersion = %d", v)
	}
	if v := schemaVersion("012_leases.sql"); v != 12 {
		t.Errorf("schemaVersion = %d", v)
	}
}
