package store

import (
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
)

func TestEmbeddedMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	fsys, err := MigrationsFS("")
	if err != nil {
		t.Fatalf("open migrations: %v", err)
	}

	ups, err := listMigrations(fsys, "up")
	if err != nil {
		t.Fatalf("list up migrations: %v", err)
	}
	downs, err := listMigrations(fsys, "down")
	if err != nil {
		t.Fatalf("list down migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	if len(ups) != len(downs) {
		t.Fatalf("expected matching up and down files, got %d up and %d down", len(ups), len(downs))
	}

	seen := map[int]bool{}
	for i, up := range ups {
		if seen[up.version] {
			t.Fatalf("duplicate up migration for version %d", up.version)
		}
		seen[up.version] = true
		if downs[i].version != up.version {
			t.Fatalf("version %d has no down file", up.version)
		}
		if want := strings.TrimSuffix(up.name, ".up.sql") + ".down.sql"; downs[i].name != want {
			t.Fatalf("expected %s, got %s", want, downs[i].name)
		}
		body, err := fs.ReadFile(fsys, up.name)
		if err != nil {
			t.Fatalf("read %s: %v", up.name, err)
		}
		if strings.TrimSpace(string(body)) == "" {
			t.Fatalf("%s is empty", up.name)
		}
	}
}

func TestListMigrationsOrdersByNumericVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"10_late.up.sql":      {Data: []byte("SELECT 10;")},
		"2_early.up.sql":      {Data: []byte("SELECT 2;")},
		"2_early.down.sql":    {Data: []byte("SELECT -2;")},
		"README.md":           {Data: []byte("notes")},
		"0001_first.up.sql":   {Data: []byte("SELECT 1;")},
		"nested/3_x.up.sql":   {Data: []byte("SELECT 3;")},
		"0004_noext.up.sqlx":  {Data: []byte("SELECT 4;")},
		"bad_name.up.sql":     {Data: []byte("SELECT 0;")},
		"0005_final.down.sql": {Data: []byte("SELECT -5;")},
	}

	ups, err := listMigrations(fsys, "up")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	var names []string
	for _, m := range ups {
		names = append(names, m.name)
	}
	want := "0001_first.up.sql,2_early.up.sql,10_late.up.sql"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestMigrationsFSReadsOverrideDirectory(t *testing.T) {
	fsys, err := MigrationsFS(t.TempDir())
	if err != nil {
		t.Fatalf("open migrations: %v", err)
	}
	ups, err := listMigrations(fsys, "up")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(ups) != 0 {
		t.Fatalf("expected an empty override directory, got %d files", len(ups))
	}
}
