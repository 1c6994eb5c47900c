package migrate

import (
	"path/filepath"
	"testing"

	"leadline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "leadline.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		if err := Migrate(conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	current, latest, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if latest < 2 || current != latest {
		t.Fatalf("expected schema at latest, got current=%d latest=%d", current, latest)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("expected one schema_version row, got %d (%v)", n, err)
	}
}

func TestLoadMigrationsOrdered(t *testing.T) {
	ms, err := loadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i := 1; i < len(ms); i++ {
		if ms[i-1].Version >= ms[i].Version {
			t.Fatalf("migrations out of order: %s before %s", ms[i-1].Name, ms[i].Name)
		}
	}
}
