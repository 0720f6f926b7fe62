package postgres

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/muawin/muawin/internal/metadata"
	"github.com/muawin/muawin/internal/metadata/metadatatest"
)

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
}

func TestStore(t *testing.T) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres tests")
	}

	metadatatest.Run(t, func(t *testing.T) metadata.Store {
		s, err := New(dbURL)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := s.Migrate(migrationsDir()); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if _, err := s.db.Exec(`TRUNCATE files, scope_counters`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
