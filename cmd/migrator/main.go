package main

import (
	"context"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"astrograph/pkg/ledger"
	"astrograph/pkg/store"
)

type migratorDB interface {
	ledger.MigrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDB, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfigFromEnv())
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if _, err := ledger.Migrate(ctx, pool, migrationsFS(os.Getenv("MIGRATIONS_DIR")), log.Printf); err != nil {
		logFatalf("migration: %v", err)
	}
}

// migrationsFS serves the embedded schema unless dir points at an override.
func migrationsFS(dir string) fs.FS {
	if dir = strings.TrimSpace(dir); dir != "" {
		return os.DirFS(dir)
	}
	return ledger.Migrations()
}
