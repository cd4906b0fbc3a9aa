// migrate applies or rolls back the Postgres schema migrations without
// starting the full service.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/UnlockdFinance/unlockd-ledger/internal/config"
	"github.com/UnlockdFinance/unlockd-ledger/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	configPath := flag.String("config", os.Getenv("ULEND_CONFIG"), "path to TOML config file")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: migrate [-config file] <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  ULEND_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  ULEND_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", flag.Arg(0))
		os.Exit(1)
	}
}
