package main

import (
	"ListingLedger/internal/observability"
	"ListingLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list pending migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  LEDGER_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  LEDGER_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	pgURL := os.Getenv("LEDGER_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/listingledger?sslmode=disable"
	}

	migrationsDir := os.Getenv("LEDGER_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, migrationsDir, observability.NewLogger("migrate"))

	switch os.Args[1] {
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

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate status: %v", err)
		}
		if len(pending) == 0 {
			log.Println("INFO: schema is up to date")
			return
		}
		for _, f := range pending {
			fmt.Println("pending:", f)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
