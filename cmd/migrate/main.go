// Command migrate applies the embedded database migrations to the target
// Postgres instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tradekit/tradekit/internal/persistence/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	database := flag.String("database", os.Getenv("DATABASE_URL"), "Postgres connection string")
	timeout := flag.Duration("timeout", time.Minute, "Migration timeout")
	flag.Parse()

	if *database == "" {
		return fmt.Errorf("missing -database flag or DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	return migrations.Apply(ctx, *database)
}
