package main

import (
	"context"
	"database/sql"
	"embed"
	"flag"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gatekit.org/internal/migrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

func main() {
	dsn := flag.String("dsn", os.Getenv("GATEKIT_PG_DSN"), "postgres dsn")
	status := flag.Bool("status", false, "print applied migrations and exit")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("dsn is required (flag -dsn or GATEKIT_PG_DSN)")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	runner := migrate.NewRunner(db)

	if *status {
		applied, err := runner.Status(ctx)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		for _, name := range applied {
			log.Println(name)
		}
		return
	}

	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		log.Fatalf("migrations fs: %v", err)
	}
	if err := runner.Apply(ctx, sub); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("migrations applied")
}
