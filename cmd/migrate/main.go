// Command migrate manages the archive database schema (session_violations
// and session_results). It is only needed when the Postgres archive is
// configured; the local SQLite state database migrates itself on startup.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/civiq/proctor-backend/internal/config"
)

func main() {
	dir := flag.String("path", "migrations", "directory containing migration files")
	flag.Parse()

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; the archive database is not configured")
	}

	m, err := migrate.New("file://"+*dir, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("opening migrations: %v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "up":
		run(m.Up, "up")
	case "down":
		run(m.Down, "down")
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			log.Fatalf("reading version: %v", err)
		}
		fmt.Printf("version %d (dirty=%t)\n", v, dirty)
	case "force":
		if len(args) < 2 {
			log.Fatal("force requires a version argument")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("invalid version %q: %v", args[1], err)
		}
		if err := m.Force(v); err != nil {
			log.Fatalf("force failed: %v", err)
		}
		fmt.Printf("forced version to %d\n", v)
	default:
		usage()
		os.Exit(2)
	}
}

func run(step func() error, name string) {
	if err := step(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("no change")
			return
		}
		log.Fatalf("%s failed: %v", name, err)
	}
	fmt.Printf("%s applied\n", name)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate [-path dir] up|down|version|force <version>")
	flag.PrintDefaults()
}
