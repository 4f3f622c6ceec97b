package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"aegis.org/internal/migrate"
	"aegis.org/internal/obs"
	"aegis.org/internal/store/pg"
)

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv("AEGIS_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (defaults to the embedded set)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds (defaults to the embedded set)")
		timeout        = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	logger, err := obs.NewLogger("development", os.Getenv("AEGIS_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or AEGIS_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		logger.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), dirOr(*migrationsPath, pg.Migrations()), dirOr(*seedsPath, pg.Seeds()))

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		logger.Fatal("unknown command", zap.String("command", flag.Arg(0)))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}

func dirOr(path string, embedded fs.FS) fs.FS {
	if path == "" {
		return embedded
	}
	return os.DirFS(path)
}
