package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/migrate"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/obs"
	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/store/sqlstore"
)

func main() {
	log := obs.Logger()
	var (
		driver    = flag.String("driver", envOr("GYB_DB_DRIVER", sqlstore.DriverSQLite), "Database driver (sqlite or pgx)")
		dsn       = flag.String("dsn", os.Getenv("GYB_DB_DSN"), "Database DSN")
		seedsPath = flag.String("seeds", "", "Directory of SQL seed files")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or GYB_DB_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := sqlstore.Open(*driver, *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer store.Close()

	var opts []migrate.Option
	if *seedsPath != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(*seedsPath)))
	}
	mgr := store.Migrator(opts...)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("applied")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil && name != "" {
			log.Info().Str("migration", name).Msg("rolled back")
		}
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
		log.Fatal().Msgf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatal().Err(err).Msgf("migrate %s", flag.Arg(0))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
