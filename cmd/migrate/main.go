// Package main provides the room schema migration runner.
package main

import (
	"errors"
	"flag"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/cory-johannsen/quizhub/internal/config"
	"github.com/cory-johannsen/quizhub/internal/observability"
)

// migrateLogger adapts zap to migrate.Logger.
type migrateLogger struct {
	logger  *zap.SugaredLogger
	verbose bool
}

func (l migrateLogger) Printf(format string, v ...any) { l.logger.Infof(format, v...) }
func (l migrateLogger) Verbose() bool                  { return l.verbose }

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	source := flag.String("source", "file://migrations", "migration source URL")
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Store.Driver != "postgres" {
		logger.Info("store driver needs no migrations", zap.String("driver", cfg.Store.Driver))
		return
	}

	m, err := migrate.New(*source, cfg.Database.DSN())
	if err != nil {
		logger.Fatal("creating migrator", zap.String("source", *source), zap.Error(err))
	}
	defer m.Close()
	m.Log = migrateLogger{logger: logger.Sugar(), verbose: cfg.Logging.Level == "debug"}

	switch *direction {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	default:
		logger.Fatal("invalid direction, must be 'up' or 'down'", zap.String("direction", *direction))
	}

	noChange := errors.Is(err, migrate.ErrNoChange)
	if err != nil && !noChange {
		logger.Fatal("migration failed", zap.String("direction", *direction), zap.Error(err))
	}

	version, dirty, _ := m.Version()
	logger.Info("migration complete",
		zap.String("direction", *direction),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
		zap.Bool("changed", !noChange),
		zap.Duration("elapsed", time.Since(start)),
	)
}
