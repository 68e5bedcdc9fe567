package main

import (
	"context"
	"os"

	"github.com/safar/storefront/internal/config"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/logging"
	"github.com/safar/storefront/migrations"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New("storefront-migrate", cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if len(os.Args) < 2 {
		logger.Fatal("usage: migrate [up|down]")
	}
	direction := database.Direction(os.Args[1])

	ctx := context.Background()
	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()

	applied, err := database.Migrate(ctx, db, migrations.FS, direction)
	if err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}

	for _, name := range applied {
		logger.Info("applied migration", zap.String("file", name))
	}
	logger.Info("migrations complete",
		zap.Int("count", len(applied)),
		zap.String("direction", string(direction)),
	)
}
