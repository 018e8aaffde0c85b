package main

import (
	"log"

	"chat-gateway/internal/config"
	"chat-gateway/internal/database"
	"chat-gateway/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logr := logger.New(cfg.Log.Level, cfg.Log.Format)

	logr.Info("Starting database migration...")

	// connecting runs the auto-migration
	db, err := database.NewPostgresConnection(cfg.Database, logr)
	if err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("Failed to get database instance:", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		log.Fatal("Failed to ping database:", err)
	}

	logr.Info("Database migration completed successfully!")
}
