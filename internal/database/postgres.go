package database

import (
	"fmt"
	"log/slog"
	"time"

	"chat-gateway/internal/config"
	"chat-gateway/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func NewPostgresConnection(cfg config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		PrepareStmt:                              false,
		SkipDefaultTransaction:                   true,
		AllowGlobalUpdate:                        false,
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info("Postgres connection established", "host", cfg.Host, "database", cfg.DBName)
	return db, nil
}

// Migrate creates or updates the tables the gateway reads
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.User{},
		&models.Account{},
		&models.AccountSettings{},
		&models.Guild{},
		&models.GuildMember{},
		&models.Channel{},
		&models.InviteCode{},
		&models.AccountDeleteSchedule{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// a user appears at most once per guild
	if err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_guild_members_guild_user ON guild_members (guild_id, user_id)").Error; err != nil {
		return fmt.Errorf("failed to add indexes: %w", err)
	}
	return nil
}
