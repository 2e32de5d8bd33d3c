package database

import (
	"fmt"
	"time"

	"inbox-service/config"
	"inbox-service/model"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func PostgresConnect() (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.String("POSTGRES_HOST", "localhost"),
		config.String("POSTGRES_PORT", "5432"),
		config.Config("POSTGRES_USER"),
		config.Config("POSTGRES_PASSWORD"),
		config.Config("POSTGRES_DB"),
		config.String("POSTGRES_SSLMODE", "disable"),
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(config.Int("POSTGRES_MAX_OPEN_CONNS", 25))
	sqlDB.SetMaxIdleConns(config.Int("POSTGRES_MAX_IDLE_CONNS", 10))
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// Migrate creates or updates the tables used by the ingestion pipeline.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Workspace{},
		&model.Instance{},
		&model.Contact{},
		&model.Chat{},
		&model.Message{},
		&model.Webhook{},
	)
}
