// Package db opens the postgres connection backing the document registry.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/config"
	"hcc.evalgo.org/models"
)

// Connect opens a gorm handle with the configured pool settings and, when
// enabled, migrates the registry schema.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 100
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}

	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(lifetime)

	if cfg.AutoMigrate {
		if err := Migrate(gdb); err != nil {
			return nil, err
		}
	}

	common.Logger.Info("Connected to postgres registry database")
	return gdb, nil
}

// Migrate creates or updates the registry tables.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&models.Document{}, &models.ProcessingLog{}); err != nil {
		return fmt.Errorf("failed to migrate registry schema: %w", err)
	}
	return nil
}
