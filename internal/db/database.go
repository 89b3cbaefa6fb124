package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gmshoot-go/config"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database connection.
var DB *gorm.DB

// Initialize opens the SQLite database and migrates the schema.
func Initialize(cfg config.DBConfig) error {
	// Make sure the directory for the database file exists
	if cfg.File != "" {
		dbDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			log.Errorf("Failed to create database directory '%s': %v", dbDir, err)
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Route gorm logging through the configured logrus logger
	gormLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second * 2,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var err error
	log.Infof("Connecting to database: %s", cfg.File)

	DB, err = gorm.Open(sqlite.Open(cfg.File), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		log.Errorf("Failed to connect to database: %v", err)
		return fmt.Errorf("database connection failed: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // SQLite writes are single-connection anyway
	sqlDB.SetConnMaxLifetime(time.Hour)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if err := DB.Exec(pragma).Error; err != nil {
			log.Warnf("Failed to apply %s: %v", pragma, err)
		}
	}

	if err := Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}

	log.Info("Database initialized")
	return nil
}

// Migrate creates or updates the schema for all record types.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SessionRecord{},
		&ShotRecord{},
		&FrameRecord{},
		&SessionEventRecord{},
		&DeviceCredentialRecord{},
	)
}
