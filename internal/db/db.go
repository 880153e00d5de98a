package db

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/peak1031/ppsync/internal/db/models"
)

// InitDB opens the database connection and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate all models
	if err := gdb.AutoMigrate(
		&models.OAuthToken{},
		&models.SyncLog{},
		&models.User{},
		&models.Contact{},
		&models.Exchange{},
		&models.Task{},
		&models.Invoice{},
		&models.Expense{},
	); err != nil {
		return nil, err
	}

	return gdb, nil
}
