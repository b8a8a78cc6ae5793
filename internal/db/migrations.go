package db

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: session summaries table with identity unique index.
		{
			ID: "001_session_summaries",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SummaryRecord{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("session_summaries")
			},
		},
	})
	return m.Migrate()
}
