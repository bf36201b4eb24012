// Package migrations provides database migration management for the
// pipeline-run/batch-history store.
package migrations

import (
	"github.com/streamforge/live-media-service/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
	}
}

// migration001Schema creates the PipelineRun/BatchRecord tables using
// GORM AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create pipeline run and batch record tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.PipelineRun{},
				&models.BatchRecord{},
			)
		},
		Down: func(tx *gorm.DB) error {
			tables := []string{"batch_records", "pipeline_runs"}
			for _, table := range tables {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}
