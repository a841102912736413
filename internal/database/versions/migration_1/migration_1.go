package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type StepRun struct {
	Progress int `gorm:"default:0"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&StepRun{}, "progress"); err != nil {
		return fmt.Errorf("error adding progress column: %w", err)
	}

	if err := db.Model(&StepRun{}).
		Where("progress IS NULL").
		Update("progress", 0).Error; err != nil {
		return fmt.Errorf("error setting default value for progress: %w", err)
	}

	// Finished steps always report full progress.
	if err := db.Model(&StepRun{}).
		Where("status = ?", "Success").
		Update("progress", 100).Error; err != nil {
		return fmt.Errorf("error backfilling progress: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&StepRun{}, "progress"); err != nil {
		return fmt.Errorf("error dropping progress column: %w", err)
	}

	return nil
}
