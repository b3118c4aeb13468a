package models

import (
	"log"

	"bitbucket.org/mmdatafocus/debts_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := Migrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// Migrate creates or updates the pipeline tables on db.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&FileMetadata{}, &FileRow{},
		&Debts{},
		&JobRecord{},
	)
}
