package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates every table this service owns.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&AccountOwner{}, &Account{}, &Transaction{},
		&ChangeEventRecord{},
		&ReconciliationReport{},
	)
}
