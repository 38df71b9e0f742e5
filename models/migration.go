package models

import (
	"log"

	"bitbucket.org/mmdatafocus/rollstock_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&LedgerEntry{},
		&ProductAttribute{},
		&SplitOutboxRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
