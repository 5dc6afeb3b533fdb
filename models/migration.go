package models

import (
	"log"

	"bitbucket.org/mmdatafocus/reno_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Project{}, &Property{},
		&SyncRunRecord{}, &SyncErrorRecord{},
		&WebhookEventRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
