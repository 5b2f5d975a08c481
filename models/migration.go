package models

import (
	"bitbucket.org/mmdatafocus/ge_backend/config"
)

func MigrateTable() error {
	db := config.GetDB()

	return db.AutoMigrate(
		&BudgetLine{},
		&GERequest{}, &GERequestStage{}, &GERequestApproval{}, &Document{},
		&Commitment{},
		&PaymentVoucher{},
		&DocumentNumberSeries{},
		&History{},
		&IdempotencyKey{},
		&NotificationRecord{},
		&ReconciliationReport{},
	)
}
