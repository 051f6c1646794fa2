package models

import (
	"log"

	"github.com/mandalaysoft/billing_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Product{},
		&Stock{}, &StockEntry{},
		&Customer{}, &CustomerPayment{},
		&Bill{}, &BillDetail{}, &BillNumberSeries{},
		&User{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
