package models

import (
	"gorm.io/gorm"
)

// BillNumberSeries is a single-row counter backing bill numbering. The
// increment runs inside the bill-insert transaction, so the InnoDB row lock
// serializes concurrent creators and a rollback takes the reserved number
// back with it. Numbers are gapless and strictly increasing.
type BillNumberSeries struct {
	ID         int   `gorm:"primaryKey" json:"id"`
	NextNumber int64 `json:"next_number"`
}

// NextBillNumber reserves the next bill number inside tx. The first call
// seeds the series from the historical maximum so restoring a dump or
// migrating an existing dataset keeps the sequence continuous.
func NextBillNumber(tx *gorm.DB) (int64, error) {
	var seed int64
	err := tx.Raw("SELECT COALESCE(MAX(bill_number), 0) + 1 FROM bills").Scan(&seed).Error
	if err != nil {
		return 0, err
	}

	err = tx.Exec(`INSERT INTO bill_number_series (id, next_number)
		VALUES (1, LAST_INSERT_ID(?))
		ON DUPLICATE KEY UPDATE next_number = LAST_INSERT_ID(next_number + 1)`, seed).Error
	if err != nil {
		return 0, err
	}

	var number int64
	err = tx.Raw("SELECT LAST_INSERT_ID()").Scan(&number).Error
	if err != nil {
		return 0, err
	}
	return number, nil
}
