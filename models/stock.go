package models

import (
	"context"
	"time"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Stock is one row per product, created lazily on first access.
// The running quantity is always derived:
//
//	current = previous_stock + SUM(stock_entries.amount) - billed_stock
//
// It is never stored, and it may go negative (billing has no floor).
type Stock struct {
	ID            int          `gorm:"primary_key" json:"id"`
	ProductId     int          `gorm:"uniqueIndex;not null" json:"product_id"`
	PreviousStock int64        `gorm:"not null;default:0" json:"previous_stock"`
	BilledStock   int64        `gorm:"not null;default:0" json:"billed_stock"`
	Entries       []StockEntry `gorm:"foreignKey:StockId" json:"entries"`
	CurrentStock  int64        `gorm:"-" json:"current_stock"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// StockEntry is an append-only manual stock addition.
type StockEntry struct {
	ID        int       `gorm:"primary_key" json:"id"`
	StockId   int       `gorm:"index;not null" json:"stock_id"`
	Amount    int64     `gorm:"not null" json:"amount"`
	EntryDate time.Time `gorm:"not null" json:"entry_date"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewStockEntry struct {
	Amount    int64      `json:"amount" binding:"required"`
	EntryDate *time.Time `json:"entry_date"`
}

// FirstOrCreateStock returns the product's stock row, creating a zero-baseline
// one when absent. Locked FOR UPDATE so concurrent bill and manual-entry
// writers serialize on the row.
func FirstOrCreateStock(tx *gorm.DB, productId int) (*Stock, error) {
	stock := Stock{ProductId: productId}
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("product_id = ?", productId).
		FirstOrCreate(&stock)
	if result.Error != nil {
		return nil, result.Error
	}
	return &stock, nil
}

// RecordBilledStock increments billed_stock by quantity in a single statement;
// concurrent bills touching the same product cannot lose updates.
func RecordBilledStock(tx *gorm.DB, productId int, quantity int64) error {
	stock, err := FirstOrCreateStock(tx, productId)
	if err != nil {
		return err
	}
	return tx.Exec("UPDATE stocks SET billed_stock = billed_stock + ? WHERE id = ?", quantity, stock.ID).Error
}

// ReverseBilledStock undoes a prior billed increment (bill deletion and
// saga compensation).
func ReverseBilledStock(tx *gorm.DB, productId int, quantity int64) error {
	stock, err := FirstOrCreateStock(tx, productId)
	if err != nil {
		return err
	}
	return tx.Exec("UPDATE stocks SET billed_stock = billed_stock - ? WHERE id = ?", quantity, stock.ID).Error
}

// CurrentStockTx computes the derived quantity inside an open transaction.
func CurrentStockTx(tx *gorm.DB, productId int) (int64, error) {
	var current *int64
	err := tx.Raw(`
SELECT s.previous_stock
	+ COALESCE((SELECT SUM(e.amount) FROM stock_entries e WHERE e.stock_id = s.id), 0)
	- s.billed_stock
FROM stocks s
WHERE s.product_id = ?`, productId).Scan(&current).Error
	if err != nil {
		return 0, err
	}
	if current == nil {
		// no stock row yet: everything is zero
		return 0, nil
	}
	return *current, nil
}

// CurrentStock is the read-path variant; recomputed on every call, never cached.
func CurrentStock(ctx context.Context, productId int) (int64, error) {
	db := config.GetDB()
	return CurrentStockTx(db.WithContext(ctx), productId)
}

// GetStock returns the product's stock with entries and the derived current
// quantity, creating a default row if absent.
func GetStock(ctx context.Context, productId int) (*Stock, error) {
	if err := utils.ValidateResourceId[Product](ctx, productId); err != nil {
		return nil, utils.NewNotFoundError("product not found")
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() { _ = tx.Rollback().Error }()

	stock, err := FirstOrCreateStock(tx, productId)
	if err != nil {
		return nil, err
	}
	if err := tx.Preload("Entries", func(db *gorm.DB) *gorm.DB {
		return db.Order("entry_date, id")
	}).First(stock, stock.ID).Error; err != nil {
		return nil, err
	}
	current, err := CurrentStockTx(tx, productId)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	stock.CurrentStock = current
	return stock, nil
}

// AddStockEntry appends an addition; the baseline and billed counters are
// untouched.
func AddStockEntry(ctx context.Context, productId int, input *NewStockEntry) (*Stock, error) {
	if input.Amount == 0 {
		return nil, utils.NewValidationError("amount is required")
	}
	if err := utils.ValidateResourceId[Product](ctx, productId); err != nil {
		return nil, utils.NewNotFoundError("product not found")
	}
	entryDate := utils.DereferencePtr(input.EntryDate, time.Now())

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() { _ = tx.Rollback().Error }()

	stock, err := FirstOrCreateStock(tx, productId)
	if err != nil {
		return nil, err
	}
	entry := StockEntry{
		StockId:   stock.ID,
		Amount:    input.Amount,
		EntryDate: entryDate,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return GetStock(ctx, productId)
}

// SetPreviousStock overwrites the manual baseline (absolute set, not delta).
func SetPreviousStock(ctx context.Context, productId int, amount int64) (*Stock, error) {
	if err := utils.ValidateResourceId[Product](ctx, productId); err != nil {
		return nil, utils.NewNotFoundError("product not found")
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() { _ = tx.Rollback().Error }()

	stock, err := FirstOrCreateStock(tx, productId)
	if err != nil {
		return nil, err
	}
	if err := tx.Model(&Stock{}).Where("id = ?", stock.ID).
		UpdateColumn("previous_stock", amount).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return GetStock(ctx, productId)
}
