package models

import (
	"context"
	"time"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Bill is the sale document. Creation and deletion go through the workflow
// package; the functions here are the row-level pieces it composes.
type Bill struct {
	ID         int          `gorm:"primary_key" json:"id"`
	BillNumber int64        `gorm:"uniqueIndex;not null" json:"bill_number"`
	CustomerId int          `gorm:"index;not null" json:"customer_id"`
	Details    []BillDetail `gorm:"foreignKey:BillId" json:"details"`
	// AdditionalPrice is a flat charge added after the discount.
	AdditionalPrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"additional_price"`
	DiscountPercentage decimal.Decimal `gorm:"type:decimal(10,4);default:0" json:"discount_percentage"`
	// DiscountAmount is derived from the percentage and floored to a whole
	// currency unit at creation time.
	DiscountAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_amount"`
	Total          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BillDetail snapshots the product at sale time. Later product edits never
// rewrite a printed bill.
type BillDetail struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BillId      int             `gorm:"index;not null" json:"bill_id"`
	ProductId   int             `gorm:"index;not null" json:"product_id"`
	ProductName string          `gorm:"size:100;not null" json:"product_name"`
	UnitType    ProductUnitType `gorm:"type:enum('Dozen','Piece');not null" json:"unit_type"`
	Price       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"price"`
	Quantity    int64           `gorm:"not null" json:"quantity"`
	SubTotal    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"sub_total"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewBillDetail struct {
	ProductId int   `json:"product_id" binding:"required"`
	Quantity  int64 `json:"quantity" binding:"required"`
}

type NewBill struct {
	CustomerId         int             `json:"customer_id" binding:"required"`
	Details            []NewBillDetail `json:"details" binding:"required"`
	AdditionalPrice    decimal.Decimal `json:"additional_price"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
}

var oneHundred = decimal.NewFromInt(100)

// Validate checks the input and resolves the referenced products. Exported
// because the bill workflow drives validation before opening a transaction.
func (input *NewBill) Validate(ctx context.Context) (map[int]*Product, error) {
	if err := utils.ValidateResourceId[Customer](ctx, input.CustomerId); err != nil {
		return nil, utils.NewNotFoundError("customer not found")
	}
	if len(input.Details) == 0 {
		return nil, utils.NewValidationError("bill needs at least one line")
	}
	if input.DiscountPercentage.IsNegative() || input.DiscountPercentage.GreaterThan(oneHundred) {
		return nil, utils.NewValidationError("discount percentage must be between 0 and 100")
	}
	if input.AdditionalPrice.IsNegative() {
		return nil, utils.NewValidationError("additional price must not be negative")
	}

	productIds := make([]int, 0, len(input.Details))
	for _, d := range input.Details {
		if d.Quantity <= 0 {
			return nil, utils.NewValidationError("quantity must be greater than zero")
		}
		productIds = append(productIds, d.ProductId)
	}
	if err := utils.ValidateResourcesId[Product](ctx, utils.UniqueSlice(productIds)); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var products []*Product
	if err := db.WithContext(ctx).Where("id IN ?", productIds).Find(&products).Error; err != nil {
		return nil, err
	}
	byId := make(map[int]*Product, len(products))
	for _, p := range products {
		byId[p.ID] = p
	}
	return byId, nil
}

// BuildBill turns a validated input into an unsaved Bill with snapshot lines
// and computed totals. Pure except for the product lookup map.
//
//	sub_total = quantity x price
//	discount  = floor(sum(sub_total) x pct / 100)
//	total     = sum(sub_total) - discount + additional
func BuildBill(input *NewBill, products map[int]*Product) *Bill {
	bill := Bill{
		CustomerId:         input.CustomerId,
		AdditionalPrice:    input.AdditionalPrice,
		DiscountPercentage: input.DiscountPercentage,
	}

	subTotalSum := decimal.Zero
	for _, d := range input.Details {
		product := products[d.ProductId]
		subTotal := product.Price.Mul(decimal.NewFromInt(d.Quantity))
		bill.Details = append(bill.Details, BillDetail{
			ProductId:   product.ID,
			ProductName: product.Name,
			UnitType:    product.UnitType,
			Price:       product.Price,
			Quantity:    d.Quantity,
			SubTotal:    subTotal,
		})
		subTotalSum = subTotalSum.Add(subTotal)
	}

	bill.DiscountAmount = subTotalSum.Mul(input.DiscountPercentage).Div(oneHundred).Floor()
	bill.Total = subTotalSum.Sub(bill.DiscountAmount).Add(input.AdditionalPrice)
	return &bill
}

// InsertBill reserves the next bill number and writes the bill with its lines
// inside tx. The series increment shares the transaction, so a rollback takes
// the number back and the sequence stays gapless.
func InsertBill(tx *gorm.DB, bill *Bill) error {
	number, err := NextBillNumber(tx)
	if err != nil {
		return err
	}
	bill.BillNumber = number
	return tx.Create(bill).Error
}

// DeleteBillRows removes the bill and its lines inside tx.
func DeleteBillRows(tx *gorm.DB, billId int) error {
	if err := tx.Where("bill_id = ?", billId).Delete(&BillDetail{}).Error; err != nil {
		return err
	}
	return tx.Delete(&Bill{}, billId).Error
}

func GetBill(ctx context.Context, id int) (*Bill, error) {
	return GetResource[Bill](ctx, id, "Details")
}

func GetBills(ctx context.Context, customerId *int) ([]*Bill, error) {
	db := config.GetDB()
	var results []*Bill

	dbCtx := db.WithContext(ctx).Preload("Details")
	if customerId != nil && *customerId > 0 {
		dbCtx = dbCtx.Where("customer_id = ?", *customerId)
	}
	// db query
	if err := dbCtx.Order("bill_number DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
