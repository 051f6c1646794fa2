package models

import (
	"context"
	"time"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/utils"
	"github.com/shopspring/decimal"
)

type Product struct {
	ID   int    `gorm:"primary_key" json:"id"`
	Name string `gorm:"size:100;not null" json:"name" binding:"required"`
	// NormalizedName backs duplicate detection: lowercased, whitespace
	// collapsed. The unique index lives here, not on Name.
	NormalizedName string          `gorm:"size:100;uniqueIndex;not null" json:"-"`
	Price          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	UnitType       ProductUnitType `gorm:"type:enum('Dozen','Piece');default:'Piece'" json:"unit_type"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name     string          `json:"name" binding:"required"`
	Price    decimal.Decimal `json:"price"`
	UnitType ProductUnitType `json:"unit_type" binding:"required"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewProduct) validate(ctx context.Context, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[Product](ctx, id); err != nil {
			return err
		}
	}
	if !input.UnitType.IsValid() {
		return utils.NewValidationError("invalid unit type %q", input.UnitType)
	}
	if input.Price.IsNegative() {
		return utils.NewValidationError("price must not be negative")
	}
	// duplicate name check is case/whitespace-insensitive
	if err := utils.ValidateUnique[Product](ctx, "normalized_name", utils.NormalizeName(input.Name), id); err != nil {
		return err
	}
	return nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	product := Product{
		Name:           input.Name,
		NormalizedName: utils.NormalizeName(input.Name),
		Price:          input.Price,
		UnitType:       input.UnitType,
	}

	db := config.GetDB()
	// db action; a concurrent create can still hit the unique index after
	// the pre-check passed
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		if utils.IsDuplicateKeyError(err) {
			return nil, utils.NewValidationError("duplicate name '%s'", input.Name)
		}
		return nil, err
	}
	invalidateCache("product.go", "CreateProduct", product.ID, utils.RemoveRedisList[Product]())
	return &product, nil
}

// UpdateProduct changes name/price/unit. Price and unit become immutable once
// a bill line references the product (bill lines carry their own snapshots,
// but history screens resolve the product row).
func UpdateProduct(ctx context.Context, id int, input *NewProduct) (*Product, error) {
	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}

	product, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return nil, err
	}

	referenced, err := utils.ResourceCountWhere[BillDetail](ctx, "product_id = ?", id)
	if err != nil {
		return nil, err
	}
	if referenced > 0 {
		if !product.Price.Equal(input.Price) || product.UnitType != input.UnitType {
			return nil, utils.NewValidationError("product is referenced by bills; price and unit type cannot change")
		}
	}

	db := config.GetDB()
	// db action
	if err := db.WithContext(ctx).Model(product).
		Updates(map[string]interface{}{
			"Name":           input.Name,
			"NormalizedName": utils.NormalizeName(input.Name),
			"Price":          input.Price,
			"UnitType":       input.UnitType,
		}).Error; err != nil {
		if utils.IsDuplicateKeyError(err) {
			return nil, utils.NewValidationError("duplicate name '%s'", input.Name)
		}
		return nil, err
	}
	invalidateCache("product.go", "UpdateProduct", id, utils.RemoveRedisBoth[Product](id))
	return product, nil
}

func DeleteProduct(ctx context.Context, id int) (*Product, error) {
	product, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return nil, err
	}

	// Do not delete if any bill references this product
	count, err := utils.ResourceCountWhere[BillDetail](ctx, "product_id = ?", id)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, utils.NewValidationError("product is used by bills")
	}

	db := config.GetDB()
	// db action
	if err := db.WithContext(ctx).Delete(product).Error; err != nil {
		return nil, err
	}
	invalidateCache("product.go", "DeleteProduct", id, utils.RemoveRedisBoth[Product](id))
	return product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	return GetResource[Product](ctx, id)
}

func GetProducts(ctx context.Context, name *string) ([]*Product, error) {
	db := config.GetDB()
	var results []*Product

	dbCtx := db.WithContext(ctx)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	// db query
	if err := dbCtx.Order("name").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
