package models

import (
	"context"
	"os"
	"time"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/utils"
	"github.com/shopspring/decimal"
)

type Customer struct {
	ID      int    `gorm:"primary_key" json:"id"`
	Name    string `gorm:"size:100;not null" json:"name" binding:"required"`
	Mobile  string `gorm:"size:20" json:"mobile"`
	Address string `gorm:"size:255" json:"address"`
	// PreviousAmount is the manually entered opening balance.
	PreviousAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"previous_amount"`
	// RemainingAmount is a cached derived value; RecomputeCustomerBalance is
	// the only writer.
	RemainingAmount decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"remaining_amount"`
	Bills           []Bill            `gorm:"foreignKey:CustomerId" json:"bills,omitempty"`
	Payments        []CustomerPayment `gorm:"foreignKey:CustomerId" json:"payments,omitempty"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCustomer struct {
	Name           string          `json:"name" binding:"required"`
	Mobile         string          `json:"mobile"`
	Address        string          `json:"address"`
	PreviousAmount decimal.Decimal `json:"previous_amount"`
}

// validate input for both create & update. (id = 0 for create)
func (input *NewCustomer) validate(ctx context.Context, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[Customer](ctx, id); err != nil {
			return err
		}
	}
	if input.Mobile != "" {
		region := os.Getenv("PHONE_REGION")
		if region == "" {
			region = "MM"
		}
		if err := utils.ValidatePhoneNumber(input.Mobile, region); err != nil {
			return utils.NewValidationError("invalid mobile number")
		}
	}
	return nil
}

func CreateCustomer(ctx context.Context, input *NewCustomer) (*Customer, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	customer := Customer{
		Name:           input.Name,
		Mobile:         input.Mobile,
		Address:        input.Address,
		PreviousAmount: input.PreviousAmount,
		// no bills or payments yet: remaining balance equals the opening one
		RemainingAmount: input.PreviousAmount,
	}

	db := config.GetDB()
	// db action
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	invalidateCache("customer.go", "CreateCustomer", customer.ID, utils.RemoveRedisList[Customer]())
	return &customer, nil
}

func UpdateCustomer(ctx context.Context, id int, input *NewCustomer) (*Customer, error) {
	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}

	customer, err := utils.FetchModel[Customer](ctx, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() { _ = tx.Rollback().Error }()

	if err := tx.Model(customer).
		Updates(map[string]interface{}{
			"Name":           input.Name,
			"Mobile":         input.Mobile,
			"Address":        input.Address,
			"PreviousAmount": input.PreviousAmount,
		}).Error; err != nil {
		return nil, err
	}
	// opening balance feeds the derived balance; keep the cache honest
	if _, err := RecomputeCustomerBalance(tx, id); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	invalidateCache("customer.go", "UpdateCustomer", id, utils.RemoveRedisBoth[Customer](id))
	return utils.FetchModel[Customer](ctx, id)
}

func DeleteCustomer(ctx context.Context, id int) (*Customer, error) {
	customer, err := utils.FetchModel[Customer](ctx, id)
	if err != nil {
		return nil, err
	}

	// Do not delete while ledger history exists
	billCount, err := utils.ResourceCountWhere[Bill](ctx, "customer_id = ?", id)
	if err != nil {
		return nil, err
	}
	paymentCount, err := utils.ResourceCountWhere[CustomerPayment](ctx, "customer_id = ?", id)
	if err != nil {
		return nil, err
	}
	if billCount > 0 || paymentCount > 0 {
		return nil, utils.NewValidationError("customer has bills or payments")
	}

	db := config.GetDB()
	// db action
	if err := db.WithContext(ctx).Delete(customer).Error; err != nil {
		return nil, err
	}
	invalidateCache("customer.go", "DeleteCustomer", id, utils.RemoveRedisBoth[Customer](id))
	return customer, nil
}

func GetCustomer(ctx context.Context, id int) (*Customer, error) {
	return GetResource[Customer](ctx, id)
}

func GetCustomers(ctx context.Context, name *string) ([]*Customer, error) {
	db := config.GetDB()
	var results []*Customer

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
