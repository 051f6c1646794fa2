package models

import (
	"context"
	"time"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/utils"
	"github.com/shopspring/decimal"
)

// CustomerPayment is an append-only payment-adjustment entry. Wastage, Less
// and Collection all reduce the remaining balance the same way.
type CustomerPayment struct {
	ID          int             `gorm:"primary_key" json:"id"`
	CustomerId  int             `gorm:"index;not null" json:"customer_id" binding:"required"`
	PaymentType PaymentType     `gorm:"type:enum('Wastage','Less','Collection');not null" json:"payment_type" binding:"required"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount" binding:"required"`
	PaymentDate time.Time       `gorm:"not null" json:"payment_date"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewCustomerPayment struct {
	PaymentType string          `json:"payment_type" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	PaymentDate *time.Time      `json:"payment_date"`
}

// Validate parses the payment type and checks the amount; exported because
// the payment workflow validates before opening a transaction.
func (input *NewCustomerPayment) Validate() (PaymentType, error) {
	paymentType, ok := ParsePaymentType(input.PaymentType)
	if !ok {
		return "", utils.NewValidationError("unknown payment type %q", input.PaymentType)
	}
	if !input.Amount.IsPositive() {
		return "", utils.NewValidationError("amount must be greater than zero")
	}
	return paymentType, nil
}

func GetCustomerPayments(ctx context.Context, customerId int) ([]*CustomerPayment, error) {
	db := config.GetDB()
	var results []*CustomerPayment
	// db query
	if err := db.WithContext(ctx).
		Where("customer_id = ?", customerId).
		Order("payment_date, id").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
