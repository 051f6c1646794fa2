package models

import (
	"context"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/utils"
	"github.com/shopspring/decimal"
)

// CustomerLedger is a read projection: the customer's bills and payments with
// the balance summary recomputed from the same rows. The cached
// remaining_amount on the customer row is not trusted here.
type CustomerLedger struct {
	Customer *Customer          `json:"customer"`
	Summary  BalanceSummary     `json:"summary"`
	Bills    []*Bill            `json:"bills"`
	Payments []*CustomerPayment `json:"payments"`
}

func GetCustomerLedger(ctx context.Context, customerId int) (*CustomerLedger, error) {
	customer, err := GetCustomer(ctx, customerId)
	if err != nil {
		return nil, utils.NewNotFoundError("customer not found")
	}

	db := config.GetDB()
	var bills []*Bill
	// newest first for display
	if err := db.WithContext(ctx).Preload("Details").
		Where("customer_id = ?", customerId).
		Order("bill_number DESC").
		Find(&bills).Error; err != nil {
		return nil, err
	}

	payments, err := GetCustomerPayments(ctx, customerId)
	if err != nil {
		return nil, err
	}

	billTotals := make([]decimal.Decimal, 0, len(bills))
	for _, b := range bills {
		billTotals = append(billTotals, b.Total)
	}
	paymentValues := make([]CustomerPayment, 0, len(payments))
	for _, p := range payments {
		paymentValues = append(paymentValues, *p)
	}

	return &CustomerLedger{
		Customer: customer,
		Summary:  ComputeBalance(customer.PreviousAmount, billTotals, paymentValues),
		Bills:    bills,
		Payments: payments,
	}, nil
}
