package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BalanceSummary is the customer-side ledger summary.
//
//	TotalRemaining = previous + TotalBillAmount - (Collection + Less + Wastage)
type BalanceSummary struct {
	TotalBillAmount decimal.Decimal `json:"total_bill_amount"`
	TotalCollection decimal.Decimal `json:"total_collection"`
	TotalWastage    decimal.Decimal `json:"total_wastage"`
	TotalLess       decimal.Decimal `json:"total_less"`
	TotalRemaining  decimal.Decimal `json:"total_remaining"`
}

// ComputeBalance is the single source of truth for a customer's balance.
// Pure reduction over the full history; every write path (bill creation,
// bill deletion, payment adjustment, rebuild tool) goes through it so the
// formula cannot drift between callers.
func ComputeBalance(previousAmount decimal.Decimal, billTotals []decimal.Decimal, payments []CustomerPayment) BalanceSummary {
	summary := BalanceSummary{}

	for _, total := range billTotals {
		summary.TotalBillAmount = summary.TotalBillAmount.Add(total)
	}
	for _, p := range payments {
		switch p.PaymentType {
		case PaymentTypeCollection:
			summary.TotalCollection = summary.TotalCollection.Add(p.Amount)
		case PaymentTypeLess:
			summary.TotalLess = summary.TotalLess.Add(p.Amount)
		case PaymentTypeWastage:
			summary.TotalWastage = summary.TotalWastage.Add(p.Amount)
		}
	}

	paid := summary.TotalCollection.Add(summary.TotalLess).Add(summary.TotalWastage)
	summary.TotalRemaining = previousAmount.Add(summary.TotalBillAmount).Sub(paid)
	return summary
}

// RecomputeCustomerBalance reloads the customer's full bill and payment
// history, reduces it with ComputeBalance, and persists the cached
// remaining_amount. Full recomputation over incremental updates: O(bills +
// payments) per write, but immune to drift.
func RecomputeCustomerBalance(tx *gorm.DB, customerId int) (*BalanceSummary, error) {
	var customer Customer
	if err := tx.First(&customer, customerId).Error; err != nil {
		return nil, err
	}

	var billTotals []decimal.Decimal
	if err := tx.Model(&Bill{}).
		Where("customer_id = ?", customerId).
		Order("id").
		Pluck("total", &billTotals).Error; err != nil {
		return nil, err
	}

	var payments []CustomerPayment
	if err := tx.Where("customer_id = ?", customerId).
		Order("payment_date, id").
		Find(&payments).Error; err != nil {
		return nil, err
	}

	summary := ComputeBalance(customer.PreviousAmount, billTotals, payments)

	if err := tx.Model(&Customer{}).Where("id = ?", customerId).
		UpdateColumn("remaining_amount", summary.TotalRemaining).Error; err != nil {
		return nil, err
	}
	return &summary, nil
}
