package models

import (
	"context"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/utils"
	"github.com/shopspring/decimal"
)

// ProductHistory is a read projection: every bill line for one product plus
// aggregate stats. Always built from the live rows, never cached.
type ProductHistory struct {
	Product       *Product             `json:"product"`
	OrderCount    int64                `json:"order_count"`
	TotalQuantity int64                `json:"total_quantity"`
	TotalRevenue  decimal.Decimal      `json:"total_revenue"`
	CurrentStock  int64                `json:"current_stock"`
	Lines         []ProductHistoryLine `json:"lines"`
}

// ProductHistoryLine joins a bill line with its bill header for display.
type ProductHistoryLine struct {
	BillId       int             `json:"bill_id"`
	BillNumber   int64           `json:"bill_number"`
	CustomerId   int             `json:"customer_id"`
	CustomerName string          `json:"customer_name"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	SubTotal     decimal.Decimal `json:"sub_total"`
	BilledAt     string          `json:"billed_at"`
}

func GetProductHistory(ctx context.Context, productId int) (*ProductHistory, error) {
	product, err := GetProduct(ctx, productId)
	if err != nil {
		return nil, utils.NewNotFoundError("product not found")
	}

	db := config.GetDB()
	var lines []ProductHistoryLine
	// newest bill first
	err = db.WithContext(ctx).Raw(`
SELECT d.bill_id,
	b.bill_number,
	b.customer_id,
	c.name AS customer_name,
	d.quantity,
	d.price,
	d.sub_total,
	b.created_at AS billed_at
FROM bill_details d
JOIN bills b ON b.id = d.bill_id
JOIN customers c ON c.id = b.customer_id
WHERE d.product_id = ?
ORDER BY b.bill_number DESC`, productId).Scan(&lines).Error
	if err != nil {
		return nil, err
	}

	history := ProductHistory{
		Product: product,
		Lines:   lines,
	}
	seen := map[int]bool{}
	for _, line := range lines {
		if !seen[line.BillId] {
			seen[line.BillId] = true
			history.OrderCount++
		}
		history.TotalQuantity += line.Quantity
		history.TotalRevenue = history.TotalRevenue.Add(line.SubTotal)
	}

	current, err := CurrentStock(ctx, productId)
	if err != nil {
		return nil, err
	}
	history.CurrentStock = current
	return &history, nil
}
