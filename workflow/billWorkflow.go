package workflow

import (
	"context"

	"github.com/mandalaysoft/billing_backend/appctx"
	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/models"
	"github.com/mandalaysoft/billing_backend/stockfeed"
	"github.com/mandalaysoft/billing_backend/utils"
)

// appliedStockLine tracks a billed-stock increment that already committed, so
// compensation can reverse exactly what was applied.
type appliedStockLine struct {
	ProductId int
	Quantity  int64
}

// CreateBill runs the bill creation saga:
//
//  1. validate and price the bill
//  2. commit the bill with its reserved number (retrying number conflicts)
//  3. apply side effects: billed-stock increments, balance recompute
//
// The bill is durable before any side effect runs. If a side effect fails,
// the applied increments are reversed and the bill is deleted; the caller
// gets a PartialFailureError and the store is as if the call never happened.
// If that compensation itself fails the store is inconsistent and the error
// is a FatalInconsistencyError naming the bill.
func CreateBill(ctx context.Context, feed *stockfeed.Broadcaster, input *models.NewBill) (*models.Bill, error) {
	logger := config.GetLogger()

	products, err := input.Validate(ctx)
	if err != nil {
		return nil, err
	}
	bill := models.BuildBill(input, products)

	unlock, err := utils.CustomerLock(ctx, input.CustomerId, "billWorkflow.go", "CreateBill")
	if err != nil {
		return nil, err
	}
	defer unlock()

	db := config.GetDB()

	// commit the bill first; the number series increment shares the
	// transaction, so retryable failures never burn a number
	err = WithConflictRetry(ctx, func() error {
		tx := db.WithContext(ctx).Begin()
		defer func() { _ = tx.Rollback().Error }()

		if err := models.InsertBill(tx, bill); err != nil {
			return err
		}
		return tx.Commit().Error
	})
	if err != nil {
		config.LogError(logger, "billWorkflow.go", "CreateBill", "InsertBill", input, err)
		return nil, err
	}

	// the bill is durable now; side effects must finish even if the caller
	// goes away
	sideCtx := context.WithoutCancel(ctx)

	applied := make([]appliedStockLine, 0, len(bill.Details))
	sideErr := func() error {
		for _, detail := range bill.Details {
			err := WithConflictRetry(sideCtx, func() error {
				tx := db.WithContext(sideCtx).Begin()
				defer func() { _ = tx.Rollback().Error }()

				if err := models.RecordBilledStock(tx, detail.ProductId, detail.Quantity); err != nil {
					return err
				}
				return tx.Commit().Error
			})
			if err != nil {
				return &utils.PartialFailureError{Step: "RecordBilledStock", Err: err}
			}
			applied = append(applied, appliedStockLine{ProductId: detail.ProductId, Quantity: detail.Quantity})
		}

		if err := recomputeBalance(sideCtx, bill.CustomerId); err != nil {
			return &utils.PartialFailureError{Step: "RecomputeCustomerBalance", Err: err}
		}
		return nil
	}()

	if sideErr != nil {
		config.LogError(logger, "billWorkflow.go", "CreateBill", "side effects", bill.ID, sideErr)
		if err := compensateBill(sideCtx, bill, applied); err != nil {
			config.LogError(logger, "billWorkflow.go", "CreateBill", "compensation", bill.ID, err)
			return nil, &utils.FatalInconsistencyError{BillId: bill.ID, Err: err}
		}
		return nil, sideErr
	}

	// the write committed; cache invalidation failures must not turn it
	// into an error the caller would retry
	if err := utils.RemoveRedisList[models.Bill](); err != nil {
		config.LogError(logger, "billWorkflow.go", "CreateBill", "cache invalidation", bill.ID, err)
	}
	if err := utils.RemoveRedisItem[models.Customer](bill.CustomerId); err != nil {
		config.LogError(logger, "billWorkflow.go", "CreateBill", "cache invalidation", bill.CustomerId, err)
	}
	publishStockLevels(sideCtx, feed, bill)

	return bill, nil
}

// compensateBill reverses the committed saga steps: every applied stock
// increment comes back out and the bill rows are removed, restoring the
// pre-call state.
func compensateBill(ctx context.Context, bill *models.Bill, applied []appliedStockLine) error {
	db := config.GetDB()
	return WithConflictRetry(ctx, func() error {
		tx := db.WithContext(ctx).Begin()
		defer func() { _ = tx.Rollback().Error }()

		for _, line := range applied {
			if err := models.ReverseBilledStock(tx, line.ProductId, line.Quantity); err != nil {
				return err
			}
		}
		if err := models.DeleteBillRows(tx, bill.ID); err != nil {
			return err
		}
		if _, err := models.RecomputeCustomerBalance(tx, bill.CustomerId); err != nil {
			return err
		}
		return tx.Commit().Error
	})
}

// DeleteBill removes a bill and cascade-corrects the ledgers: billed stock is
// reversed for every line and the customer balance is recomputed, all in one
// transaction. Admin only.
func DeleteBill(ctx context.Context, feed *stockfeed.Broadcaster, billId int) (*models.Bill, error) {
	logger := config.GetLogger()

	if isAdmin, _ := appctx.GetBool(ctx, appctx.ContextKeyIsAdmin); !isAdmin {
		return nil, utils.NewValidationError("bill deletion requires an admin")
	}

	bill, err := utils.FetchModel[models.Bill](ctx, billId, "Details")
	if err != nil {
		return nil, err
	}

	unlock, err := utils.CustomerLock(ctx, bill.CustomerId, "billWorkflow.go", "DeleteBill")
	if err != nil {
		return nil, err
	}
	defer unlock()

	db := config.GetDB()
	err = WithConflictRetry(ctx, func() error {
		tx := db.WithContext(ctx).Begin()
		defer func() { _ = tx.Rollback().Error }()

		if err := AcquireCustomerPostingLock(tx, bill.CustomerId); err != nil {
			return err
		}
		defer ReleaseCustomerPostingLock(tx, bill.CustomerId)

		for _, detail := range bill.Details {
			if err := models.ReverseBilledStock(tx, detail.ProductId, detail.Quantity); err != nil {
				return err
			}
		}
		if err := models.DeleteBillRows(tx, billId); err != nil {
			return err
		}
		if _, err := models.RecomputeCustomerBalance(tx, bill.CustomerId); err != nil {
			return err
		}
		return tx.Commit().Error
	})
	if err != nil {
		config.LogError(logger, "billWorkflow.go", "DeleteBill", "delete transaction", billId, err)
		return nil, err
	}

	if err := utils.RemoveRedisBoth[models.Bill](billId); err != nil {
		config.LogError(logger, "billWorkflow.go", "DeleteBill", "cache invalidation", billId, err)
	}
	if err := utils.RemoveRedisItem[models.Customer](bill.CustomerId); err != nil {
		config.LogError(logger, "billWorkflow.go", "DeleteBill", "cache invalidation", bill.CustomerId, err)
	}
	publishStockLevels(ctx, feed, bill)

	return bill, nil
}

// recomputeBalance reposts the customer balance under the per-customer
// advisory lock, retrying transient conflicts like the other saga steps.
func recomputeBalance(ctx context.Context, customerId int) error {
	db := config.GetDB()
	return WithConflictRetry(ctx, func() error {
		tx := db.WithContext(ctx).Begin()
		defer func() { _ = tx.Rollback().Error }()

		if err := AcquireCustomerPostingLock(tx, customerId); err != nil {
			return err
		}
		defer ReleaseCustomerPostingLock(tx, customerId)

		if _, err := models.RecomputeCustomerBalance(tx, customerId); err != nil {
			return err
		}
		return tx.Commit().Error
	})
}

// publishStockLevels pushes the post-change stock level of every product on
// the bill to the feed. Best effort, never on the critical path.
func publishStockLevels(ctx context.Context, feed *stockfeed.Broadcaster, bill *models.Bill) {
	logger := config.GetLogger()
	seen := map[int]bool{}
	for _, detail := range bill.Details {
		if seen[detail.ProductId] {
			continue
		}
		seen[detail.ProductId] = true
		current, err := models.CurrentStock(ctx, detail.ProductId)
		if err != nil {
			config.LogError(logger, "billWorkflow.go", "publishStockLevels", "CurrentStock", detail.ProductId, err)
			continue
		}
		feed.Publish(ctx, stockfeed.StockUpdate{
			ProductId:    detail.ProductId,
			CurrentStock: current,
		})
	}
}
