package workflow

import (
	"context"
	"time"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/models"
	"github.com/mandalaysoft/billing_backend/utils"
)

// AddPayment appends one payment adjustment (Wastage, Less or Collection; the
// type only matters for reporting) and reposts the customer balance. Append
// and recompute share one transaction so a reader never sees a payment the
// balance does not reflect.
func AddPayment(ctx context.Context, customerId int, input *models.NewCustomerPayment) (*models.CustomerPayment, *models.BalanceSummary, error) {
	logger := config.GetLogger()

	paymentType, err := input.Validate()
	if err != nil {
		return nil, nil, err
	}
	if err := utils.ValidateResourceId[models.Customer](ctx, customerId); err != nil {
		return nil, nil, utils.NewNotFoundError("customer not found")
	}

	unlock, err := utils.CustomerLock(ctx, customerId, "paymentWorkflow.go", "AddPayment")
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	payment := models.CustomerPayment{
		CustomerId:  customerId,
		PaymentType: paymentType,
		Amount:      input.Amount,
		PaymentDate: utils.DereferencePtr(input.PaymentDate, time.Now()),
	}

	db := config.GetDB()
	var summary *models.BalanceSummary
	err = WithConflictRetry(ctx, func() error {
		tx := db.WithContext(ctx).Begin()
		defer func() { _ = tx.Rollback().Error }()

		if err := AcquireCustomerPostingLock(tx, customerId); err != nil {
			return err
		}
		defer ReleaseCustomerPostingLock(tx, customerId)

		if err := tx.Create(&payment).Error; err != nil {
			return err
		}
		recomputed, err := models.RecomputeCustomerBalance(tx, customerId)
		if err != nil {
			return err
		}
		summary = recomputed
		return tx.Commit().Error
	})
	if err != nil {
		config.LogError(logger, "paymentWorkflow.go", "AddPayment", "payment transaction", customerId, err)
		return nil, nil, err
	}

	// payment is committed; a failed cache invalidation is logged, not
	// returned, so the caller never retries a durable write
	if err := utils.RemoveRedisItem[models.Customer](customerId); err != nil {
		config.LogError(logger, "paymentWorkflow.go", "AddPayment", "cache invalidation", customerId, err)
	}
	return &payment, summary, nil
}
