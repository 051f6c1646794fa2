package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mandalaysoft/billing_backend/appctx"
	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/models"
	"github.com/mandalaysoft/billing_backend/stockfeed"
	"github.com/mandalaysoft/billing_backend/utils"
	"github.com/mandalaysoft/billing_backend/workflow"
	"github.com/shopspring/decimal"
)

// activeRedisContainer names the Redis container of the running test so that
// outage tests can tear it down mid-flight. Tests in this package do not run
// in parallel.
var activeRedisContainer string

func setupIntegration(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	activeRedisContainer = redisName
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "billing_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = appctx.Set(ctx, appctx.ContextKeyUserId, 1)
	ctx = appctx.Set(ctx, appctx.ContextKeyUsername, "test@local")
	return ctx
}

func TestBillLifecycleUpdatesStockAndBalance(t *testing.T) {
	ctx := setupIntegration(t)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:     "Sponge Cake",
		Price:    decimal.NewFromInt(250),
		UnitType: models.ProductUnitTypePiece,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{
		Name:           "Daw Mya",
		PreviousAmount: decimal.NewFromInt(200),
	})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	if !customer.RemainingAmount.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("opening RemainingAmount = %s, want 200", customer.RemainingAmount)
	}

	// stock in: 10 + 5
	if _, err := models.AddStockEntry(ctx, product.ID, &models.NewStockEntry{Amount: 10}); err != nil {
		t.Fatalf("AddStockEntry: %v", err)
	}
	stock, err := models.AddStockEntry(ctx, product.ID, &models.NewStockEntry{Amount: 5})
	if err != nil {
		t.Fatalf("AddStockEntry: %v", err)
	}
	if stock.CurrentStock != 15 {
		t.Fatalf("CurrentStock = %d, want 15", stock.CurrentStock)
	}

	feed := stockfeed.NewBroadcaster()
	defer feed.Close()
	updates, cancelFeed := feed.Subscribe(product.ID)
	defer cancelFeed()

	// bill 3 pieces: stock 15-3=12, balance 200 + 750 = 950
	bill, err := workflow.CreateBill(ctx, feed, &models.NewBill{
		CustomerId: customer.ID,
		Details:    []models.NewBillDetail{{ProductId: product.ID, Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("CreateBill: %v", err)
	}
	if bill.BillNumber != 1 {
		t.Errorf("BillNumber = %d, want 1", bill.BillNumber)
	}
	if !bill.Total.Equal(decimal.NewFromInt(750)) {
		t.Errorf("Total = %s, want 750", bill.Total)
	}

	// the feed carries the post-bill stock level
	select {
	case update := <-updates:
		if update.ProductId != product.ID || update.CurrentStock != 12 {
			t.Errorf("feed update = %+v, want product %d at 12", update, product.ID)
		}
	case <-time.After(5 * time.Second):
		t.Error("no stock update on the feed after billing")
	}

	current, err := models.CurrentStock(ctx, product.ID)
	if err != nil {
		t.Fatalf("CurrentStock: %v", err)
	}
	if current != 12 {
		t.Errorf("stock after bill = %d, want 12", current)
	}

	customer, err = models.GetCustomer(ctx, customer.ID)
	if err != nil {
		t.Fatalf("GetCustomer: %v", err)
	}
	if !customer.RemainingAmount.Equal(decimal.NewFromInt(950)) {
		t.Errorf("RemainingAmount after bill = %s, want 950", customer.RemainingAmount)
	}

	// collection 600 -> remaining 350
	_, summary, err := workflow.AddPayment(ctx, customer.ID, &models.NewCustomerPayment{
		PaymentType: "Collection",
		Amount:      decimal.NewFromInt(600),
	})
	if err != nil {
		t.Fatalf("AddPayment: %v", err)
	}
	if !summary.TotalRemaining.Equal(decimal.NewFromInt(350)) {
		t.Errorf("summary TotalRemaining = %s, want 350", summary.TotalRemaining)
	}
	ledger, err := models.GetCustomerLedger(ctx, customer.ID)
	if err != nil {
		t.Fatalf("GetCustomerLedger: %v", err)
	}
	if !ledger.Summary.TotalRemaining.Equal(decimal.NewFromInt(350)) {
		t.Errorf("ledger TotalRemaining = %s, want 350", ledger.Summary.TotalRemaining)
	}
	if len(ledger.Bills) != 1 || len(ledger.Payments) != 1 {
		t.Errorf("ledger has %d bills / %d payments, want 1/1", len(ledger.Bills), len(ledger.Payments))
	}

	history, err := models.GetProductHistory(ctx, product.ID)
	if err != nil {
		t.Fatalf("GetProductHistory: %v", err)
	}
	if history.OrderCount != 1 || history.TotalQuantity != 3 {
		t.Errorf("history = %d orders / %d qty, want 1/3", history.OrderCount, history.TotalQuantity)
	}
	if !history.TotalRevenue.Equal(decimal.NewFromInt(750)) {
		t.Errorf("TotalRevenue = %s, want 750", history.TotalRevenue)
	}

	// deletion is admin-gated
	if _, err := workflow.DeleteBill(ctx, feed, bill.ID); err == nil {
		t.Fatal("DeleteBill succeeded without admin context")
	}
	adminCtx := appctx.Set(ctx, appctx.ContextKeyIsAdmin, true)
	if _, err := workflow.DeleteBill(adminCtx, feed, bill.ID); err != nil {
		t.Fatalf("DeleteBill: %v", err)
	}

	// cascade correction: stock back to 15, balance back to 200 - 600
	current, err = models.CurrentStock(ctx, product.ID)
	if err != nil {
		t.Fatalf("CurrentStock: %v", err)
	}
	if current != 15 {
		t.Errorf("stock after delete = %d, want 15", current)
	}
	customer, err = models.GetCustomer(ctx, customer.ID)
	if err != nil {
		t.Fatalf("GetCustomer: %v", err)
	}
	if !customer.RemainingAmount.Equal(decimal.NewFromInt(-400)) {
		t.Errorf("RemainingAmount after delete = %s, want -400", customer.RemainingAmount)
	}
}

func TestBillingAllowsNegativeStock(t *testing.T) {
	ctx := setupIntegration(t)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:     "Butter Bun",
		Price:    decimal.NewFromInt(100),
		UnitType: models.ProductUnitTypePiece,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "U Hla"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	// no stock at all; billing proceeds and the level goes negative
	if _, err := workflow.CreateBill(ctx, nil, &models.NewBill{
		CustomerId: customer.ID,
		Details:    []models.NewBillDetail{{ProductId: product.ID, Quantity: 4}},
	}); err != nil {
		t.Fatalf("CreateBill: %v", err)
	}

	current, err := models.CurrentStock(ctx, product.ID)
	if err != nil {
		t.Fatalf("CurrentStock: %v", err)
	}
	if current != -4 {
		t.Errorf("CurrentStock = %d, want -4", current)
	}
}

func TestConcurrentBillNumbersAreGaplessAndMonotonic(t *testing.T) {
	ctx := setupIntegration(t)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:     "Coconut Bread",
		Price:    decimal.NewFromInt(150),
		UnitType: models.ProductUnitTypeDozen,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "Ma Thuza"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := workflow.CreateBill(ctx, nil, &models.NewBill{
				CustomerId: customer.ID,
				Details:    []models.NewBillDetail{{ProductId: product.ID, Quantity: 1}},
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("CreateBill: %v", err)
		}
	}

	bills, err := models.GetBills(ctx, &customer.ID)
	if err != nil {
		t.Fatalf("GetBills: %v", err)
	}
	if len(bills) != workers {
		t.Fatalf("len(bills) = %d, want %d", len(bills), workers)
	}
	seen := map[int64]bool{}
	for _, b := range bills {
		if b.BillNumber < 1 || b.BillNumber > workers {
			t.Errorf("bill number %d outside 1..%d", b.BillNumber, workers)
		}
		if seen[b.BillNumber] {
			t.Errorf("duplicate bill number %d", b.BillNumber)
		}
		seen[b.BillNumber] = true
	}
}

func TestDuplicateProductNameRejected(t *testing.T) {
	ctx := setupIntegration(t)

	if _, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:     "Plain Cake",
		Price:    decimal.NewFromInt(500),
		UnitType: models.ProductUnitTypePiece,
	}); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	// same name modulo case and whitespace
	_, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:     "  plain   CAKE ",
		Price:    decimal.NewFromInt(600),
		UnitType: models.ProductUnitTypePiece,
	})
	if err == nil {
		t.Fatal("duplicate product name accepted")
	}
	var validationErr *utils.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("err = %T, want *utils.ValidationError", err)
	}
}

func TestCustomerBalanceRebuildRepairsDrift(t *testing.T) {
	ctx := setupIntegration(t)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:     "Cream Roll",
		Price:    decimal.NewFromInt(300),
		UnitType: models.ProductUnitTypePiece,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "Ko Zaw"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	if _, err := workflow.CreateBill(ctx, nil, &models.NewBill{
		CustomerId: customer.ID,
		Details:    []models.NewBillDetail{{ProductId: product.ID, Quantity: 2}},
	}); err != nil {
		t.Fatalf("CreateBill: %v", err)
	}

	// corrupt the cached balance behind the engine's back
	db := config.GetDB()
	if err := db.Model(&models.Customer{}).Where("id = ?", customer.ID).
		UpdateColumn("remaining_amount", decimal.NewFromInt(999999)).Error; err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}

	tx := db.Begin()
	summary, err := models.RecomputeCustomerBalance(tx, customer.ID)
	if err != nil {
		t.Fatalf("RecomputeCustomerBalance: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !summary.TotalRemaining.Equal(decimal.NewFromInt(600)) {
		t.Errorf("TotalRemaining = %s, want 600", summary.TotalRemaining)
	}

	var stored decimal.Decimal
	if err := db.Raw("SELECT remaining_amount FROM customers WHERE id = ?", customer.ID).
		Scan(&stored).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if !stored.Equal(decimal.NewFromInt(600)) {
		t.Errorf("stored remaining_amount = %s, want 600", stored)
	}
}

func TestBillCreationRollsBackWhenStockUpdateFails(t *testing.T) {
	ctx := setupIntegration(t)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:     "Milk Bread",
		Price:    decimal.NewFromInt(200),
		UnitType: models.ProductUnitTypePiece,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{
		Name:           "Daw Khin",
		PreviousAmount: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	if _, err := models.AddStockEntry(ctx, product.ID, &models.NewStockEntry{Amount: 7}); err != nil {
		t.Fatalf("AddStockEntry: %v", err)
	}

	// hide the stocks table so the billed-stock step fails after the bill
	// committed, forcing the rollback path
	db := config.GetDB()
	if err := db.Exec("RENAME TABLE stocks TO stocks_hidden").Error; err != nil {
		t.Fatalf("rename stocks: %v", err)
	}
	restored := false
	restore := func() {
		if !restored {
			restored = true
			if err := db.Exec("RENAME TABLE stocks_hidden TO stocks").Error; err != nil {
				t.Fatalf("restore stocks: %v", err)
			}
		}
	}
	defer restore()

	_, err = workflow.CreateBill(ctx, nil, &models.NewBill{
		CustomerId: customer.ID,
		Details:    []models.NewBillDetail{{ProductId: product.ID, Quantity: 2}},
	})
	if err == nil {
		t.Fatal("CreateBill succeeded with the stocks table missing")
	}
	var partialErr *utils.PartialFailureError
	if !errors.As(err, &partialErr) {
		t.Fatalf("err = %T (%v), want *utils.PartialFailureError", err, err)
	}
	restore()

	// the bill is gone and both ledgers read as if the call never happened
	bills, err := models.GetBills(ctx, &customer.ID)
	if err != nil {
		t.Fatalf("GetBills: %v", err)
	}
	if len(bills) != 0 {
		t.Errorf("len(bills) = %d after rollback, want 0", len(bills))
	}
	current, err := models.CurrentStock(ctx, product.ID)
	if err != nil {
		t.Fatalf("CurrentStock: %v", err)
	}
	if current != 7 {
		t.Errorf("CurrentStock = %d after rollback, want 7", current)
	}
	var stored decimal.Decimal
	if err := db.Raw("SELECT remaining_amount FROM customers WHERE id = ?", customer.ID).
		Scan(&stored).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if !stored.Equal(decimal.NewFromInt(100)) {
		t.Errorf("remaining_amount = %s after rollback, want 100", stored)
	}
}

func TestPaymentSurvivesRedisOutage(t *testing.T) {
	ctx := setupIntegration(t)

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{
		Name:           "U Tin",
		PreviousAmount: decimal.NewFromInt(200),
	})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	// Redis dies between setup and the payment; locking and cache
	// invalidation degrade, the payment still posts
	if err := dockerRmForce(activeRedisContainer); err != nil {
		t.Fatalf("stop redis: %v", err)
	}

	payment, summary, err := workflow.AddPayment(ctx, customer.ID, &models.NewCustomerPayment{
		PaymentType: "Collection",
		Amount:      decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("AddPayment with Redis down: %v", err)
	}
	if payment.ID == 0 {
		t.Error("payment not persisted")
	}
	if !summary.TotalRemaining.Equal(decimal.NewFromInt(150)) {
		t.Errorf("TotalRemaining = %s, want 150", summary.TotalRemaining)
	}

	var stored decimal.Decimal
	db := config.GetDB()
	if err := db.Raw("SELECT remaining_amount FROM customers WHERE id = ?", customer.ID).
		Scan(&stored).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if !stored.Equal(decimal.NewFromInt(150)) {
		t.Errorf("stored remaining_amount = %s, want 150", stored)
	}
}

func TestBusyCustomerLockReturnsConflict(t *testing.T) {
	ctx := setupIntegration(t)

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{Name: "Ma Aye"})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	// hold the customer's posting lock the way another instance would
	lock, err := config.GetRedisLock().Obtain(ctx, fmt.Sprintf("customer-posting:%d", customer.ID), time.Minute, nil)
	if err != nil {
		t.Fatalf("obtain lock: %v", err)
	}
	defer func() { _ = lock.Release(ctx) }()

	_, _, err = workflow.AddPayment(ctx, customer.ID, &models.NewCustomerPayment{
		PaymentType: "Collection",
		Amount:      decimal.NewFromInt(10),
	})
	if err == nil {
		t.Fatal("AddPayment succeeded while the customer lock was held")
	}
	var conflictErr *utils.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("err = %T (%v), want *utils.ConflictError", err, err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("billing-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("billing-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=billing_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
