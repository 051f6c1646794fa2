package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mandalaysoft/billing_backend/appctx"
	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/middlewares"
	"github.com/mandalaysoft/billing_backend/models"
	"github.com/mandalaysoft/billing_backend/stockfeed"
	"github.com/mandalaysoft/billing_backend/utils"
	"github.com/mandalaysoft/billing_backend/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("billing-backend")

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the platform considers the instance
	// healthy. Until the DB is ready, app endpoints return 503.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate app endpoints on DB readiness. Redis stays optional.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS
	// (comma-separated); elsewhere allow all for developer convenience.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// One stock feed per process: wired into the handlers here, closed in
	// the shutdown sequence below.
	feed := stockfeed.NewBroadcaster()

	r.POST("/api/login", loginHandler)

	api := r.Group("/api", middlewares.RequireAuth())
	{
		api.POST("/users", createUserHandler)

		api.POST("/products", createProductHandler)
		api.GET("/products", listProductsHandler)
		api.GET("/products/:id", getProductHandler)
		api.PUT("/products/:id", updateProductHandler)
		api.DELETE("/products/:id", deleteProductHandler)
		api.GET("/products/:id/history", productHistoryHandler)

		api.GET("/products/:id/stock", getStockHandler)
		api.POST("/products/:id/stock/entries", addStockEntryHandler(feed))
		api.PUT("/products/:id/stock/previous", setPreviousStockHandler(feed))

		api.POST("/customers", createCustomerHandler)
		api.GET("/customers", listCustomersHandler)
		api.GET("/customers/:id", getCustomerHandler)
		api.PUT("/customers/:id", updateCustomerHandler)
		api.DELETE("/customers/:id", deleteCustomerHandler)
		api.GET("/customers/:id/ledger", customerLedgerHandler)
		api.GET("/customers/:id/payments", listPaymentsHandler)
		api.POST("/customers/:id/payments", addPaymentHandler)

		api.POST("/bills", createBillHandler(feed))
		api.GET("/bills", listBillsHandler)
		api.GET("/bills/:id", getBillHandler)
		api.DELETE("/bills/:id", deleteBillHandler(feed))

		api.GET("/stock/feed", stockFeedHandler(feed))
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running it as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Cross-instance stock feed updates ride Redis pub/sub when available.
	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	defer cancelBridge()
	go feed.StartRedisBridge(bridgeCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/api")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	cancelBridge()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// the server stopped accepting requests; drop remaining feed subscribers
	feed.Close()

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// customErrorLogger logs only requests that recorded errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var validationErr *utils.ValidationError
	var notFoundErr *utils.NotFoundError
	var conflictErr *utils.ConflictError
	var partialErr *utils.PartialFailureError
	var fatalErr *utils.FatalInconsistencyError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Message})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundErr.Message})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{"error": conflictErr.Message})
	case errors.As(err, &partialErr):
		c.JSON(http.StatusConflict, gin.H{"error": partialErr.Error()})
	case errors.As(err, &fatalErr):
		c.JSON(http.StatusInternalServerError, gin.H{"error": fatalErr.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func loginHandler(c *gin.Context) {
	var input struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := models.Login(c.Request.Context(), input.Username, input.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func createUserHandler(c *gin.Context) {
	ctx := c.Request.Context()
	if isAdmin, _ := appctx.GetBool(ctx, appctx.ContextKeyIsAdmin); !isAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
		return
	}
	var input models.NewUser
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := models.CreateUser(ctx, &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func createProductHandler(c *gin.Context) {
	var input models.NewProduct
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	product, err := models.CreateProduct(c.Request.Context(), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func listProductsHandler(c *gin.Context) {
	var name *string
	if v := c.Query("name"); v != "" {
		name = &v
	}
	products, err := models.GetProducts(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func getProductHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	product, err := models.GetProduct(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func updateProductHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewProduct
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	product, err := models.UpdateProduct(c.Request.Context(), id, &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func deleteProductHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	product, err := models.DeleteProduct(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func productHistoryHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	history, err := models.GetProductHistory(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func getStockHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	stock, err := models.GetStock(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stock)
}

func addStockEntryHandler(feed *stockfeed.Broadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input models.NewStockEntry
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		stock, err := models.AddStockEntry(c.Request.Context(), id, &input)
		if err != nil {
			writeError(c, err)
			return
		}
		feed.Publish(c.Request.Context(), stockfeed.StockUpdate{
			ProductId:    id,
			CurrentStock: stock.CurrentStock,
		})
		c.JSON(http.StatusCreated, stock)
	}
}

func setPreviousStockHandler(feed *stockfeed.Broadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		var input struct {
			Amount int64 `json:"amount"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		stock, err := models.SetPreviousStock(c.Request.Context(), id, input.Amount)
		if err != nil {
			writeError(c, err)
			return
		}
		feed.Publish(c.Request.Context(), stockfeed.StockUpdate{
			ProductId:    id,
			CurrentStock: stock.CurrentStock,
		})
		c.JSON(http.StatusOK, stock)
	}
}

func createCustomerHandler(c *gin.Context) {
	var input models.NewCustomer
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	customer, err := models.CreateCustomer(c.Request.Context(), &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, customer)
}

func listCustomersHandler(c *gin.Context) {
	var name *string
	if v := c.Query("name"); v != "" {
		name = &v
	}
	customers, err := models.GetCustomers(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, customers)
}

func getCustomerHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	customer, err := models.GetCustomer(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func updateCustomerHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewCustomer
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	customer, err := models.UpdateCustomer(c.Request.Context(), id, &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func deleteCustomerHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	customer, err := models.DeleteCustomer(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func customerLedgerHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	ledger, err := models.GetCustomerLedger(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger)
}

func listPaymentsHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	payments, err := models.GetCustomerPayments(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payments)
}

func addPaymentHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input models.NewCustomerPayment
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payment, summary, err := workflow.AddPayment(c.Request.Context(), id, &input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": payment, "summary": summary})
}

func createBillHandler(feed *stockfeed.Broadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "CreateBill")
		defer span.End()

		var input models.NewBill
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		bill, err := workflow.CreateBill(ctx, feed, &input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, bill)
	}
}

func listBillsHandler(c *gin.Context) {
	var customerId *int
	if v := c.Query("customer_id"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid customer_id"})
			return
		}
		customerId = &parsed
	}
	bills, err := models.GetBills(c.Request.Context(), customerId)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bills)
}

func getBillHandler(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	bill, err := models.GetBill(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bill)
}

func deleteBillHandler(feed *stockfeed.Broadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		bill, err := workflow.DeleteBill(c.Request.Context(), feed, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, bill)
	}
}

// stockFeedHandler streams stock-level changes as server-sent events until
// the client disconnects. An optional product_id query narrows the stream to
// one product.
func stockFeedHandler(feed *stockfeed.Broadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		var updates <-chan stockfeed.StockUpdate
		var cancel func()
		if v := c.Query("product_id"); v != "" {
			productId, err := strconv.Atoi(v)
			if err != nil || productId <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product_id"})
				return
			}
			updates, cancel = feed.Subscribe(productId)
		} else {
			updates, cancel = feed.SubscribeAll()
		}
		defer cancel()

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		ctx := c.Request.Context()
		keepAlive := time.NewTicker(30 * time.Second)
		defer keepAlive.Stop()

		c.Stream(func(w io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case update, ok := <-updates:
				if !ok {
					return false
				}
				c.SSEvent("stock", update)
				return true
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				return true
			}
		})
	}
}
