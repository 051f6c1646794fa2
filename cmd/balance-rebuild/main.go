// balance-rebuild reposts cached customer balances from bill and payment
// history. Run it after manual data fixes or suspected drift; recomputation
// is idempotent, so rerunning is always safe.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/balance-rebuild [-customer-id N] [-dry-run]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/models"
	"github.com/shopspring/decimal"
)

func main() {
	customerID := flag.Int("customer-id", 0, "Optional: rebuild a single customer")
	dryRun := flag.Bool("dry-run", false, "Report drift without writing")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing customers and continue")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var ids []int
	if *customerID > 0 {
		ids = append(ids, *customerID)
	} else {
		if err := db.Model(&models.Customer{}).Order("id").Pluck("id", &ids).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to list customers: %v\n", err)
			os.Exit(1)
		}
	}

	var drifted, failed int
	for _, id := range ids {
		var before decimal.Decimal
		if err := db.Raw("SELECT remaining_amount FROM customers WHERE id = ?", id).
			Scan(&before).Error; err != nil {
			fmt.Fprintf(os.Stderr, "customer %d: lookup failed: %v\n", id, err)
			if !*continueOnError {
				os.Exit(1)
			}
			failed++
			continue
		}

		tx := db.Begin()
		summary, err := models.RecomputeCustomerBalance(tx, id)
		if err != nil {
			_ = tx.Rollback().Error
			fmt.Fprintf(os.Stderr, "customer %d: recompute failed: %v\n", id, err)
			if !*continueOnError {
				os.Exit(1)
			}
			failed++
			continue
		}
		if *dryRun {
			_ = tx.Rollback().Error
		} else if err := tx.Commit().Error; err != nil {
			fmt.Fprintf(os.Stderr, "customer %d: commit failed: %v\n", id, err)
			if !*continueOnError {
				os.Exit(1)
			}
			failed++
			continue
		}

		if !before.Equal(summary.TotalRemaining) {
			drifted++
			fmt.Printf("customer %d: %s -> %s\n", id, before, summary.TotalRemaining)
		}
	}

	action := "rebuilt"
	if *dryRun {
		action = "checked"
	}
	fmt.Printf("%s %d customers, %d drifted, %d failed\n", action, len(ids), drifted, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
