// seed-admin creates or resets the admin console user.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/seed-admin -username billingAdmin -password '...'
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mandalaysoft/billing_backend/config"
	"github.com/mandalaysoft/billing_backend/models"
	"github.com/mandalaysoft/billing_backend/utils"
	"gorm.io/gorm"
)

func main() {
	username := flag.String("username", "billingAdmin", "admin username")
	password := flag.String("password", "", "Required: admin password")
	flag.Parse()

	if *password == "" {
		fmt.Fprintln(os.Stderr, "--password is required")
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	hashed, err := utils.HashPassword(*password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	var existing models.User
	err = db.WithContext(ctx).Where("username = ?", *username).First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
			os.Exit(1)
		}
		user := models.User{
			Username: *username,
			Password: string(hashed),
			Role:     models.UserRoleAdmin,
		}
		if err := db.WithContext(ctx).Create(&user).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("created admin user %q (id=%d)\n", *username, user.ID)
		return
	}

	err = db.WithContext(ctx).Model(&existing).
		Updates(map[string]interface{}{
			"Password": string(hashed),
			"Role":     models.UserRoleAdmin,
		}).Error
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("reset admin user %q (id=%d)\n", *username, existing.ID)
}
