package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"context"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/mandalaysoft/billing_backend/config"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

func ValidatePhoneNumber(phoneNumber, countryCode string) error {
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return err
	}

	if !libphonenumber.IsValidNumber(p) {
		return fmt.Errorf("phone number is not valid")
	}

	return nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeName lowercases and collapses interior whitespace so that
// "Full Cream  " and "full cream" count as duplicates.
func NormalizeName(name string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), " ")
}

func ProcessValidationErrors(err error) map[string]string {

	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]bool)
	result := []T{}

	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	var def T
	if len(defaults) > 0 {
		def = defaults[0]
	}
	return def
}

func ParseDecimal(value string) (decimal.Decimal, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v)
}

// CustomerLock obtains a best-effort Redis lock scoped to one customer's
// balance posting. Correctness never depends on it (row updates are atomic
// and recomputation is idempotent); it only reduces write contention.
// Returns a release func; both are nil-safe when Redis is absent.
func CustomerLock(ctx context.Context, customerId int, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("customer-posting:%d", customerId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for customer", customerId, err)
		return nil, NewConflictError(err)
	} else if err != nil {
		// Redis down: the lock only reduces contention, so carry on without it
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for customer", customerId, err)
		return func() {}, nil
	}
	return func() { _ = lock.Release(ctx) }, nil
}
