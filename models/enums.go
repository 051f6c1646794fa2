package models

// Domain enums. Stored as MySQL enum columns; parsed case-insensitively at
// the input boundary.

import "strings"

type ProductUnitType string

const (
	ProductUnitTypeDozen ProductUnitType = "Dozen"
	ProductUnitTypePiece ProductUnitType = "Piece"
)

func (t ProductUnitType) IsValid() bool {
	switch t {
	case ProductUnitTypeDozen, ProductUnitTypePiece:
		return true
	}
	return false
}

func ParseProductUnitType(s string) (ProductUnitType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dozen":
		return ProductUnitTypeDozen, true
	case "piece":
		return ProductUnitTypePiece, true
	}
	return "", false
}

// PaymentType categorizes a payment adjustment. All three reduce the
// customer's remaining balance identically; the split exists for reporting.
type PaymentType string

const (
	PaymentTypeWastage    PaymentType = "Wastage"
	PaymentTypeLess       PaymentType = "Less"
	PaymentTypeCollection PaymentType = "Collection"
)

func (t PaymentType) IsValid() bool {
	switch t {
	case PaymentTypeWastage, PaymentTypeLess, PaymentTypeCollection:
		return true
	}
	return false
}

func ParsePaymentType(s string) (PaymentType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wastage":
		return PaymentTypeWastage, true
	case "less":
		return PaymentTypeLess, true
	case "collection":
		return PaymentTypeCollection, true
	}
	return "", false
}

type UserRole string

const (
	UserRoleAdmin UserRole = "Admin"
	UserRoleStaff UserRole = "Staff"
)

func (r UserRole) IsValid() bool {
	switch r {
	case UserRoleAdmin, UserRoleStaff:
		return true
	}
	return false
}
