package utils

import (
	"errors"
	"fmt"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Full Cream", "full cream"},
		{"  full   CREAM  ", "full cream"},
		{"Plain\tCake", "plain cake"},
		{"cake", "cake"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeName(c.in); got != c.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestUniqueSlice(t *testing.T) {
	got := UniqueSlice([]int{3, 1, 3, 2, 1})
	want := []int{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("UniqueSlice = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("UniqueSlice[%d] = %d, want %d (order must be preserved)", i, got[i], want[i])
		}
	}
}

func TestParseDecimal(t *testing.T) {
	v, err := ParseDecimal(" 12.50 ")
	if err != nil {
		t.Fatalf("ParseDecimal: %v", err)
	}
	if v.String() != "12.5" {
		t.Errorf("ParseDecimal = %s, want 12.5", v)
	}

	zero, err := ParseDecimal("")
	if err != nil {
		t.Fatalf("ParseDecimal empty: %v", err)
	}
	if !zero.IsZero() {
		t.Errorf("ParseDecimal(\"\") = %s, want 0", zero)
	}

	if _, err := ParseDecimal("abc"); err == nil {
		t.Error("ParseDecimal(\"abc\") accepted")
	}
}

func TestIsDuplicateKeyError(t *testing.T) {
	dup := &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if !IsDuplicateKeyError(dup) {
		t.Error("1062 not classified as duplicate key")
	}
	if !IsDuplicateKeyError(fmt.Errorf("create: %w", dup)) {
		t.Error("wrapped 1062 not classified as duplicate key")
	}
	if IsDuplicateKeyError(&mysqlDriver.MySQLError{Number: 1213, Message: "Deadlock"}) {
		t.Error("1213 classified as duplicate key")
	}
	if IsDuplicateKeyError(errors.New("plain")) {
		t.Error("plain error classified as duplicate key")
	}
	if IsDuplicateKeyError(nil) {
		t.Error("nil classified as duplicate key")
	}
}
