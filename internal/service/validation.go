package service

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"billsync/backend/internal/domain"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrDuplicateBillNumber = errors.New("bill number already exists")
)

// ValidationError maps json field names to a human readable message.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type billRules struct {
	BillNumber    string    `json:"bill_number" validate:"required,max=32"`
	Date          time.Time `json:"date" validate:"required"`
	Vendor        string    `json:"vendor" validate:"required,max=120"`
	Notes         string    `json:"notes" validate:"max=500"`
	Status        string    `json:"status" validate:"required,oneof=active archived returned"`
	TotalQuantity float64   `json:"total_quantity" validate:"gte=0"`
	TotalAmount   float64   `json:"total_amount" validate:"gte=0"`
	ProductCount  int       `json:"product_count" validate:"gte=0"`
}

type productRules struct {
	ProductName   string  `json:"product_name" validate:"required,max=120"`
	Category      string  `json:"category" validate:"max=60"`
	Vendor        string  `json:"vendor" validate:"max=120"`
	BillNumber    string  `json:"bill_number" validate:"max=32"`
	MRP           float64 `json:"mrp" validate:"gte=0"`
	TotalQuantity float64 `json:"total_quantity" validate:"gte=0"`
	TotalAmount   float64 `json:"total_amount" validate:"gte=0"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Profit may legitimately be negative when goods are sold under cost, so it
// carries no rule.
func validateBill(v *validator.Validate, b domain.Bill) error {
	return check(v, billRules{
		BillNumber:    b.BillNumber,
		Date:          b.Date,
		Vendor:        b.Vendor,
		Notes:         b.Notes,
		Status:        string(b.Status),
		TotalQuantity: b.TotalQuantity,
		TotalAmount:   b.TotalAmount,
		ProductCount:  b.ProductCount,
	})
}

func validateProduct(v *validator.Validate, p domain.Product) error {
	return check(v, productRules{
		ProductName:   p.ProductName,
		Category:      p.Category,
		Vendor:        p.Vendor,
		BillNumber:    p.BillNumber,
		MRP:           p.MRP,
		TotalQuantity: p.TotalQuantity,
		TotalAmount:   p.TotalAmount,
	})
}

func check(v *validator.Validate, rules any) error {
	err := v.Struct(rules)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = message(fe)
	}
	return &ValidationError{Fields: fields}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return "must not be negative"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	}
	return "is invalid"
}
