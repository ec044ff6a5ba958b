package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"billsync/backend/internal/domain"
)

type FilterOp string

const (
	OpEq     FilterOp = "=="
	OpGte    FilterOp = ">="
	OpLte    FilterOp = "<="
	OpSearch FilterOp = "search"
)

type Filter struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value"`
}

type Query struct {
	Filters []Filter `json:"filters,omitempty"`
	OrderBy string   `json:"order_by,omitempty"`
	Desc    bool     `json:"desc,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	// Cursor is the id of the last document of the previous page.
	Cursor string `json:"cursor,omitempty"`
}

func Where(field string, op FilterOp, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

func ByID(id string) Query {
	return Query{Filters: []Filter{Where("id", OpEq, id)}}
}

func ProductsOfBill(billID string) Query {
	return Query{Filters: []Filter{Where("bill_id", OpEq, billID)}, OrderBy: "created_at"}
}

const defaultOrderBy = "created_at"

var billFields = map[string]bool{
	"id": true, "bill_number": true, "vendor": true, "status": true, "date": true,
	"total_amount": true, "created_at": true, "updated_at": true,
}

var productFields = map[string]bool{
	"id": true, "bill_id": true, "bill_number": true, "product_name": true, "category": true,
	"vendor": true, "mrp": true, "total_amount": true, "created_at": true, "updated_at": true,
}

func fieldsFor(kind domain.EntityKind) map[string]bool {
	if kind == domain.KindBill {
		return billFields
	}
	return productFields
}

// Validate rejects filters or sort fields the store does not index.
func (q Query) Validate(kind domain.EntityKind) error {
	allowed := fieldsFor(kind)
	for _, f := range q.Filters {
		switch f.Op {
		case OpSearch:
			if _, ok := f.Value.(string); !ok {
				return fmt.Errorf("%w: search value must be a string", ErrInvalidQuery)
			}
			continue
		case OpEq, OpGte, OpLte:
		default:
			return fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, f.Op)
		}
		if !allowed[f.Field] {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, f.Field)
		}
	}
	if q.OrderBy != "" && !allowed[q.OrderBy] {
		return fmt.Errorf("%w: unknown order field %q", ErrInvalidQuery, q.OrderBy)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	return nil
}

func (q Query) Order() string {
	if q.OrderBy == "" {
		return defaultOrderBy
	}
	return q.OrderBy
}

// Key renders a stable composite key from filters, sort, limit and cursor.
func (q Query) Key() string {
	parts := make([]string, 0, len(q.Filters)+3)
	filters := make([]string, 0, len(q.Filters))
	for _, f := range q.Filters {
		filters = append(filters, fmt.Sprintf("%s%s%v", f.Field, f.Op, formatValue(f.Value)))
	}
	sort.Strings(filters)
	parts = append(parts, strings.Join(filters, "&"))
	dir := "asc"
	if q.Desc {
		dir = "desc"
	}
	parts = append(parts, "order="+q.Order()+":"+dir)
	parts = append(parts, fmt.Sprintf("limit=%d", q.Limit))
	parts = append(parts, "cursor="+q.Cursor)
	return strings.Join(parts, "|")
}

func formatValue(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func BillField(b domain.Bill, field string) any {
	switch field {
	case "id":
		return b.ID
	case "bill_number":
		return b.BillNumber
	case "vendor":
		return b.Vendor
	case "status":
		return string(b.Status)
	case "date":
		return b.Date
	case "total_amount":
		return b.TotalAmount
	case "created_at":
		return b.CreatedAt
	case "updated_at":
		return b.UpdatedAt
	}
	return nil
}

func ProductField(p domain.Product, field string) any {
	switch field {
	case "id":
		return p.ID
	case "bill_id":
		return p.BillID
	case "bill_number":
		return p.BillNumber
	case "product_name":
		return p.ProductName
	case "category":
		return p.Category
	case "vendor":
		return p.Vendor
	case "mrp":
		return p.MRP
	case "total_amount":
		return p.TotalAmount
	case "created_at":
		return p.CreatedAt
	case "updated_at":
		return p.UpdatedAt
	}
	return nil
}

func BillSearchText(b domain.Bill) []string {
	return []string{b.BillNumber, b.Vendor, b.Notes}
}

func ProductSearchText(p domain.Product) []string {
	return []string{p.ProductName, p.Category, p.Vendor, p.BillNumber}
}

// Evaluate filters, orders and pages items in memory.
func Evaluate[T domain.Document](items []T, q Query, field func(T, string) any, search func(T) []string) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if matches(item, q.Filters, field, search) {
			out = append(out, item)
		}
	}

	order := q.Order()
	sort.SliceStable(out, func(i, j int) bool {
		c := compareValues(field(out[i], order), field(out[j], order))
		if c == 0 {
			c = strings.Compare(out[i].DocID(), out[j].DocID())
		}
		if q.Desc {
			return c > 0
		}
		return c < 0
	})

	if q.Cursor != "" {
		pos := -1
		for i, item := range out {
			if item.DocID() == q.Cursor {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, fmt.Errorf("%w: cursor %q not in result set", ErrInvalidQuery, q.Cursor)
		}
		out = out[pos+1:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches[T any](item T, filters []Filter, field func(T, string) any, search func(T) []string) bool {
	for _, f := range filters {
		if f.Op == OpSearch {
			needle := strings.ToLower(strings.TrimSpace(f.Value.(string)))
			if needle == "" {
				continue
			}
			found := false
			for _, text := range search(item) {
				if strings.Contains(strings.ToLower(text), needle) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		c := compareValues(field(item, f.Field), f.Value)
		switch f.Op {
		case OpEq:
			if c != 0 {
				return false
			}
		case OpGte:
			if c < 0 {
				return false
			}
		case OpLte:
			if c > 0 {
				return false
			}
		}
	}
	return true
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		bv := fmt.Sprint(b)
		return strings.Compare(av, bv)
	case float64:
		bv, ok := toFloat(b)
		if !ok {
			return -1
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return -1
		}
		return av.Compare(bv)
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
