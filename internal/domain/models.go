package domain

import "time"

type EntityKind string

const (
	KindBill    EntityKind = "bill"
	KindProduct EntityKind = "product"
)

type BillStatus string

const (
	BillStatusActive   BillStatus = "active"
	BillStatusArchived BillStatus = "archived"
	BillStatusReturned BillStatus = "returned"
)

func (s BillStatus) Valid() bool {
	switch s {
	case BillStatusActive, BillStatusArchived, BillStatusReturned:
		return true
	}
	return false
}

// Metadata is attached per read and never persisted.
type Metadata struct {
	HasPendingWrites bool `json:"has_pending_writes"`
	FromCache        bool `json:"from_cache"`
	Optimistic       bool `json:"optimistic"`
}

type Bill struct {
	ID            string     `json:"id"`
	BillNumber    string     `json:"bill_number"`
	Date          time.Time  `json:"date"`
	Vendor        string     `json:"vendor"`
	Notes         string     `json:"notes,omitempty"`
	Status        BillStatus `json:"status"`
	TotalQuantity float64    `json:"total_quantity"`
	TotalAmount   float64    `json:"total_amount"`
	TotalProfit   float64    `json:"total_profit"`
	ProductCount  int        `json:"product_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Metadata      *Metadata  `json:"_metadata,omitempty"`
}

type Product struct {
	ID             string    `json:"id"`
	BillID         string    `json:"bill_id,omitempty"`
	BillNumber     string    `json:"bill_number,omitempty"`
	ProductName    string    `json:"product_name"`
	Category       string    `json:"category"`
	Vendor         string    `json:"vendor"`
	MRP            float64   `json:"mrp"`
	TotalQuantity  float64   `json:"total_quantity"`
	TotalAmount    float64   `json:"total_amount"`
	PricePerPiece  float64   `json:"price_per_piece"`
	CostPerUnit    float64   `json:"cost_per_unit"`
	ProfitPerPiece float64   `json:"profit_per_piece"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Metadata       *Metadata `json:"_metadata,omitempty"`
}

// BillPatch carries a partial bill update. Nil fields are left untouched.
type BillPatch struct {
	BillNumber    *string     `json:"bill_number,omitempty"`
	Date          *time.Time  `json:"date,omitempty"`
	Vendor        *string     `json:"vendor,omitempty"`
	Notes         *string     `json:"notes,omitempty"`
	Status        *BillStatus `json:"status,omitempty"`
	TotalQuantity *float64    `json:"total_quantity,omitempty"`
	TotalAmount   *float64    `json:"total_amount,omitempty"`
	TotalProfit   *float64    `json:"total_profit,omitempty"`
	ProductCount  *int        `json:"product_count,omitempty"`
}

// ProductPatch carries a partial product update. Nil fields are left untouched.
type ProductPatch struct {
	BillID        *string  `json:"bill_id,omitempty"`
	BillNumber    *string  `json:"bill_number,omitempty"`
	ProductName   *string  `json:"product_name,omitempty"`
	Category      *string  `json:"category,omitempty"`
	Vendor        *string  `json:"vendor,omitempty"`
	MRP           *float64 `json:"mrp,omitempty"`
	TotalQuantity *float64 `json:"total_quantity,omitempty"`
	TotalAmount   *float64 `json:"total_amount,omitempty"`
}

type BillWithProducts struct {
	Bill     Bill      `json:"bill"`
	Products []Product `json:"products"`
	Totals   Totals    `json:"totals"`
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

type Change struct {
	Type ChangeType `json:"type"`
	ID   string     `json:"id"`
}

// Document is implemented by every persisted entity kind.
type Document interface {
	Kind() EntityKind
	DocID() string
	LastUpdated() time.Time
}

func (b Bill) Kind() EntityKind       { return KindBill }
func (b Bill) DocID() string          { return b.ID }
func (b Bill) LastUpdated() time.Time { return b.UpdatedAt }

func (p Product) Kind() EntityKind       { return KindProduct }
func (p Product) DocID() string          { return p.ID }
func (p Product) LastUpdated() time.Time { return p.UpdatedAt }

// WithMetadata returns a copy carrying m.
func (b Bill) WithMetadata(m Metadata) Bill {
	b.Metadata = &m
	return b
}

func (p Product) WithMetadata(m Metadata) Product {
	p.Metadata = &m
	return p
}

func (b Bill) WithUpdatedAt(at time.Time) Bill {
	b.UpdatedAt = at
	return b
}

func (p Product) WithUpdatedAt(at time.Time) Product {
	p.UpdatedAt = at
	return p
}

func (b Bill) IsOptimistic() bool {
	return b.Metadata != nil && b.Metadata.Optimistic
}

func (p Product) IsOptimistic() bool {
	return p.Metadata != nil && p.Metadata.Optimistic
}

// PendingKey is the registry key for a speculative mutation on an entity.
func PendingKey(kind EntityKind, id string) string {
	return string(kind) + "_" + id
}

type BulkResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	NewID   string `json:"new_id,omitempty"`
}

func CountBulk(results []BulkResult) (succeeded int, failed int) {
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

type BillPage struct {
	Bills      []Bill `json:"bills"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type ProductPage struct {
	Products   []Product `json:"products"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type VendorTotal struct {
	Vendor      string  `json:"vendor"`
	Bills       int     `json:"bills"`
	TotalAmount float64 `json:"total_amount"`
}

type AnalyticsSummary struct {
	BillCount      int                `json:"bill_count"`
	BillsByStatus  map[BillStatus]int `json:"bills_by_status"`
	ProductCount   int                `json:"product_count"`
	OrphanCount    int                `json:"orphan_count"`
	TotalQuantity  float64            `json:"total_quantity"`
	TotalAmount    float64            `json:"total_amount"`
	TotalProfit    float64            `json:"total_profit"`
	TopVendors     []VendorTotal      `json:"top_vendors"`
	DriftedBillIDs []string           `json:"drifted_bill_ids"`
	GeneratedAt    time.Time          `json:"generated_at"`
}
