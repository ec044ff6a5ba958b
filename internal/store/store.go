package store

import (
	"context"
	"errors"

	"billsync/backend/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidQuery  = errors.New("invalid query")
	ErrBatchFailed   = errors.New("batch failed")
	ErrClosed        = errors.New("store closed")
)

// Repository is the remote document store the sync layer is written against.
// Writes assign server timestamps; subscriptions deliver snapshots in commit
// order, starting with the current result set.
type Repository interface {
	QueryBills(ctx context.Context, q Query) ([]domain.Bill, error)
	GetBill(ctx context.Context, id string) (*domain.Bill, error)
	CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error)
	UpdateBill(ctx context.Context, id string, patch domain.BillPatch) (*domain.Bill, error)
	DeleteBill(ctx context.Context, id string) error

	QueryProducts(ctx context.Context, q Query) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, id string, patch domain.ProductPatch) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	// Batch commits every mutation or none of them.
	Batch(ctx context.Context, ops []Mutation) error

	SubscribeBills(q Query, onSnapshot func(Snapshot[domain.Bill]), onError func(error)) Unsubscribe
	SubscribeProducts(q Query, onSnapshot func(Snapshot[domain.Product]), onError func(error)) Unsubscribe
}

// Unsubscribe releases a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type Mutation struct {
	Op           Op
	Kind         domain.EntityKind
	ID           string
	Bill         *domain.Bill
	Product      *domain.Product
	BillPatch    *domain.BillPatch
	ProductPatch *domain.ProductPatch
}

func CreateBillOp(b domain.Bill) Mutation {
	return Mutation{Op: OpCreate, Kind: domain.KindBill, ID: b.ID, Bill: &b}
}

func CreateProductOp(p domain.Product) Mutation {
	return Mutation{Op: OpCreate, Kind: domain.KindProduct, ID: p.ID, Product: &p}
}

func UpdateBillOp(id string, patch domain.BillPatch) Mutation {
	return Mutation{Op: OpUpdate, Kind: domain.KindBill, ID: id, BillPatch: &patch}
}

func UpdateProductOp(id string, patch domain.ProductPatch) Mutation {
	return Mutation{Op: OpUpdate, Kind: domain.KindProduct, ID: id, ProductPatch: &patch}
}

func DeleteBillOp(id string) Mutation {
	return Mutation{Op: OpDelete, Kind: domain.KindBill, ID: id}
}

func DeleteProductOp(id string) Mutation {
	return Mutation{Op: OpDelete, Kind: domain.KindProduct, ID: id}
}

func (m Mutation) Validate() error {
	switch m.Op {
	case OpCreate:
		if m.Kind == domain.KindBill && m.Bill == nil || m.Kind == domain.KindProduct && m.Product == nil {
			return errors.New("create mutation without document")
		}
	case OpUpdate:
		if m.ID == "" {
			return errors.New("update mutation without id")
		}
		if m.Kind == domain.KindBill && m.BillPatch == nil || m.Kind == domain.KindProduct && m.ProductPatch == nil {
			return errors.New("update mutation without patch")
		}
	case OpDelete:
		if m.ID == "" {
			return errors.New("delete mutation without id")
		}
	default:
		return errors.New("unknown mutation op")
	}
	if m.Kind != domain.KindBill && m.Kind != domain.KindProduct {
		return errors.New("unknown entity kind")
	}
	return nil
}

// SnapshotMetadata distinguishes locally cached results and results that
// still contain unacknowledged local writes from server-confirmed ones.
type SnapshotMetadata struct {
	HasPendingWrites bool `json:"has_pending_writes"`
	FromCache        bool `json:"from_cache"`
}

type Snapshot[T domain.Document] struct {
	Items    []T              `json:"items"`
	Changes  []domain.Change  `json:"changes"`
	Metadata SnapshotMetadata `json:"metadata"`
}
