package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
	"billsync/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

type Store struct {
	db          *sql.DB
	databaseURL string
	logger      *slog.Logger

	clockMu sync.Mutex
	last    time.Time

	mu           sync.Mutex
	subs         map[int]*subscription
	nextSub      int
	listenCancel context.CancelFunc
	listenDone   chan struct{}
	closed       bool
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:          db,
		databaseURL: databaseURL,
		subs:        make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "postgres-store")
	return s, nil
}

// EnsureSchema creates the tables and change-notification triggers if they
// do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, sub := range s.subs {
		sub.cancel()
		sub.box.Close()
		delete(s.subs, id)
	}
	cancel, done := s.listenCancel, s.listenDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return s.db.Close()
}

// stamp returns a strictly increasing server timestamp at the column's
// microsecond precision.
func (s *Store) stamp() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

const billColumns = `id, bill_number, date, vendor, notes, status, total_quantity, total_amount,
	total_profit, product_count, created_at, updated_at`

const productColumns = `id, bill_id, bill_number, product_name, category, vendor, mrp, total_quantity,
	total_amount, price_per_piece, cost_per_unit, profit_per_piece, created_at, updated_at`

func scanBill(row rowScanner) (domain.Bill, error) {
	var b domain.Bill
	var status string
	if err := row.Scan(&b.ID, &b.BillNumber, &b.Date, &b.Vendor, &b.Notes, &status, &b.TotalQuantity,
		&b.TotalAmount, &b.TotalProfit, &b.ProductCount, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return b, err
	}
	b.Status = domain.BillStatus(status)
	b.Date = b.Date.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.BillID, &p.BillNumber, &p.ProductName, &p.Category, &p.Vendor, &p.MRP,
		&p.TotalQuantity, &p.TotalAmount, &p.PricePerPiece, &p.CostPerUnit, &p.ProfitPerPiece,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) QueryBills(ctx context.Context, q store.Query) ([]domain.Bill, error) {
	if err := q.Validate(domain.KindBill); err != nil {
		return nil, err
	}
	rows, err := selectRows(ctx, s.db, "bills", billColumns, billSearchColumns, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bills := make([]domain.Bill, 0, 32)
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bills, nil
}

func (s *Store) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	b, err := getBill(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func getBill(ctx context.Context, q queryer, id string, forUpdate bool) (domain.Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBill(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, fmt.Errorf("bill %s: %w", id, store.ErrNotFound)
		}
		return b, err
	}
	return b, nil
}

func (s *Store) CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error) {
	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	if err := s.commit(ctx, []store.Mutation{store.CreateBillOp(bill)}); err != nil {
		return nil, err
	}
	return s.GetBill(ctx, bill.ID)
}

func (s *Store) UpdateBill(ctx context.Context, id string, patch domain.BillPatch) (*domain.Bill, error) {
	if err := s.commit(ctx, []store.Mutation{store.UpdateBillOp(id, patch)}); err != nil {
		return nil, err
	}
	return s.GetBill(ctx, id)
}

func (s *Store) DeleteBill(ctx context.Context, id string) error {
	return s.commit(ctx, []store.Mutation{store.DeleteBillOp(id)})
}

func (s *Store) QueryProducts(ctx context.Context, q store.Query) ([]domain.Product, error) {
	if err := q.Validate(domain.KindProduct); err != nil {
		return nil, err
	}
	rows, err := selectRows(ctx, s.db, "products", productColumns, productSearchColumns, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := getProduct(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func getProduct(ctx context.Context, q queryer, id string, forUpdate bool) (domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanProduct(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		return p, err
	}
	return p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if err := s.commit(ctx, []store.Mutation{store.CreateProductOp(product)}); err != nil {
		return nil, err
	}
	return s.GetProduct(ctx, product.ID)
}

func (s *Store) UpdateProduct(ctx context.Context, id string, patch domain.ProductPatch) (*domain.Product, error) {
	op := store.Mutation{Op: store.OpUpdate, Kind: domain.KindProduct, ID: id, ProductPatch: &patch}
	if err := s.commit(ctx, []store.Mutation{op}); err != nil {
		return nil, err
	}
	return s.GetProduct(ctx, id)
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return s.commit(ctx, []store.Mutation{store.DeleteProductOp(id)})
}

func (s *Store) Batch(ctx context.Context, ops []store.Mutation) error {
	if len(ops) == 0 {
		return nil
	}
	if err := s.commit(ctx, ops); err != nil {
		return fmt.Errorf("%w: %w", store.ErrBatchFailed, err)
	}
	return nil
}

// commit runs ops in one serializable transaction.
func (s *Store) commit(ctx context.Context, ops []store.Mutation) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	touched := make(map[domain.EntityKind]bool, 2)
	for _, op := range ops {
		if err := s.apply(ctx, tx, op); err != nil {
			return err
		}
		touched[op.Kind] = true
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for kind := range touched {
		s.refreshSubscriptions(kind)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, tx queryer, op store.Mutation) error {
	switch op.Kind {
	case domain.KindBill:
		switch op.Op {
		case store.OpCreate:
			b := *op.Bill
			if b.ID == "" {
				b.ID = xid.New("bill")
			}
			at := s.stamp()
			b.CreatedAt, b.UpdatedAt = at, at
			_, err := tx.ExecContext(ctx, `
				INSERT INTO bills (`+billColumns+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			`, b.ID, b.BillNumber, b.Date, b.Vendor, b.Notes, string(b.Status), b.TotalQuantity,
				b.TotalAmount, b.TotalProfit, b.ProductCount, b.CreatedAt, b.UpdatedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("bill %s: %w", b.ID, store.ErrAlreadyExists)
				}
				return err
			}
		case store.OpUpdate:
			current, err := getBill(ctx, tx, op.ID, true)
			if err != nil {
				return err
			}
			b := domain.ApplyBillPatch(current, *op.BillPatch)
			b.UpdatedAt = s.stamp()
			_, err = tx.ExecContext(ctx, `
				UPDATE bills
				SET bill_number = $2, date = $3, vendor = $4, notes = $5, status = $6,
					total_quantity = $7, total_amount = $8, total_profit = $9, product_count = $10,
					updated_at = $11
				WHERE id = $1
			`, b.ID, b.BillNumber, b.Date, b.Vendor, b.Notes, string(b.Status), b.TotalQuantity,
				b.TotalAmount, b.TotalProfit, b.ProductCount, b.UpdatedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("bill number %s: %w", b.BillNumber, store.ErrAlreadyExists)
				}
				return err
			}
		case store.OpDelete:
			return deleteRow(ctx, tx, "bills", "bill", op.ID)
		}
	case domain.KindProduct:
		switch op.Op {
		case store.OpCreate:
			p := domain.DeriveProductFields(*op.Product)
			if p.ID == "" {
				p.ID = xid.New("prd")
			}
			at := s.stamp()
			p.CreatedAt, p.UpdatedAt = at, at
			_, err := tx.ExecContext(ctx, `
				INSERT INTO products (`+productColumns+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			`, p.ID, p.BillID, p.BillNumber, p.ProductName, p.Category, p.Vendor, p.MRP, p.TotalQuantity,
				p.TotalAmount, p.PricePerPiece, p.CostPerUnit, p.ProfitPerPiece, p.CreatedAt, p.UpdatedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("product %s: %w", p.ID, store.ErrAlreadyExists)
				}
				return err
			}
		case store.OpUpdate:
			current, err := getProduct(ctx, tx, op.ID, true)
			if err != nil {
				return err
			}
			p := domain.ApplyProductPatch(current, *op.ProductPatch)
			p.UpdatedAt = s.stamp()
			_, err = tx.ExecContext(ctx, `
				UPDATE products
				SET bill_id = $2, bill_number = $3, product_name = $4, category = $5, vendor = $6,
					mrp = $7, total_quantity = $8, total_amount = $9, price_per_piece = $10,
					cost_per_unit = $11, profit_per_piece = $12, updated_at = $13
				WHERE id = $1
			`, p.ID, p.BillID, p.BillNumber, p.ProductName, p.Category, p.Vendor, p.MRP, p.TotalQuantity,
				p.TotalAmount, p.PricePerPiece, p.CostPerUnit, p.ProfitPerPiece, p.UpdatedAt)
			return err
		case store.OpDelete:
			return deleteRow(ctx, tx, "products", "product", op.ID)
		}
	}
	return nil
}

func deleteRow(ctx context.Context, tx queryer, table string, label string, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", label, id, store.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
