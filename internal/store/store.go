package store

import (
	"context"
	"time"

	"tallypos/backend/internal/domain"
)

type SaleFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

// Repository is the catalog and ledger contract. Products are owned by the
// catalog; sales and sale items are append-only apart from DeleteSale, which
// exists only to compensate a sale whose later steps failed.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	// DecrementSizeStock lowers the stock of one size by qty, but only if the
	// current stock still equals expectedStock. A mismatch returns
	// ErrStockConflict and leaves the product untouched.
	DecrementSizeStock(ctx context.Context, productID string, size string, expectedStock int, qty int) (*domain.Product, error)
	RestoreSizeStock(ctx context.Context, productID string, size string, qty int) (*domain.Product, error)

	InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	InsertSaleItem(ctx context.Context, item domain.SaleItem) (*domain.SaleItem, error)
	DeleteSale(ctx context.Context, id string) error
	// ListSales returns sales with their items, oldest first.
	ListSales(ctx context.Context, filter SaleFilter) ([]domain.Sale, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)
}

// AtomicSaleWriter is implemented by repositories that can append the sale,
// append its item and decrement stock inside one transaction.
type AtomicSaleWriter interface {
	RecordSaleAtomic(ctx context.Context, sale domain.Sale, item domain.SaleItem, expectedStock int) (*domain.Sale, *domain.Product, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}
