package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tallypos/backend/internal/domain"
	"tallypos/backend/internal/store"
)

// Store keeps the catalog and ledger in process. It does not implement
// store.AtomicSaleWriter, so sales recorded against it go through the
// service's compensating write sequence.
type Store struct {
	mu        sync.RWMutex
	products  map[string]domain.Product
	sales     map[string]domain.Sale
	saleOrder []string
	items     map[string][]domain.SaleItem
	auditLogs []domain.AuditLog
	now       func() time.Time
}

func New() *Store {
	return &Store{
		products:  make(map[string]domain.Product),
		sales:     make(map[string]domain.Sale),
		saleOrder: make([]string, 0, 64),
		items:     make(map[string][]domain.SaleItem),
		auditLogs: make([]domain.AuditLog, 0, 128),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func NewSeeded() *Store {
	s := New()
	seed := []struct {
		name  string
		sku   string
		price string
		cost  string
		sizes []domain.SizeStock
	}{
		{"Camiseta Basica", "CAM-BAS", "19.90", "7.50", []domain.SizeStock{{Size: "S", Stock: 8}, {Size: "M", Stock: 12}, {Size: "L", Stock: 6}}},
		{"Jean Slim", "JEA-SLI", "49.90", "21.00", []domain.SizeStock{{Size: "28", Stock: 3}, {Size: "30", Stock: 5}, {Size: "32", Stock: 4}}},
		{"Sudadera Capucha", "SUD-CAP", "39.90", "16.40", []domain.SizeStock{{Size: "M", Stock: 4}, {Size: "L", Stock: 2}}},
		{"Chaqueta Denim", "CHA-DEN", "69.00", "30.00", []domain.SizeStock{{Size: "M", Stock: 2}, {Size: "L", Stock: 1}}},
		{"Gorra Logo", "GOR-LOG", "14.50", "4.20", []domain.SizeStock{{Size: "U", Stock: 20}}},
	}
	for _, p := range seed {
		if _, err := s.CreateProduct(context.Background(), domain.Product{
			Name:  p.name,
			SKU:   p.sku,
			Price: decimal.RequireFromString(p.price),
			Cost:  decimal.RequireFromString(p.cost),
			Sizes: p.sizes,
		}); err != nil {
			panic(fmt.Sprintf("seed product %q: %v", p.name, err))
		}
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p.Clone())
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := p.Clone()
	return &dup, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if err := checkProduct("create_product", product); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, &store.ValidationError{Op: "create_product", ProductID: product.ID, Field: "id", Reason: "already exists"}
	}
	now := s.now()
	product.CreatedAt = now
	product.UpdatedAt = now
	product = product.Clone()
	s.products[product.ID] = product

	created := product.Clone()
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if err := checkProduct("update_product", product); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = s.now()
	product = product.Clone()
	s.products[product.ID] = product

	updated := product.Clone()
	return &updated, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) DecrementSizeStock(_ context.Context, productID string, size string, expectedStock int, qty int) (*domain.Product, error) {
	if qty < 1 {
		return nil, &store.ValidationError{Op: "decrement_stock", ProductID: productID, Size: size, Field: "quantity", Reason: "must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	entry, idx, ok := p.FindSize(size)
	if !ok || entry.Stock != expectedStock || expectedStock-qty < 0 {
		return nil, store.ErrStockConflict
	}

	p = p.Clone()
	p.Sizes[idx].Stock = expectedStock - qty
	p.UpdatedAt = s.now()
	s.products[productID] = p

	updated := p.Clone()
	return &updated, nil
}

func (s *Store) RestoreSizeStock(_ context.Context, productID string, size string, qty int) (*domain.Product, error) {
	if qty < 1 {
		return nil, &store.ValidationError{Op: "restore_stock", ProductID: productID, Size: size, Field: "quantity", Reason: "must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	_, idx, ok := p.FindSize(size)
	if !ok {
		return nil, store.ErrNotFound
	}

	p = p.Clone()
	p.Sizes[idx].Stock += qty
	p.UpdatedAt = s.now()
	s.products[productID] = p

	updated := p.Clone()
	return &updated, nil
}

func (s *Store) InsertSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if _, exists := s.sales[sale.ID]; exists {
		return nil, &store.ValidationError{Op: "insert_sale", Field: "id", Reason: "already exists"}
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = s.now()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}
	sale.Items = nil
	s.sales[sale.ID] = sale
	s.saleOrder = append(s.saleOrder, sale.ID)

	created := sale.Clone()
	return &created, nil
}

func (s *Store) InsertSaleItem(_ context.Context, item domain.SaleItem) (*domain.SaleItem, error) {
	if item.Quantity < 1 {
		return nil, &store.ValidationError{Op: "insert_sale_item", ProductID: item.ProductID, Size: item.Size, Field: "quantity", Reason: "must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sales[item.SaleID]; !ok {
		return nil, store.ErrNotFound
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	s.items[item.SaleID] = append(s.items[item.SaleID], item)

	created := item
	return &created, nil
}

func (s *Store) DeleteSale(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sales[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.sales, id)
	delete(s.items, id)
	s.saleOrder = slices.DeleteFunc(s.saleOrder, func(saleID string) bool { return saleID == id })
	return nil
}

func (s *Store) ListSales(_ context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.saleOrder))
	for _, id := range s.saleOrder {
		sale := s.sales[id].Clone()
		if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !sale.CreatedAt.Before(filter.To) {
			continue
		}
		items := s.items[id]
		sale.Items = make([]domain.SaleItem, len(items))
		copy(sale.Items, items)
		sales = append(sales, sale)
	}

	slices.SortStableFunc(sales, func(a, b domain.Sale) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if filter.Limit > 0 && len(sales) > filter.Limit {
		sales = sales[len(sales)-filter.Limit:]
	}
	return sales, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, min(limit, len(s.auditLogs)))
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.auditLogs[i])
	}
	return result, nil
}

func checkProduct(op string, p domain.Product) error {
	if strings.TrimSpace(p.Name) == "" {
		return &store.ValidationError{Op: op, ProductID: p.ID, Field: "name", Reason: "required"}
	}
	if p.Price.IsNegative() {
		return &store.ValidationError{Op: op, ProductID: p.ID, Field: "price", Reason: "must not be negative"}
	}
	if p.Cost.IsNegative() {
		return &store.ValidationError{Op: op, ProductID: p.ID, Field: "cost", Reason: "must not be negative"}
	}
	seen := make(map[string]struct{}, len(p.Sizes))
	for _, size := range p.Sizes {
		if size.Stock < 0 {
			return &store.ValidationError{Op: op, ProductID: p.ID, Size: size.Size, Field: "stock", Reason: "must not be negative"}
		}
		if _, dup := seen[size.Size]; dup {
			return &store.ValidationError{Op: op, ProductID: p.ID, Size: size.Size, Field: "sizes", Reason: "duplicate size"}
		}
		seen[size.Size] = struct{}{}
	}
	return nil
}
