package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tallypos/backend/internal/domain"
	"tallypos/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const productColumns = `id, name, sku, price, cost, image_url, sizes, created_at, updated_at`

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
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
		return nil, classify("connect", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return classify("migrate", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var sizes []byte
	if err := row.Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &p.Cost, &p.ImageURL, &sizes, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sizes, &p.Sizes); err != nil {
		return nil, fmt.Errorf("decode sizes of product %s: %w", p.ID, err)
	}
	if p.Sizes == nil {
		p.Sizes = []domain.SizeStock{}
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY name, id
	`)
	if err != nil {
		return nil, classify("list_products", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, classify("list_products", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_products", err)
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, classify("get_product", err)
	}
	return p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	sizes, err := encodeSizes(product.Sizes)
	if err != nil {
		return nil, err
	}

	created, err := scanProduct(s.db.QueryRowContext(ctx, `
		INSERT INTO products (id, name, sku, price, cost, image_url, sizes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		RETURNING `+productColumns+`
	`, product.ID, product.Name, product.SKU, product.Price, product.Cost, product.ImageURL, sizes))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &store.ValidationError{Op: "create_product", ProductID: product.ID, Field: "id", Reason: "already exists", Err: err}
		}
		return nil, classify("create_product", err)
	}
	return created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if _, err := uuid.Parse(product.ID); err != nil {
		return nil, store.ErrNotFound
	}
	sizes, err := encodeSizes(product.Sizes)
	if err != nil {
		return nil, err
	}

	updated, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, sku = $3, price = $4, cost = $5, image_url = $6, sizes = $7, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns+`
	`, product.ID, product.Name, product.SKU, product.Price, product.Cost, product.ImageURL, sizes))
	if err != nil {
		return nil, classify("update_product", err)
	}
	return updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return classify("delete_product", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("delete_product", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// decrementSQL rewrites one element of the sizes array in place and only
// matches when that element still holds the expected stock.
const decrementSQL = `
	UPDATE products
	SET sizes = (
			SELECT jsonb_agg(
				CASE WHEN t.elem->>'size' = $2
					THEN jsonb_set(t.elem, '{stock}', to_jsonb((t.elem->>'stock')::int - $4::int))
					ELSE t.elem
				END
				ORDER BY t.ord)
			FROM jsonb_array_elements(sizes) WITH ORDINALITY AS t(elem, ord)
		),
		updated_at = now()
	WHERE id = $1
		AND $3::int - $4::int >= 0
		AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(sizes) AS e(elem)
			WHERE e.elem->>'size' = $2 AND (e.elem->>'stock')::int = $3::int
		)
	RETURNING ` + productColumns

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func decrement(ctx context.Context, q querier, productID string, size string, expectedStock int, qty int) (*domain.Product, error) {
	p, err := scanProduct(q.QueryRowContext(ctx, decrementSQL, productID, size, expectedStock, qty))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, classify("decrement_stock", err)
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, classify("decrement_stock", err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrStockConflict
}

func (s *Store) DecrementSizeStock(ctx context.Context, productID string, size string, expectedStock int, qty int) (*domain.Product, error) {
	if qty < 1 {
		return nil, &store.ValidationError{Op: "decrement_stock", ProductID: productID, Size: size, Field: "quantity", Reason: "must be positive"}
	}
	if _, err := uuid.Parse(productID); err != nil {
		return nil, store.ErrNotFound
	}
	return decrement(ctx, s.db, productID, size, expectedStock, qty)
}

func (s *Store) RestoreSizeStock(ctx context.Context, productID string, size string, qty int) (*domain.Product, error) {
	if qty < 1 {
		return nil, &store.ValidationError{Op: "restore_stock", ProductID: productID, Size: size, Field: "quantity", Reason: "must be positive"}
	}
	if _, err := uuid.Parse(productID); err != nil {
		return nil, store.ErrNotFound
	}

	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET sizes = (
				SELECT jsonb_agg(
					CASE WHEN t.elem->>'size' = $2
						THEN jsonb_set(t.elem, '{stock}', to_jsonb((t.elem->>'stock')::int + $3::int))
						ELSE t.elem
					END
					ORDER BY t.ord)
				FROM jsonb_array_elements(sizes) WITH ORDINALITY AS t(elem, ord)
			),
			updated_at = now()
		WHERE id = $1
			AND EXISTS (SELECT 1 FROM jsonb_array_elements(sizes) AS e(elem) WHERE e.elem->>'size' = $2)
		RETURNING `+productColumns+`
	`, productID, size, qty))
	if err != nil {
		return nil, classify("restore_stock", err)
	}
	return p, nil
}

func (s *Store) InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	sale = prepareSale(sale)
	if _, err := s.db.ExecContext(ctx, insertSaleSQL, sale.ID, sale.TotalAmount, sale.Status, sale.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, &store.ValidationError{Op: "insert_sale", Field: "id", Reason: "already exists", Err: err}
		}
		return nil, classify("insert_sale", err)
	}
	return &sale, nil
}

func (s *Store) InsertSaleItem(ctx context.Context, item domain.SaleItem) (*domain.SaleItem, error) {
	if item.Quantity < 1 {
		return nil, &store.ValidationError{Op: "insert_sale_item", ProductID: item.ProductID, Size: item.Size, Field: "quantity", Reason: "must be positive"}
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if _, err := s.db.ExecContext(ctx, insertSaleItemSQL, item.ID, item.SaleID, item.ProductID, item.Quantity, item.UnitPrice, item.Size); err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, classify("insert_sale_item", err)
	}
	return &item, nil
}

func (s *Store) DeleteSale(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id)
	if err != nil {
		return classify("delete_sale", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("delete_sale", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const insertSaleSQL = `
	INSERT INTO sales (id, total_amount, status, created_at)
	VALUES ($1,$2,$3,$4)
`

const insertSaleItemSQL = `
	INSERT INTO sale_items (id, sale_id, product_id, quantity, unit_price, size)
	VALUES ($1,$2,$3,$4,$5,$6)
`

func prepareSale(sale domain.Sale) domain.Sale {
	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}
	sale.Items = nil
	return sale
}

// RecordSaleAtomic appends the sale and its item and decrements the size's
// stock in one serializable transaction. A stock mismatch rolls everything
// back and returns store.ErrStockConflict.
func (s *Store) RecordSaleAtomic(ctx context.Context, sale domain.Sale, item domain.SaleItem, expectedStock int) (*domain.Sale, *domain.Product, error) {
	if item.Quantity < 1 {
		return nil, nil, &store.ValidationError{Op: "record_sale", ProductID: item.ProductID, Size: item.Size, Field: "quantity", Reason: "must be positive"}
	}
	if _, err := uuid.Parse(item.ProductID); err != nil {
		return nil, nil, store.ErrNotFound
	}
	sale = prepareSale(sale)
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.SaleID = sale.ID

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, classify("record_sale", err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := pgTx.ExecContext(ctx, insertSaleSQL, sale.ID, sale.TotalAmount, sale.Status, sale.CreatedAt); err != nil {
		return nil, nil, classify("record_sale", err)
	}
	if _, err := pgTx.ExecContext(ctx, insertSaleItemSQL, item.ID, item.SaleID, item.ProductID, item.Quantity, item.UnitPrice, item.Size); err != nil {
		return nil, nil, classify("record_sale", err)
	}
	product, err := decrement(ctx, pgTx, item.ProductID, item.Size, expectedStock, item.Quantity)
	if err != nil {
		return nil, nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, nil, classify("record_sale", err)
	}

	sale.Items = []domain.SaleItem{item}
	return &sale, product, nil
}

func (s *Store) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.total_amount, s.status, s.created_at,
			i.id, i.product_id, i.quantity, i.unit_price, i.size
		FROM (
			SELECT id, total_amount, status, created_at
			FROM sales
			WHERE ($1::timestamptz IS NULL OR created_at >= $1)
				AND ($2::timestamptz IS NULL OR created_at < $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		) s
		LEFT JOIN sale_items i ON i.sale_id = s.id
		ORDER BY s.created_at ASC, s.id ASC, i.seq ASC
	`, nullTime(filter.From), nullTime(filter.To), nullLimit(filter.Limit))
	if err != nil {
		return nil, classify("list_sales", err)
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		var sale domain.Sale
		var itemID, productID, size sql.NullString
		var quantity sql.NullInt64
		var unitPrice decimal.NullDecimal
		if err := rows.Scan(&sale.ID, &sale.TotalAmount, &sale.Status, &sale.CreatedAt,
			&itemID, &productID, &quantity, &unitPrice, &size); err != nil {
			return nil, classify("list_sales", err)
		}

		if n := len(sales); n == 0 || sales[n-1].ID != sale.ID {
			sale.Items = []domain.SaleItem{}
			sales = append(sales, sale)
		}
		if !itemID.Valid {
			continue
		}
		last := &sales[len(sales)-1]
		last.Items = append(last.Items, domain.SaleItem{
			ID:        itemID.String,
			SaleID:    last.ID,
			ProductID: productID.String,
			Quantity:  int(quantity.Int64),
			UnitPrice: unitPrice.Decimal,
			Size:      size.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_sales", err)
	}
	return sales, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return classify("create_audit_log", err)
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify("list_audit_logs", err)
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, classify("list_audit_logs", err)
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_audit_logs", err)
	}
	return logs, nil
}

func encodeSizes(sizes []domain.SizeStock) ([]byte, error) {
	if sizes == nil {
		sizes = []domain.SizeStock{}
	}
	return json.Marshal(sizes)
}

// classify maps driver errors onto the store taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if isUnavailable(err) {
		return &store.UnavailableError{Op: op, Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return store.ErrStockConflict
		case strings.HasPrefix(pgErr.Code, "23"):
			return &store.ValidationError{Op: op, Field: pgErr.ColumnName, Reason: pgErr.Message, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 57P: operator intervention (shutdown).
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}

func nullLimit(limit int) any {
	if limit < 1 {
		return nil
	}
	return limit
}
