package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SizeStock struct {
	Size  string `json:"size"`
	Stock int    `json:"stock"`
}

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Cost      decimal.Decimal `json:"cost"`
	ImageURL  string          `json:"image_url,omitempty"`
	Sizes     []SizeStock     `json:"sizes"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FindSize returns the entry for label and its position in Sizes.
func (p Product) FindSize(label string) (SizeStock, int, bool) {
	for i, s := range p.Sizes {
		if s.Size == label {
			return s, i, true
		}
	}
	return SizeStock{}, -1, false
}

func (p Product) TotalStock() int {
	total := 0
	for _, s := range p.Sizes {
		total += s.Stock
	}
	return total
}

func (p Product) Clone() Product {
	dup := p
	dup.Sizes = make([]SizeStock, len(p.Sizes))
	copy(dup.Sizes, p.Sizes)
	return dup
}

type ProductCreateRequest struct {
	Name     string          `json:"name" validate:"required,max=180"`
	SKU      string          `json:"sku" validate:"omitempty,max=100"`
	Price    decimal.Decimal `json:"price"`
	Cost     decimal.Decimal `json:"cost"`
	ImageURL string          `json:"image_url" validate:"omitempty,url,max=2048"`
	Sizes    []SizeStock     `json:"sizes" validate:"dive"`
}

// ProductUpdateRequest replaces every editable field, including the whole
// sizes sequence.
type ProductUpdateRequest struct {
	Name     string          `json:"name" validate:"required,max=180"`
	SKU      string          `json:"sku" validate:"omitempty,max=100"`
	Price    decimal.Decimal `json:"price"`
	Cost     decimal.Decimal `json:"cost"`
	ImageURL string          `json:"image_url" validate:"omitempty,url,max=2048"`
	Sizes    []SizeStock     `json:"sizes" validate:"dive"`
}

// RestockRequest adds received units to one size of a product.
type RestockRequest struct {
	Size     string `json:"size" validate:"required,max=40"`
	Quantity int    `json:"quantity" validate:"gte=1"`
}

type Sale struct {
	ID          string          `json:"id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	Items       []SaleItem      `json:"items,omitempty"`
}

func (s Sale) Clone() Sale {
	dup := s
	if s.Items != nil {
		dup.Items = make([]SaleItem, len(s.Items))
		copy(dup.Items, s.Items)
	}
	return dup
}

// SaleItem holds the product id only; the product may have been edited or
// deleted since the sale was recorded.
type SaleItem struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Size      string          `json:"size"`
}

type RecordSaleRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	Size      string          `json:"size" validate:"required"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity,omitempty" validate:"gte=0"`
}

type RecordSaleResponse struct {
	Sale    Sale     `json:"sale"`
	Item    SaleItem `json:"item"`
	Product Product  `json:"product"`
	// Attempts counts tries including retries after a lost stock race.
	Attempts int `json:"attempts"`
}

type DashboardStats struct {
	TotalIncome     decimal.Decimal `json:"total_income"`
	TotalExpenses   decimal.Decimal `json:"total_expenses"`
	NetProfit       decimal.Decimal `json:"net_profit"`
	InventoryValue  decimal.Decimal `json:"inventory_value"`
	TotalStockUnits int             `json:"total_stock_units"`
	ProductCount    int             `json:"product_count"`
	TotalItemsSold  int             `json:"total_items_sold"`
	SaleCount       int             `json:"sale_count"`
}

type TrendPoint struct {
	Label string          `json:"label"`
	Total decimal.Decimal `json:"total"`
}

type TopProduct struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

type LowStockEntry struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Size      string `json:"size"`
	Stock     int    `json:"stock"`
}

type DashboardResponse struct {
	Stats         DashboardStats  `json:"stats"`
	AverageTicket decimal.Decimal `json:"average_ticket"`
	RecentSales   []Sale          `json:"recent_sales"`
	LowStock      []LowStockEntry `json:"low_stock"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

type AnalyticsResponse struct {
	Bucket         string          `json:"bucket"`
	Trend          []TrendPoint    `json:"trend"`
	TopProducts    []TopProduct    `json:"top_products"`
	AverageTicket  decimal.Decimal `json:"average_ticket"`
	TotalItemsSold int             `json:"total_items_sold"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	SaleStatusCompleted = "completed"
)

const (
	AuditActionProductCreate  = "product_create"
	AuditActionProductUpdate  = "product_update"
	AuditActionProductDelete  = "product_delete"
	AuditActionProductRestock = "product_restock"
	AuditActionSaleRecord     = "sale_record"
	AuditActionSalePartial    = "sale_partial_write"
	AuditActionSaleCompensate = "sale_compensated"
)
