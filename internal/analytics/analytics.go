// Package analytics derives business metrics from a ledger and catalog
// snapshot. Every function is pure: sums run in input order so repeated calls
// on the same snapshot return identical values.
package analytics

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"tallypos/backend/internal/domain"
)

const (
	DefaultTopLimit = 5
	UnknownProduct  = "Unknown"
)

type Bucket string

const (
	BucketDay     Bucket = "day"
	BucketWeekday Bucket = "weekday"
)

// ParseBucket accepts "", "day" and "weekday".
func ParseBucket(raw string) (Bucket, bool) {
	switch Bucket(raw) {
	case "", BucketDay:
		return BucketDay, true
	case BucketWeekday:
		return BucketWeekday, true
	}
	return "", false
}

func indexProducts(products []domain.Product) map[string]domain.Product {
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return byID
}

func DashboardStats(sales []domain.Sale, products []domain.Product) domain.DashboardStats {
	byID := indexProducts(products)

	stats := domain.DashboardStats{
		TotalIncome:    decimal.Zero,
		TotalExpenses:  decimal.Zero,
		InventoryValue: decimal.Zero,
		ProductCount:   len(products),
		SaleCount:      len(sales),
	}
	for _, sale := range sales {
		stats.TotalIncome = stats.TotalIncome.Add(sale.TotalAmount)
		for _, item := range sale.Items {
			stats.TotalItemsSold += item.Quantity
			// A product deleted since the sale contributes no cost.
			if p, ok := byID[item.ProductID]; ok {
				stats.TotalExpenses = stats.TotalExpenses.Add(p.Cost.Mul(decimal.NewFromInt(int64(item.Quantity))))
			}
		}
	}
	stats.NetProfit = stats.TotalIncome.Sub(stats.TotalExpenses)

	for _, p := range products {
		units := p.TotalStock()
		stats.TotalStockUnits += units
		stats.InventoryValue = stats.InventoryValue.Add(p.Price.Mul(decimal.NewFromInt(int64(units))))
	}
	return stats
}

// SalesTrend sums sale totals per bucket. Only buckets with at least one
// sale appear. Day buckets use the calendar day in loc and are ordered by
// time; weekday buckets merge every week and run Monday through Sunday.
func SalesTrend(sales []domain.Sale, loc *time.Location, bucket Bucket) []domain.TrendPoint {
	if loc == nil {
		loc = time.Local
	}
	if bucket == BucketWeekday {
		return weekdayTrend(sales, loc)
	}

	ordered := slices.Clone(sales)
	slices.SortStableFunc(ordered, func(a, b domain.Sale) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	points := make([]domain.TrendPoint, 0, 32)
	for _, sale := range ordered {
		label := sale.CreatedAt.In(loc).Format(time.DateOnly)
		if n := len(points); n > 0 && points[n-1].Label == label {
			points[n-1].Total = points[n-1].Total.Add(sale.TotalAmount)
			continue
		}
		points = append(points, domain.TrendPoint{Label: label, Total: sale.TotalAmount})
	}
	return points
}

func weekdayTrend(sales []domain.Sale, loc *time.Location) []domain.TrendPoint {
	var totals [7]decimal.Decimal
	var seen [7]bool
	for _, sale := range sales {
		// Monday = 0.
		idx := (int(sale.CreatedAt.In(loc).Weekday()) + 6) % 7
		if !seen[idx] {
			seen[idx] = true
			totals[idx] = decimal.Zero
		}
		totals[idx] = totals[idx].Add(sale.TotalAmount)
	}

	points := make([]domain.TrendPoint, 0, 7)
	for idx := range totals {
		if !seen[idx] {
			continue
		}
		day := time.Weekday((idx + 1) % 7)
		points = append(points, domain.TrendPoint{Label: day.String()[:3], Total: totals[idx]})
	}
	return points
}

// TopProducts ranks products by units sold. Ties keep the order in which
// each name was first seen. A product that no longer resolves is counted
// under UnknownProduct.
func TopProducts(sales []domain.Sale, products []domain.Product, limit int) []domain.TopProduct {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	byID := indexProducts(products)

	ranked := make([]domain.TopProduct, 0, 16)
	position := make(map[string]int, 16)
	for _, sale := range sales {
		for _, item := range sale.Items {
			name := UnknownProduct
			if p, ok := byID[item.ProductID]; ok && p.Name != "" {
				name = p.Name
			}
			idx, ok := position[name]
			if !ok {
				idx = len(ranked)
				position[name] = idx
				ranked = append(ranked, domain.TopProduct{Name: name})
			}
			ranked[idx].Quantity += item.Quantity
		}
	}

	slices.SortStableFunc(ranked, func(a, b domain.TopProduct) int {
		return b.Quantity - a.Quantity
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func AverageTicket(sales []domain.Sale) decimal.Decimal {
	if len(sales) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, sale := range sales {
		sum = sum.Add(sale.TotalAmount)
	}
	return sum.Div(decimal.NewFromInt(int64(len(sales))))
}

// RecentSales returns the n most recent sales, newest first.
func RecentSales(sales []domain.Sale, n int) []domain.Sale {
	if n <= 0 {
		return []domain.Sale{}
	}
	ordered := slices.Clone(sales)
	slices.SortStableFunc(ordered, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(ordered) > n {
		ordered = ordered[:n]
	}
	return ordered
}

// LowStock lists every size variant whose stock is at or below threshold, in
// catalog order.
func LowStock(products []domain.Product, threshold int) []domain.LowStockEntry {
	entries := make([]domain.LowStockEntry, 0, 8)
	for _, p := range products {
		for _, s := range p.Sizes {
			if s.Stock <= threshold {
				entries = append(entries, domain.LowStockEntry{ProductID: p.ID, Name: p.Name, Size: s.Size, Stock: s.Stock})
			}
		}
	}
	return entries
}
