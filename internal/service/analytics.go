package service

import (
	"context"
	"io"
	"slices"

	"tallypos/backend/internal/analytics"
	"tallypos/backend/internal/domain"
	"tallypos/backend/internal/report"
	"tallypos/backend/internal/store"
)

const dashboardCacheKey = "summary"

// snapshot reads the ledger and the catalog with two independent queries.
// They are not isolated from each other; a sale landing in between shows up
// in one and not the other.
func (s *Service) snapshot(ctx context.Context) ([]domain.Sale, []domain.Product, error) {
	callCtx, cancel := s.storeCall(ctx)
	sales, err := s.repo.ListSales(callCtx, store.SaleFilter{})
	cancel()
	if err != nil {
		return nil, nil, storeErr("list_sales", err)
	}

	callCtx, cancel = s.storeCall(ctx)
	products, err := s.repo.ListProducts(callCtx)
	cancel()
	if err != nil {
		return nil, nil, storeErr("list_products", err)
	}
	return sales, products, nil
}

func (s *Service) Dashboard(ctx context.Context) (domain.DashboardResponse, error) {
	callCtx, cancel := s.storeCall(ctx)
	cached, ok, err := s.cache.Get(callCtx, dashboardCacheKey)
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Msg("dashboard cache read failed")
	} else if ok {
		return *cached, nil
	}

	sales, products, err := s.snapshot(ctx)
	if err != nil {
		return domain.DashboardResponse{}, err
	}

	resp := domain.DashboardResponse{
		Stats:         analytics.DashboardStats(sales, products),
		AverageTicket: analytics.AverageTicket(sales),
		RecentSales:   analytics.RecentSales(sales, s.opts.RecentSales),
		LowStock:      analytics.LowStock(products, s.opts.LowStockThreshold),
		GeneratedAt:   s.now(),
	}

	callCtx, cancel = s.storeCall(ctx)
	defer cancel()
	if err := s.cache.Set(callCtx, dashboardCacheKey, &resp, s.opts.CacheTTL); err != nil {
		s.log.Warn().Err(err).Msg("dashboard cache write failed")
	}
	return resp, nil
}

func (s *Service) Analytics(ctx context.Context, bucket analytics.Bucket, limit int) (domain.AnalyticsResponse, error) {
	if bucket == "" {
		bucket = analytics.BucketDay
	}
	if bucket != analytics.BucketDay && bucket != analytics.BucketWeekday {
		return domain.AnalyticsResponse{}, &store.ValidationError{Op: "analytics", Field: "bucket", Reason: "must be day or weekday"}
	}
	if limit < 1 || limit > 50 {
		limit = analytics.DefaultTopLimit
	}

	sales, products, err := s.snapshot(ctx)
	if err != nil {
		return domain.AnalyticsResponse{}, err
	}

	stats := analytics.DashboardStats(sales, products)
	return domain.AnalyticsResponse{
		Bucket:         string(bucket),
		Trend:          analytics.SalesTrend(sales, s.opts.Location, bucket),
		TopProducts:    analytics.TopProducts(sales, products, limit),
		AverageTicket:  analytics.AverageTicket(sales),
		TotalItemsSold: stats.TotalItemsSold,
		GeneratedAt:    s.now(),
	}, nil
}

// ListSales returns the latest sales, newest first.
func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 500 {
		limit = 50
	}
	callCtx, cancel := s.storeCall(ctx)
	defer cancel()

	sales, err := s.repo.ListSales(callCtx, store.SaleFilter{Limit: limit})
	if err != nil {
		return nil, storeErr("list_sales", err)
	}
	slices.Reverse(sales)
	return sales, nil
}

func (s *Service) ExportSales(ctx context.Context, format report.Format, w io.Writer) error {
	if format != report.FormatCSV && format != report.FormatXLSX {
		return &store.ValidationError{Op: "export_sales", Field: "format", Reason: "must be csv or xlsx"}
	}
	sales, products, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	return report.Write(w, format, report.Rows(sales, products))
}
