package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tallypos/backend/internal/analytics"
	"tallypos/backend/internal/domain"
	"tallypos/backend/internal/metrics"
	"tallypos/backend/internal/report"
	"tallypos/backend/internal/store"
	"tallypos/backend/internal/store/memory"
)

// faultyRepo injects failures into the saga steps of a memory store.
type faultyRepo struct {
	*memory.Store

	mu              sync.Mutex
	blockGet        bool
	failInsertItem  error
	failDecrement   error
	failDelete      error
	beforeDecrement func(ctx context.Context, productID string, size string)
	decrementCalls  int
}

func (r *faultyRepo) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if r.blockGet {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.Store.GetProduct(ctx, id)
}

func (r *faultyRepo) InsertSaleItem(ctx context.Context, item domain.SaleItem) (*domain.SaleItem, error) {
	if r.failInsertItem != nil {
		return nil, r.failInsertItem
	}
	return r.Store.InsertSaleItem(ctx, item)
}

func (r *faultyRepo) DecrementSizeStock(ctx context.Context, productID string, size string, expectedStock int, qty int) (*domain.Product, error) {
	r.mu.Lock()
	r.decrementCalls++
	r.mu.Unlock()

	if r.beforeDecrement != nil {
		r.beforeDecrement(ctx, productID, size)
	}
	if r.failDecrement != nil {
		return nil, r.failDecrement
	}
	return r.Store.DecrementSizeStock(ctx, productID, size, expectedStock, qty)
}

func (r *faultyRepo) DeleteSale(ctx context.Context, id string) error {
	if r.failDelete != nil {
		return r.failDelete
	}
	return r.Store.DeleteSale(ctx, id)
}

// atomicRepo stands in for a transactional store and loses the first
// conflicts attempts.
type atomicRepo struct {
	*memory.Store
	conflicts int
	calls     int
}

func (r *atomicRepo) RecordSaleAtomic(ctx context.Context, sale domain.Sale, item domain.SaleItem, expectedStock int) (*domain.Sale, *domain.Product, error) {
	r.calls++
	if r.conflicts > 0 {
		r.conflicts--
		return nil, nil, store.ErrStockConflict
	}
	product, err := r.DecrementSizeStock(ctx, item.ProductID, item.Size, expectedStock, item.Quantity)
	if err != nil {
		return nil, nil, err
	}
	saved, err := r.InsertSale(ctx, sale)
	if err != nil {
		return nil, nil, err
	}
	if _, err := r.InsertSaleItem(ctx, item); err != nil {
		return nil, nil, err
	}
	saved.Items = []domain.SaleItem{item}
	return saved, product, nil
}

type countingCache struct {
	mu          sync.Mutex
	entries     map[string]domain.DashboardResponse
	gets        int
	hits        int
	invalidated int
}

func newCountingCache() *countingCache {
	return &countingCache{entries: make(map[string]domain.DashboardResponse)}
}

func (c *countingCache) Get(_ context.Context, key string) (*domain.DashboardResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	return &v, true, nil
}

func (c *countingCache) Set(_ context.Context, key string, value *domain.DashboardResponse, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = *value
	return nil
}

func (c *countingCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	c.entries = make(map[string]domain.DashboardResponse)
	return nil
}

func newTestService(repo store.Repository, opts Options) *Service {
	opts.Logger = zerolog.Nop()
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	return New(repo, nil, metrics.New(), opts)
}

func seedProduct(t *testing.T, repo store.Repository, sizes ...domain.SizeStock) domain.Product {
	t.Helper()
	p, err := repo.CreateProduct(context.Background(), domain.Product{
		Name:  "Camiseta",
		Price: decimal.RequireFromString("29.99"),
		Cost:  decimal.RequireFromString("10"),
		Sizes: sizes,
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return *p
}

func sell(product domain.Product, size string) domain.RecordSaleRequest {
	return domain.RecordSaleRequest{ProductID: product.ID, Size: size, Price: decimal.RequireFromString("29.99")}
}

func stockOf(t *testing.T, repo store.Repository, productID string, size string) int {
	t.Helper()
	p, err := repo.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	entry, _, ok := p.FindSize(size)
	if !ok {
		t.Fatalf("size %s missing", size)
	}
	return entry.Stock
}

func ledger(t *testing.T, repo store.Repository) []domain.Sale {
	t.Helper()
	sales, err := repo.ListSales(context.Background(), store.SaleFilter{})
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	return sales
}

func TestRecordSaleDecrementsOneSize(t *testing.T) {
	repo := memory.New()
	product := seedProduct(t, repo, domain.SizeStock{Size: "S", Stock: 2}, domain.SizeStock{Size: "M", Stock: 1})
	svc := newTestService(repo, Options{})

	resp, err := svc.RecordSale(context.Background(), sell(product, "M"))
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if resp.Sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("expected completed sale, got %s", resp.Sale.Status)
	}
	if !resp.Sale.TotalAmount.Equal(decimal.RequireFromString("29.99")) {
		t.Fatalf("expected total 29.99, got %s", resp.Sale.TotalAmount)
	}
	if resp.Item.Quantity != 1 || resp.Item.Size != "M" || resp.Item.SaleID != resp.Sale.ID {
		t.Fatalf("unexpected item: %+v", resp.Item)
	}
	if resp.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", resp.Attempts)
	}
	if got := stockOf(t, repo, product.ID, "M"); got != 0 {
		t.Fatalf("expected M stock 0, got %d", got)
	}
	if got := stockOf(t, repo, product.ID, "S"); got != 2 {
		t.Fatalf("expected S untouched at 2, got %d", got)
	}

	sales := ledger(t, repo)
	if len(sales) != 1 || len(sales[0].Items) != 1 {
		t.Fatalf("expected one sale with one item, got %+v", sales)
	}

	logs, err := svc.ListAuditLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) == 0 || logs[0].Action != domain.AuditActionSaleRecord {
		t.Fatalf("expected sale_record audit entry, got %+v", logs)
	}
}

func TestRecordSaleMultipleUnits(t *testing.T) {
	repo := memory.New()
	product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 5})
	svc := newTestService(repo, Options{})

	req := sell(product, "M")
	req.Quantity = 3
	resp, err := svc.RecordSale(context.Background(), req)
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if !resp.Sale.TotalAmount.Equal(decimal.RequireFromString("89.97")) {
		t.Fatalf("expected total 89.97, got %s", resp.Sale.TotalAmount)
	}
	if got := stockOf(t, repo, product.ID, "M"); got != 2 {
		t.Fatalf("expected stock 2, got %d", got)
	}
}

func TestRecordSaleRejectsInvalidInputWithoutWrites(t *testing.T) {
	repo := memory.New()
	product := seedProduct(t, repo, domain.SizeStock{Size: "S", Stock: 0}, domain.SizeStock{Size: "M", Stock: 2})
	svc := newTestService(repo, Options{})

	cases := map[string]domain.RecordSaleRequest{
		"no size":          {ProductID: product.ID, Price: decimal.NewFromInt(10)},
		"no product":       {Size: "M", Price: decimal.NewFromInt(10)},
		"zero price":       {ProductID: product.ID, Size: "M"},
		"negative price":   {ProductID: product.ID, Size: "M", Price: decimal.NewFromInt(-1)},
		"negative qty":     {ProductID: product.ID, Size: "M", Price: decimal.NewFromInt(10), Quantity: -1},
		"unknown size":     {ProductID: product.ID, Size: "XL", Price: decimal.NewFromInt(10)},
		"out of stock":     {ProductID: product.ID, Size: "S", Price: decimal.NewFromInt(10)},
		"qty over stock":   {ProductID: product.ID, Size: "M", Price: decimal.NewFromInt(10), Quantity: 3},
		"missing product":  {ProductID: "missing", Size: "M", Price: decimal.NewFromInt(10)},
		"blank product id": {ProductID: "   ", Size: "M", Price: decimal.NewFromInt(10)},
		"sub-cent price":   {ProductID: product.ID, Size: "M", Price: decimal.RequireFromString("0.001")},
		"three decimals":   {ProductID: product.ID, Size: "M", Price: decimal.RequireFromString("29.999")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.RecordSale(context.Background(), req)
			if !errors.Is(err, store.ErrInvalidInput) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var verr *store.ValidationError
			if !errors.As(err, &verr) || verr.Op != "record_sale" {
				t.Fatalf("expected *store.ValidationError for record_sale, got %T", err)
			}
		})
	}

	if sales := ledger(t, repo); len(sales) != 0 {
		t.Fatalf("expected empty ledger, got %d sales", len(sales))
	}
	if got := stockOf(t, repo, product.ID, "M"); got != 2 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestRecordSaleRetriesAfterLostRace(t *testing.T) {
	repo := &faultyRepo{Store: memory.New()}
	product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 3})
	svc := newTestService(repo, Options{ConflictRetries: 3})

	raced := false
	repo.beforeDecrement = func(ctx context.Context, productID string, size string) {
		if raced {
			return
		}
		raced = true
		// another register sells one unit between our read and our write
		if _, err := repo.Store.DecrementSizeStock(ctx, productID, size, 3, 1); err != nil {
			t.Errorf("competing decrement: %v", err)
		}
	}

	resp, err := svc.RecordSale(context.Background(), sell(product, "M"))
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if resp.Attempts != 2 {
		t.Fatalf("expected two attempts, got %d", resp.Attempts)
	}
	if got := stockOf(t, repo, product.ID, "M"); got != 1 {
		t.Fatalf("expected stock 1, got %d", got)
	}
	if sales := ledger(t, repo); len(sales) != 1 {
		t.Fatalf("losing attempt must leave no sale behind, got %d sales", len(sales))
	}
}

func TestRecordSaleConflictExhaustsRetries(t *testing.T) {
	repo := &faultyRepo{Store: memory.New()}
	product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 3})
	svc := newTestService(repo, Options{ConflictRetries: 2})

	repo.beforeDecrement = func(ctx context.Context, productID string, size string) {
		if _, err := repo.Store.RestoreSizeStock(ctx, productID, size, 1); err != nil {
			t.Errorf("competing restock: %v", err)
		}
	}

	_, err := svc.RecordSale(context.Background(), sell(product, "M"))
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if !errors.Is(err, store.ErrStockConflict) {
		t.Fatalf("conflict must match ErrStockConflict")
	}
	if conflict.Attempts != 3 || repo.decrementCalls != 3 {
		t.Fatalf("expected 3 attempts, got attempts=%d calls=%d", conflict.Attempts, repo.decrementCalls)
	}
	if sales := ledger(t, repo); len(sales) != 0 {
		t.Fatalf("expected empty ledger, got %d sales", len(sales))
	}
}

func TestRecordSalePartialWriteIsCompensatedAndNotRetried(t *testing.T) {
	repo := &faultyRepo{Store: memory.New()}
	product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 2})
	repo.failDecrement = &store.UnavailableError{Op: "decrement_stock", Err: errors.New("connection reset")}
	svc := newTestService(repo, Options{ConflictRetries: 3})

	_, err := svc.RecordSale(context.Background(), sell(product, "M"))
	var perr *store.PartialWriteError
	if !errors.As(err, &perr) {
		t.Fatalf("expected partial write error, got %v", err)
	}
	if !perr.Compensated {
		t.Fatalf("expected compensation to succeed")
	}
	if len(perr.Completed) != 2 || perr.Completed[0] != store.StepInsertSale || perr.Completed[1] != store.StepInsertSaleItem {
		t.Fatalf("unexpected completed steps: %v", perr.Completed)
	}
	if perr.ProductID != product.ID || perr.Size != "M" || perr.SaleID == "" {
		t.Fatalf("partial write must carry reconciliation context: %+v", perr)
	}
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("cause must stay reachable")
	}
	if errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("partial write must not look like a validation error")
	}
	if repo.decrementCalls != 1 {
		t.Fatalf("partial write must not be retried, got %d calls", repo.decrementCalls)
	}
	if sales := ledger(t, repo); len(sales) != 0 {
		t.Fatalf("compensation should remove the sale, got %d", len(sales))
	}
	if got := stockOf(t, repo, product.ID, "M"); got != 2 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
}

func TestRecordSalePartialWriteWithoutCompensation(t *testing.T) {
	repo := &faultyRepo{Store: memory.New()}
	product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 2})
	repo.failInsertItem = errors.New("disk full")
	repo.failDelete = errors.New("still down")
	svc := newTestService(repo, Options{})

	_, err := svc.RecordSale(context.Background(), sell(product, "M"))
	var perr *store.PartialWriteError
	if !errors.As(err, &perr) {
		t.Fatalf("expected partial write error, got %v", err)
	}
	if perr.Compensated {
		t.Fatalf("compensation failed and must be reported as such")
	}
	if len(perr.Completed) != 1 || perr.Completed[0] != store.StepInsertSale {
		t.Fatalf("unexpected completed steps: %v", perr.Completed)
	}

	sales := ledger(t, repo)
	if len(sales) != 1 || sales[0].ID != perr.SaleID {
		t.Fatalf("the orphan sale stays visible for reconciliation, got %+v", sales)
	}

	logs, err := svc.ListAuditLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) == 0 || logs[0].Action != domain.AuditActionSalePartial || logs[0].EntityID != perr.SaleID {
		t.Fatalf("expected partial write audit entry, got %+v", logs)
	}
}

func TestRecordSaleTimesOutAsUnavailable(t *testing.T) {
	repo := &faultyRepo{Store: memory.New(), blockGet: true}
	product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 2})
	svc := newTestService(repo, Options{StoreTimeout: 20 * time.Millisecond})

	_, err := svc.RecordSale(context.Background(), sell(product, "M"))
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded cause, got %v", err)
	}
}

func TestConcurrentSalesOnLastUnitSellOnce(t *testing.T) {
	for _, retries := range []int{-1, 3} {
		repo := memory.New()
		product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 1})
		svc := newTestService(repo, Options{ConflictRetries: retries})

		const callers = 8
		var wg sync.WaitGroup
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.RecordSale(context.Background(), sell(product, "M"))
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		wins := 0
		for err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrStockConflict), errors.Is(err, store.ErrInvalidInput):
			default:
				t.Fatalf("retries=%d: unexpected error %v", retries, err)
			}
		}
		if wins != 1 {
			t.Fatalf("retries=%d: expected exactly one sale, got %d", retries, wins)
		}
		if got := stockOf(t, repo, product.ID, "M"); got != 0 {
			t.Fatalf("retries=%d: expected stock 0, got %d", retries, got)
		}
		if sales := ledger(t, repo); len(sales) != 1 {
			t.Fatalf("retries=%d: expected one sale in ledger, got %d", retries, len(sales))
		}
	}
}

func TestRecordSaleUsesAtomicWriter(t *testing.T) {
	repo := &atomicRepo{Store: memory.New(), conflicts: 1}
	product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 2})
	svc := newTestService(repo, Options{})

	resp, err := svc.RecordSale(context.Background(), sell(product, "M"))
	if err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if repo.calls != 2 || resp.Attempts != 2 {
		t.Fatalf("expected conflict then success, calls=%d attempts=%d", repo.calls, resp.Attempts)
	}
	if resp.Product.Sizes[0].Stock != 1 {
		t.Fatalf("expected returned product with stock 1, got %+v", resp.Product.Sizes)
	}
}

func TestDashboardIsCachedUntilInvalidated(t *testing.T) {
	repo := memory.New()
	product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 5})
	dashboardCache := newCountingCache()
	svc := New(repo, dashboardCache, nil, Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	first, err := svc.Dashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if first.Stats.SaleCount != 0 || !first.Stats.InventoryValue.Equal(decimal.RequireFromString("149.95")) {
		t.Fatalf("unexpected stats: %+v", first.Stats)
	}
	if _, err := svc.Dashboard(ctx); err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dashboardCache.hits != 1 {
		t.Fatalf("expected cached second read, hits=%d", dashboardCache.hits)
	}

	if _, err := svc.RecordSale(ctx, sell(product, "M")); err != nil {
		t.Fatalf("record sale: %v", err)
	}
	if dashboardCache.invalidated != 1 {
		t.Fatalf("expected one invalidation, got %d", dashboardCache.invalidated)
	}

	after, err := svc.Dashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if after.Stats.SaleCount != 1 || !after.Stats.TotalIncome.Equal(decimal.RequireFromString("29.99")) {
		t.Fatalf("expected fresh stats after sale, got %+v", after.Stats)
	}
	if !after.Stats.TotalExpenses.Equal(decimal.NewFromInt(10)) || !after.Stats.NetProfit.Equal(decimal.RequireFromString("19.99")) {
		t.Fatalf("unexpected expenses/profit: %+v", after.Stats)
	}
	if len(after.RecentSales) != 1 || !after.AverageTicket.Equal(decimal.RequireFromString("29.99")) {
		t.Fatalf("unexpected recent sales or average ticket: %+v", after)
	}
}

func TestAnalytics(t *testing.T) {
	repo := memory.New()
	product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 5})
	svc := newTestService(repo, Options{Location: time.UTC})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.RecordSale(ctx, sell(product, "M")); err != nil {
			t.Fatalf("record sale: %v", err)
		}
	}

	resp, err := svc.Analytics(ctx, analytics.BucketDay, 0)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if len(resp.Trend) != 1 || !resp.Trend[0].Total.Equal(decimal.RequireFromString("59.98")) {
		t.Fatalf("unexpected trend: %+v", resp.Trend)
	}
	if len(resp.TopProducts) != 1 || resp.TopProducts[0].Quantity != 2 || resp.TotalItemsSold != 2 {
		t.Fatalf("unexpected top products: %+v", resp.TopProducts)
	}

	if _, err := svc.Analytics(ctx, analytics.Bucket("month"), 0); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected validation error for unknown bucket, got %v", err)
	}
}

func TestCatalogOperations(t *testing.T) {
	repo := memory.NewSeeded()
	dashboardCache := newCountingCache()
	svc := New(repo, dashboardCache, nil, Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	found, err := svc.ListProducts(ctx, "jean")
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(found) != 1 || found[0].Name != "Jean Slim" {
		t.Fatalf("expected Jean Slim, got %+v", found)
	}

	_, err = svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Name:  "Dup",
		Price: decimal.NewFromInt(1),
		Sizes: []domain.SizeStock{{Size: "M", Stock: 1}, {Size: " M ", Stock: 1}},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected duplicate size rejection, got %v", err)
	}

	created, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Name:  "  Polo  ",
		SKU:   "pol-01",
		Price: decimal.NewFromInt(25),
		Cost:  decimal.NewFromInt(9),
		Sizes: []domain.SizeStock{{Size: "M", Stock: 4}},
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if created.Name != "Polo" || created.SKU != "POL-01" {
		t.Fatalf("expected normalized fields, got %+v", created)
	}

	updated, err := svc.UpdateProduct(ctx, created.ID, domain.ProductUpdateRequest{
		Name:  "Polo",
		Price: decimal.NewFromInt(27),
		Cost:  decimal.NewFromInt(9),
		Sizes: []domain.SizeStock{{Size: "L", Stock: 2}},
	})
	if err != nil {
		t.Fatalf("update product: %v", err)
	}
	if len(updated.Sizes) != 1 || updated.Sizes[0].Size != "L" {
		t.Fatalf("update must replace the whole sizes sequence, got %+v", updated.Sizes)
	}

	if err := svc.DeleteProduct(ctx, created.ID); err != nil {
		t.Fatalf("delete product: %v", err)
	}
	if _, err := svc.GetProduct(ctx, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if dashboardCache.invalidated != 3 {
		t.Fatalf("expected an invalidation per catalog write, got %d", dashboardCache.invalidated)
	}
}

func TestListSalesNewestFirstAndExport(t *testing.T) {
	repo := memory.New()
	product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 5})
	svc := newTestService(repo, Options{})
	ctx := context.Background()

	var last string
	for i := 0; i < 3; i++ {
		resp, err := svc.RecordSale(ctx, sell(product, "M"))
		if err != nil {
			t.Fatalf("record sale: %v", err)
		}
		last = resp.Sale.ID
	}

	sales, err := svc.ListSales(ctx, 2)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 2 || sales[0].ID != last {
		t.Fatalf("expected newest sale first, got %+v", sales)
	}

	var buf bytes.Buffer
	if err := svc.ExportSales(ctx, report.FormatCSV, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 4 || records[1][3] != "Camiseta" {
		t.Fatalf("unexpected export: %v", records)
	}

	if err := svc.ExportSales(ctx, report.Format("pdf"), &buf); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected validation error for format, got %v", err)
	}
}

func TestCompensationDropsCachedDashboard(t *testing.T) {
	for name, failure := range map[string]error{
		"conflict":      store.ErrStockConflict,
		"partial write": errors.New("write timeout"),
	} {
		t.Run(name, func(t *testing.T) {
			repo := &faultyRepo{Store: memory.New(), failDecrement: failure}
			product := seedProduct(t, repo, domain.SizeStock{Size: "M", Stock: 3})
			dashboardCache := newCountingCache()
			svc := New(repo, dashboardCache, nil, Options{Logger: zerolog.Nop(), ConflictRetries: -1})
			ctx := context.Background()

			// A dashboard read between the sale insert and the failed decrement
			// caches the sale that compensation is about to delete.
			repo.beforeDecrement = func(ctx context.Context, _ string, _ string) {
				dash, err := svc.Dashboard(ctx)
				if err != nil {
					t.Errorf("dashboard mid-sale: %v", err)
					return
				}
				if dash.Stats.SaleCount != 1 {
					t.Errorf("expected the in-flight sale in the snapshot, got %d", dash.Stats.SaleCount)
				}
			}

			if _, err := svc.RecordSale(ctx, sell(product, "M")); err == nil {
				t.Fatalf("expected the sale to fail")
			}
			if sales := ledger(t, repo); len(sales) != 0 {
				t.Fatalf("expected compensated ledger, got %d sales", len(sales))
			}
			if dashboardCache.invalidated != 1 {
				t.Fatalf("expected compensation to invalidate once, got %d", dashboardCache.invalidated)
			}

			repo.beforeDecrement = nil
			dash, err := svc.Dashboard(ctx)
			if err != nil {
				t.Fatalf("dashboard: %v", err)
			}
			if dash.Stats.SaleCount != 0 || !dash.Stats.TotalIncome.IsZero() {
				t.Fatalf("dashboard still shows the compensated sale: %+v", dash.Stats)
			}
		})
	}
}

func TestCreateProductRejectsSubCentMoney(t *testing.T) {
	svc := newTestService(memory.New(), Options{})

	cases := map[string]domain.ProductCreateRequest{
		"price": {Name: "Polo", Price: decimal.RequireFromString("29.999"), Cost: decimal.NewFromInt(9)},
		"cost":  {Name: "Polo", Price: decimal.NewFromInt(30), Cost: decimal.RequireFromString("1.005")},
	}
	for field, req := range cases {
		t.Run(field, func(t *testing.T) {
			_, err := svc.CreateProduct(context.Background(), req)
			var verr *store.ValidationError
			if !errors.As(err, &verr) || verr.Field != field {
				t.Fatalf("expected validation error on %s, got %v", field, err)
			}
		})
	}

	if _, err := svc.CreateProduct(context.Background(), domain.ProductCreateRequest{
		Name:  "Polo",
		Price: decimal.RequireFromString("29.990"),
		Cost:  decimal.NewFromInt(9),
	}); err != nil {
		t.Fatalf("trailing zeros fit in cents: %v", err)
	}
}

func TestRestockProduct(t *testing.T) {
	repo := memory.New()
	product := seedProduct(t, repo, domain.SizeStock{Size: "S", Stock: 1}, domain.SizeStock{Size: "M", Stock: 0})
	dashboardCache := newCountingCache()
	svc := New(repo, dashboardCache, nil, Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	updated, err := svc.RestockProduct(ctx, product.ID, domain.RestockRequest{Size: " M ", Quantity: 4})
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if got := []domain.SizeStock{{Size: "S", Stock: 1}, {Size: "M", Stock: 4}}; len(updated.Sizes) != 2 || updated.Sizes[0] != got[0] || updated.Sizes[1] != got[1] {
		t.Fatalf("expected only M restocked, got %+v", updated.Sizes)
	}
	if dashboardCache.invalidated != 1 {
		t.Fatalf("expected one invalidation, got %d", dashboardCache.invalidated)
	}
	logs, err := svc.ListAuditLogs(ctx, 1)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != domain.AuditActionProductRestock || logs[0].EntityID != product.ID {
		t.Fatalf("expected restock audit entry, got %+v", logs)
	}

	if _, err := svc.RecordSale(ctx, sell(product, "M")); err != nil {
		t.Fatalf("restocked size should sell: %v", err)
	}

	if _, err := svc.RestockProduct(ctx, product.ID, domain.RestockRequest{Size: "M", Quantity: 0}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected validation error for zero quantity, got %v", err)
	}
	if _, err := svc.RestockProduct(ctx, product.ID, domain.RestockRequest{Size: "XL", Quantity: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown size, got %v", err)
	}
}
