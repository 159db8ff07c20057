package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tallypos/backend/internal/cache"
	"tallypos/backend/internal/domain"
	"tallypos/backend/internal/metrics"
	"tallypos/backend/internal/store"
)

const (
	defaultStoreTimeout      = 5 * time.Second
	defaultConflictRetries   = 3
	defaultRetryBackoff      = 25 * time.Millisecond
	defaultCacheTTL          = 30 * time.Second
	defaultLowStockThreshold = 2
	defaultRecentSales       = 5
)

type Options struct {
	StoreTimeout      time.Duration
	// ConflictRetries bounds re-attempts after a lost stock race. Zero picks
	// the default; a negative value disables retrying.
	ConflictRetries   int
	RetryBackoff      time.Duration
	CacheTTL          time.Duration
	Location          *time.Location
	LowStockThreshold int
	RecentSales       int
	Logger            zerolog.Logger
}

type Service struct {
	repo    store.Repository
	cache   cache.DashboardCache
	metrics *metrics.Recorder
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
}

func New(repo store.Repository, dashboardCache cache.DashboardCache, recorder *metrics.Recorder, opts Options) *Service {
	if dashboardCache == nil {
		dashboardCache = cache.NoopDashboardCache{}
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	switch {
	case opts.ConflictRetries == 0:
		opts.ConflictRetries = defaultConflictRetries
	case opts.ConflictRetries < 0:
		opts.ConflictRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.LowStockThreshold <= 0 {
		opts.LowStockThreshold = defaultLowStockThreshold
	}
	if opts.RecentSales <= 0 {
		opts.RecentSales = defaultRecentSales
	}

	return &Service{
		repo:    repo,
		cache:   dashboardCache,
		metrics: recorder,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "service").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ping reports whether the backing store is reachable. Stores that cannot
// be pinged are assumed to be.
func (s *Service) Ping(ctx context.Context) error {
	pinger, ok := s.repo.(store.Pinger)
	if !ok {
		return nil
	}
	callCtx, cancel := s.storeCall(ctx)
	defer cancel()
	return storeErr("ping", pinger.Ping(callCtx))
}

// ListProducts returns the catalog, optionally narrowed to products whose
// name or SKU contains query, case-insensitively.
func (s *Service) ListProducts(ctx context.Context, query string) ([]domain.Product, error) {
	callCtx, cancel := s.storeCall(ctx)
	defer cancel()

	products, err := s.repo.ListProducts(callCtx)
	if err != nil {
		return nil, storeErr("list_products", err)
	}

	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return products, nil
	}
	filtered := make([]domain.Product, 0, len(products))
	for _, p := range products {
		if strings.Contains(strings.ToLower(p.Name), query) || strings.Contains(strings.ToLower(p.SKU), query) {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, &store.ValidationError{Op: "get_product", Field: "id", Reason: "required"}
	}

	callCtx, cancel := s.storeCall(ctx)
	defer cancel()

	p, err := s.repo.GetProduct(callCtx, id)
	if err != nil {
		return domain.Product{}, storeErr("get_product", err)
	}
	return *p, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	product := domain.Product{
		Name:     strings.TrimSpace(req.Name),
		SKU:      strings.ToUpper(strings.TrimSpace(req.SKU)),
		Price:    req.Price,
		Cost:     req.Cost,
		ImageURL: strings.TrimSpace(req.ImageURL),
		Sizes:    normalizeSizes(req.Sizes),
	}
	if err := validateProduct("create_product", product); err != nil {
		return domain.Product{}, err
	}

	callCtx, cancel := s.storeCall(ctx)
	defer cancel()

	created, err := s.repo.CreateProduct(callCtx, product)
	if err != nil {
		return domain.Product{}, storeErr("create_product", err)
	}

	s.invalidate(ctx)
	s.logAudit(ctx, domain.AuditActionProductCreate, "product", created.ID,
		fmt.Sprintf("name=%s,price=%s,cost=%s,stock=%d", created.Name, created.Price, created.Cost, created.TotalStock()))
	return *created, nil
}

// UpdateProduct replaces every editable field of the product, including its
// whole sizes sequence.
func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	product := domain.Product{
		ID:       strings.TrimSpace(id),
		Name:     strings.TrimSpace(req.Name),
		SKU:      strings.ToUpper(strings.TrimSpace(req.SKU)),
		Price:    req.Price,
		Cost:     req.Cost,
		ImageURL: strings.TrimSpace(req.ImageURL),
		Sizes:    normalizeSizes(req.Sizes),
	}
	if product.ID == "" {
		return domain.Product{}, &store.ValidationError{Op: "update_product", Field: "id", Reason: "required"}
	}
	if err := validateProduct("update_product", product); err != nil {
		return domain.Product{}, err
	}

	callCtx, cancel := s.storeCall(ctx)
	defer cancel()

	updated, err := s.repo.UpdateProduct(callCtx, product)
	if err != nil {
		return domain.Product{}, storeErr("update_product", err)
	}

	s.invalidate(ctx)
	s.logAudit(ctx, domain.AuditActionProductUpdate, "product", updated.ID,
		fmt.Sprintf("name=%s,price=%s,cost=%s,stock=%d", updated.Name, updated.Price, updated.Cost, updated.TotalStock()))
	return *updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &store.ValidationError{Op: "delete_product", Field: "id", Reason: "required"}
	}

	callCtx, cancel := s.storeCall(ctx)
	defer cancel()

	if err := s.repo.DeleteProduct(callCtx, id); err != nil {
		return storeErr("delete_product", err)
	}

	s.invalidate(ctx)
	s.logAudit(ctx, domain.AuditActionProductDelete, "product", id, "deleted")
	return nil
}

// RestockProduct adds units to one existing size without touching the rest
// of the sizes sequence. It also puts back stock for a sale that was
// reconciled by hand after a failed compensation.
func (s *Service) RestockProduct(ctx context.Context, id string, req domain.RestockRequest) (domain.Product, error) {
	id = strings.TrimSpace(id)
	req.Size = strings.TrimSpace(req.Size)
	switch {
	case id == "":
		return domain.Product{}, &store.ValidationError{Op: "restock_product", Field: "id", Reason: "required"}
	case req.Size == "":
		return domain.Product{}, &store.ValidationError{Op: "restock_product", ProductID: id, Field: "size", Reason: "required"}
	case req.Quantity < 1:
		return domain.Product{}, &store.ValidationError{Op: "restock_product", ProductID: id, Size: req.Size, Field: "quantity", Reason: "must be positive"}
	}

	callCtx, cancel := s.storeCall(ctx)
	defer cancel()

	updated, err := s.repo.RestoreSizeStock(callCtx, id, req.Size, req.Quantity)
	if err != nil {
		return domain.Product{}, storeErr("restock_product", err)
	}

	s.invalidate(ctx)
	s.logAudit(ctx, domain.AuditActionProductRestock, "product", id,
		fmt.Sprintf("size=%s,qty=%d,stock=%d", req.Size, req.Quantity, updated.TotalStock()))
	return *updated, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	callCtx, cancel := s.storeCall(ctx)
	defer cancel()

	logs, err := s.repo.ListAuditLogs(callCtx, limit)
	if err != nil {
		return nil, storeErr("list_audit_logs", err)
	}
	return logs, nil
}

func (s *Service) storeCall(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

// detachedCall bounds a store call that must run even when the caller has
// gone away, such as compensation.
func (s *Service) detachedCall(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
}

func (s *Service) invalidate(ctx context.Context) {
	callCtx, cancel := s.detachedCall(ctx)
	defer cancel()
	if err := s.cache.Invalidate(callCtx); err != nil {
		s.log.Warn().Err(err).Msg("dashboard cache invalidation failed")
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	callCtx, cancel := s.detachedCall(ctx)
	defer cancel()

	if err := s.repo.CreateAuditLog(callCtx, domain.AuditLog{
		ID:         uuid.NewString(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		s.log.Warn().Err(err).
			Str("action", action).
			Str("entity", entityType+"/"+entityID).
			Msg("failed to write audit log")
	}
}

// storeErr normalizes a repository error. Timeouts become UnavailableError
// and everything already in the taxonomy passes through.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var unavailable *store.UnavailableError
	if errors.As(err, &unavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &store.UnavailableError{Op: op, Err: err}
	}
	return err
}

func normalizeSizes(sizes []domain.SizeStock) []domain.SizeStock {
	out := make([]domain.SizeStock, 0, len(sizes))
	for _, size := range sizes {
		out = append(out, domain.SizeStock{Size: strings.TrimSpace(size.Size), Stock: size.Stock})
	}
	return out
}

func validateProduct(op string, p domain.Product) error {
	if p.Name == "" {
		return &store.ValidationError{Op: op, ProductID: p.ID, Field: "name", Reason: "required"}
	}
	if p.Price.IsNegative() {
		return &store.ValidationError{Op: op, ProductID: p.ID, Field: "price", Reason: "must not be negative"}
	}
	if !wholeCents(p.Price) {
		return &store.ValidationError{Op: op, ProductID: p.ID, Field: "price", Reason: "at most 2 decimal places"}
	}
	if p.Cost.IsNegative() {
		return &store.ValidationError{Op: op, ProductID: p.ID, Field: "cost", Reason: "must not be negative"}
	}
	if !wholeCents(p.Cost) {
		return &store.ValidationError{Op: op, ProductID: p.ID, Field: "cost", Reason: "at most 2 decimal places"}
	}
	seen := make(map[string]struct{}, len(p.Sizes))
	for _, size := range p.Sizes {
		if size.Size == "" {
			return &store.ValidationError{Op: op, ProductID: p.ID, Field: "sizes", Reason: "size label required"}
		}
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

// wholeCents reports whether d fits the numeric(12,2) money columns without
// rounding. 29.990 passes; 29.999 does not.
func wholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}
