package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tallypos/backend/internal/domain"
	"tallypos/backend/internal/store"
)

// RecordSale sells quantity units of one size of a product. Stock is
// decremented with a compare-and-swap against the stock read at the start
// of the attempt; a lost race is retried a bounded number of times and then
// reported as *store.ConflictError. A failure after the sale row exists is
// reported as *store.PartialWriteError and never retried.
func (s *Service) RecordSale(ctx context.Context, req domain.RecordSaleRequest) (domain.RecordSaleResponse, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Size = strings.TrimSpace(req.Size)
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if err := validateSaleRequest(req); err != nil {
		s.metrics.SaleValidationFailure()
		return domain.RecordSaleResponse{}, err
	}

	var conflict *store.ConflictError
	for attempt := 1; attempt <= s.opts.ConflictRetries+1; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, time.Duration(attempt-1)*s.opts.RetryBackoff); err != nil {
				return domain.RecordSaleResponse{}, conflict
			}
		}

		resp, err := s.attemptSale(ctx, req)
		if err == nil {
			resp.Attempts = attempt
			s.invalidate(ctx)
			s.metrics.SaleRecorded()
			s.logAudit(ctx, domain.AuditActionSaleRecord, "sale", resp.Sale.ID,
				fmt.Sprintf("product=%s,size=%s,qty=%d,total=%s,attempts=%d", req.ProductID, req.Size, req.Quantity, resp.Sale.TotalAmount, attempt))
			s.log.Info().
				Str("sale_id", resp.Sale.ID).
				Str("product_id", req.ProductID).
				Str("size", req.Size).
				Int("attempts", attempt).
				Msg("sale recorded")
			return resp, nil
		}

		if !errors.As(err, &conflict) {
			if errors.Is(err, store.ErrInvalidInput) {
				s.metrics.SaleValidationFailure()
			}
			return domain.RecordSaleResponse{}, err
		}
		conflict.Attempts = attempt
		s.metrics.SaleConflict()
		s.log.Debug().
			Str("product_id", req.ProductID).
			Str("size", req.Size).
			Int("expected_stock", conflict.ExpectedStock).
			Int("attempt", attempt).
			Msg("stock conflict, retrying")
	}
	return domain.RecordSaleResponse{}, conflict
}

func validateSaleRequest(req domain.RecordSaleRequest) error {
	switch {
	case req.ProductID == "":
		return &store.ValidationError{Op: "record_sale", Field: "product_id", Reason: "required"}
	case req.Size == "":
		return &store.ValidationError{Op: "record_sale", ProductID: req.ProductID, Field: "size", Reason: "required"}
	case !req.Price.IsPositive():
		return &store.ValidationError{Op: "record_sale", ProductID: req.ProductID, Size: req.Size, Field: "price", Reason: "must be positive"}
	case !wholeCents(req.Price):
		return &store.ValidationError{Op: "record_sale", ProductID: req.ProductID, Size: req.Size, Field: "price", Reason: "at most 2 decimal places"}
	case req.Quantity < 1:
		return &store.ValidationError{Op: "record_sale", ProductID: req.ProductID, Size: req.Size, Field: "quantity", Reason: "must be positive"}
	}
	return nil
}

func (s *Service) attemptSale(ctx context.Context, req domain.RecordSaleRequest) (domain.RecordSaleResponse, error) {
	callCtx, cancel := s.storeCall(ctx)
	product, err := s.repo.GetProduct(callCtx, req.ProductID)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.RecordSaleResponse{}, &store.ValidationError{Op: "record_sale", ProductID: req.ProductID, Field: "product_id", Reason: "not found", Err: err}
		}
		return domain.RecordSaleResponse{}, storeErr("get_product", err)
	}

	entry, _, ok := product.FindSize(req.Size)
	switch {
	case !ok:
		return domain.RecordSaleResponse{}, &store.ValidationError{Op: "record_sale", ProductID: req.ProductID, Size: req.Size, Field: "size", Reason: "not offered by product"}
	case entry.Stock <= 0:
		return domain.RecordSaleResponse{}, &store.ValidationError{Op: "record_sale", ProductID: req.ProductID, Size: req.Size, Field: "stock", Reason: "out of stock"}
	case req.Quantity > entry.Stock:
		return domain.RecordSaleResponse{}, &store.ValidationError{Op: "record_sale", ProductID: req.ProductID, Size: req.Size, Field: "quantity",
			Reason: fmt.Sprintf("exceeds available stock %d", entry.Stock)}
	}

	sale := domain.Sale{
		ID:          uuid.NewString(),
		TotalAmount: req.Price.Mul(decimal.NewFromInt(int64(req.Quantity))),
		Status:      domain.SaleStatusCompleted,
		CreatedAt:   s.now(),
	}
	item := domain.SaleItem{
		ID:        uuid.NewString(),
		SaleID:    sale.ID,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		UnitPrice: req.Price,
		Size:      req.Size,
	}

	if atomic, ok := s.repo.(store.AtomicSaleWriter); ok {
		return s.recordAtomic(ctx, atomic, sale, item, entry.Stock)
	}
	return s.recordSaga(ctx, sale, item, entry.Stock)
}

func (s *Service) recordAtomic(ctx context.Context, atomic store.AtomicSaleWriter, sale domain.Sale, item domain.SaleItem, expectedStock int) (domain.RecordSaleResponse, error) {
	callCtx, cancel := s.storeCall(ctx)
	defer cancel()

	saved, product, err := atomic.RecordSaleAtomic(callCtx, sale, item, expectedStock)
	if err != nil {
		if errors.Is(err, store.ErrStockConflict) {
			return domain.RecordSaleResponse{}, &store.ConflictError{ProductID: item.ProductID, Size: item.Size, ExpectedStock: expectedStock}
		}
		return domain.RecordSaleResponse{}, storeErr("record_sale", err)
	}

	if len(saved.Items) > 0 {
		item = saved.Items[0]
	}
	return domain.RecordSaleResponse{Sale: *saved, Item: item, Product: *product}, nil
}

// recordSaga appends the sale, then its item, then decrements stock. When
// either later step fails the sale is deleted again.
func (s *Service) recordSaga(ctx context.Context, sale domain.Sale, item domain.SaleItem, expectedStock int) (domain.RecordSaleResponse, error) {
	completed := make([]string, 0, 3)

	callCtx, cancel := s.storeCall(ctx)
	saved, err := s.repo.InsertSale(callCtx, sale)
	cancel()
	if err != nil {
		return domain.RecordSaleResponse{}, storeErr(store.StepInsertSale, err)
	}
	completed = append(completed, store.StepInsertSale)

	callCtx, cancel = s.storeCall(ctx)
	savedItem, err := s.repo.InsertSaleItem(callCtx, item)
	cancel()
	if err != nil {
		return domain.RecordSaleResponse{}, s.partialWrite(ctx, *saved, item, completed, storeErr(store.StepInsertSaleItem, err))
	}
	completed = append(completed, store.StepInsertSaleItem)

	callCtx, cancel = s.storeCall(ctx)
	product, err := s.repo.DecrementSizeStock(callCtx, item.ProductID, item.Size, expectedStock, item.Quantity)
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrStockConflict) {
			cerr := s.compensate(ctx, saved.ID)
			if cerr == nil {
				return domain.RecordSaleResponse{}, &store.ConflictError{ProductID: item.ProductID, Size: item.Size, ExpectedStock: expectedStock}
			}
			return domain.RecordSaleResponse{}, s.reportPartial(ctx, *saved, item, completed, false, errors.Join(err, cerr))
		}
		return domain.RecordSaleResponse{}, s.partialWrite(ctx, *saved, item, completed, storeErr(store.StepDecrementStock, err))
	}

	sale = *saved
	sale.Items = []domain.SaleItem{*savedItem}
	return domain.RecordSaleResponse{Sale: sale, Item: *savedItem, Product: *product}, nil
}

// compensate deletes a sale whose later steps failed. A dashboard built while
// the sale existed is dropped whether or not the delete succeeded.
func (s *Service) compensate(ctx context.Context, saleID string) error {
	callCtx, cancel := s.detachedCall(ctx)
	err := s.repo.DeleteSale(callCtx, saleID)
	cancel()
	s.invalidate(ctx)
	return storeErr("delete_sale", err)
}

func (s *Service) partialWrite(ctx context.Context, sale domain.Sale, item domain.SaleItem, completed []string, cause error) error {
	cerr := s.compensate(ctx, sale.ID)
	if cerr != nil {
		cause = errors.Join(cause, cerr)
	}
	return s.reportPartial(ctx, sale, item, completed, cerr == nil, cause)
}

func (s *Service) reportPartial(ctx context.Context, sale domain.Sale, item domain.SaleItem, completed []string, compensated bool, cause error) error {
	perr := &store.PartialWriteError{
		SaleID:      sale.ID,
		ProductID:   item.ProductID,
		Size:        item.Size,
		Price:       item.UnitPrice,
		Completed:   completed,
		Compensated: compensated,
		Err:         cause,
	}
	s.metrics.SalePartialWrite(compensated)

	action := domain.AuditActionSaleCompensate
	event := s.log.Warn()
	if !compensated {
		action = domain.AuditActionSalePartial
		event = s.log.Error()
	}
	event.Err(cause).
		Str("sale_id", sale.ID).
		Str("product_id", item.ProductID).
		Str("size", item.Size).
		Str("price", item.UnitPrice.String()).
		Strs("completed", completed).
		Bool("compensated", compensated).
		Msg("sale write stopped midway")
	s.logAudit(ctx, action, "sale", sale.ID, perr.Error())
	return perr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
