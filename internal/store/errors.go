package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrStockConflict = errors.New("concurrent stock conflict")
	ErrPartialWrite  = errors.New("partial write")
	ErrUnavailable   = errors.New("store unavailable")
)

// ValidationError reports caller input that breaks a precondition. It is
// never retried.
type ValidationError struct {
	Op        string
	ProductID string
	Size      string
	Field     string
	Reason    string
	Err       error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: invalid %s: %s", e.Op, e.Field, e.Reason)
	if e.ProductID != "" {
		fmt.Fprintf(&b, " (product=%s", e.ProductID)
		if e.Size != "" {
			fmt.Fprintf(&b, " size=%s", e.Size)
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

func (e *ValidationError) Unwrap() error { return e.Err }

// ConflictError reports a lost optimistic stock update. Nothing was left
// behind in the ledger.
type ConflictError struct {
	ProductID     string
	Size          string
	ExpectedStock int
	Attempts      int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent stock conflict: product=%s size=%s expected_stock=%d attempts=%d",
		e.ProductID, e.Size, e.ExpectedStock, e.Attempts)
}

func (e *ConflictError) Is(target error) bool { return target == ErrStockConflict }

// PartialWriteError reports a sale whose writes stopped midway. Completed
// lists the steps that reached the store; Compensated tells whether the
// rollback of those steps succeeded. It must not be retried automatically.
type PartialWriteError struct {
	SaleID      string
	ProductID   string
	Size        string
	Price       decimal.Decimal
	Completed   []string
	Compensated bool
	Err         error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: sale=%s product=%s size=%s price=%s completed=[%s] compensated=%t: %v",
		e.SaleID, e.ProductID, e.Size, e.Price.String(), strings.Join(e.Completed, ","), e.Compensated, e.Err)
}

func (e *PartialWriteError) Is(target error) bool { return target == ErrPartialWrite }

func (e *PartialWriteError) Unwrap() error { return e.Err }

// UnavailableError wraps a failure to reach the backing store.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

const (
	StepInsertSale     = "insert_sale"
	StepInsertSaleItem = "insert_sale_item"
	StepDecrementStock = "decrement_stock"
)
