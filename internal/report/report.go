// Package report renders the sale ledger as flat files, one row per sale line.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"tallypos/backend/internal/domain"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

const sheetName = "Sales"

var header = []string{"sale_id", "created_at", "product_id", "product_name", "size", "quantity", "unit_price", "sale_total", "status"}

func ParseFormat(raw string) (Format, bool) {
	switch Format(raw) {
	case "", FormatCSV:
		return FormatCSV, true
	case FormatXLSX:
		return FormatXLSX, true
	}
	return "", false
}

func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

func (f Format) Filename(at time.Time) string {
	return fmt.Sprintf("sales-%s.%s", at.Format("20060102-150405"), f)
}

// Row is one sale line joined with the product name it resolves to today.
type Row struct {
	SaleID      string
	CreatedAt   time.Time
	ProductID   string
	ProductName string
	Size        string
	Quantity    int
	UnitPrice   string
	SaleTotal   string
	Status      string
}

func (r Row) strings() []string {
	return []string{
		r.SaleID,
		r.CreatedAt.UTC().Format(time.RFC3339),
		r.ProductID,
		r.ProductName,
		r.Size,
		strconv.Itoa(r.Quantity),
		r.UnitPrice,
		r.SaleTotal,
		r.Status,
	}
}

func Rows(sales []domain.Sale, products []domain.Product) []Row {
	names := make(map[string]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Name
	}

	rows := make([]Row, 0, len(sales))
	for _, sale := range sales {
		for _, item := range sale.Items {
			name, ok := names[item.ProductID]
			if !ok || name == "" {
				name = "Unknown"
			}
			rows = append(rows, Row{
				SaleID:      sale.ID,
				CreatedAt:   sale.CreatedAt,
				ProductID:   item.ProductID,
				ProductName: name,
				Size:        item.Size,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice.StringFixed(2),
				SaleTotal:   sale.TotalAmount.StringFixed(2),
				Status:      sale.Status,
			})
		}
	}
	return rows
}

func Write(w io.Writer, format Format, rows []Row) error {
	switch format {
	case FormatCSV:
		return SalesCSV(w, rows)
	case FormatXLSX:
		return SalesXLSX(w, rows)
	}
	return fmt.Errorf("unsupported report format %q", format)
}

func SalesCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(row.strings()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func SalesXLSX(w io.Writer, rows []Row) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return err
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []any{
			row.SaleID,
			row.CreatedAt.UTC().Format(time.RFC3339),
			row.ProductID,
			row.ProductName,
			row.Size,
			row.Quantity,
			row.UnitPrice,
			row.SaleTotal,
			row.Status,
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return err
		}
	}
	_, err := f.WriteTo(w)
	return err
}
