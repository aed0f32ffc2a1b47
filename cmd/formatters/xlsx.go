package formatters

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

// XLSXFormatter writes a single-sheet Excel workbook
type XLSXFormatter struct{}

// NewXLSXFormatter creates a new XLSX formatter
func NewXLSXFormatter() *XLSXFormatter {
	return &XLSXFormatter{}
}

// Format converts the table to an .xlsx workbook with one sheet named
// t.Sheet. Row 1 holds the header, data starts at row 2.
func (f *XLSXFormatter) Format(t Table) ([]byte, error) {
	book := excelize.NewFile()
	defer book.Close()

	sheet := book.GetSheetName(0)
	if t.Sheet != "" && t.Sheet != sheet {
		if err := book.SetSheetName(sheet, t.Sheet); err != nil {
			return nil, fmt.Errorf("failed to name sheet %q: %w", t.Sheet, err)
		}
		sheet = t.Sheet
	}

	header := make([]any, len(t.Columns))
	for i, col := range t.Columns {
		header[i] = col
	}
	if err := book.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	for i, row := range t.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to address row %d: %w", i+2, err)
		}
		values := make([]any, len(t.Columns))
		for j := range t.Columns {
			if j < len(row) {
				values[j] = xlsxValue(row[j])
			}
		}
		if err := book.SetSheetRow(sheet, cell, &values); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	buffer, err := book.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to encode workbook: %w", err)
	}
	return buffer.Bytes(), nil
}

// xlsxValue maps values excelize has no cell type for onto strings.
func xlsxValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, time.Time:
		return val
	default:
		return cellString(v)
	}
}

// Extension returns the file extension for Excel workbooks
func (f *XLSXFormatter) Extension() string {
	return ".xlsx"
}

// MIMEType returns the MIME type for Excel workbooks
func (f *XLSXFormatter) MIMEType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}
