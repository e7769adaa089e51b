package sheet

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"fiscalcontrol/payment"
)

// ContentType is the MIME type of an .xlsx workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Export writes records as a standalone workbook in the RegistroPagos layout.
func Export(w io.Writer, records []payment.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", RecordsSheet); err != nil {
		return fmt.Errorf("sheet: export: %w", err)
	}
	if err := writeHeader(f, RecordsSheet, recordHeader); err != nil {
		return fmt.Errorf("sheet: export header: %w", err)
	}
	for i, rec := range records {
		if err := writeRecord(f, RecordsSheet, i+2, rec); err != nil {
			return fmt.Errorf("sheet: export row %d: %w", i+2, err)
		}
	}
	if err := f.SetColWidth(RecordsSheet, "A", "M", 18); err != nil {
		return fmt.Errorf("sheet: export: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("sheet: export write: %w", err)
	}
	return nil
}
