package sheet

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"fiscalcontrol/auth"
	"fiscalcontrol/payment"
)

const (
	// RecordsSheet holds one row per payment.
	RecordsSheet = "RegistroPagos"
	// HistorySheet is the append-only audit trail.
	HistorySheet = "Historial"

	headerFill = "1E3A8A"
)

var recordHeader = []string{
	"ID",
	"Fecha Registro",
	"Organismo",
	"Tipo Pago",
	"Monto",
	"Fecha Pago Real",
	"Código Unidad",
	"Nombre Unidad",
	"Municipio",
	"Estado",
	"Descripción",
	"Teléfono",
	"Timestamp",
}

// Column positions in recordHeader, 1-based as excelize counts them.
const (
	colID = iota + 1
	colDateRegistered
	colOrganism
	colType
	colAmount
	colPaymentDate
	colUnitCode
	colUnitName
	colMunicipality
	colStatus
	colDescription
	colPhone
	colTimestamp
)

var historyHeader = []string{"Pago ID", "Evento", "Estado Anterior", "Estado Nuevo", "Actor", "Rol", "Fecha"}

// ensureSheet creates name with a styled header row when it does not exist yet.
func ensureSheet(f *excelize.File, name string, header []string) error {
	idx, err := f.GetSheetIndex(name)
	if err != nil {
		return err
	}
	if idx >= 0 {
		return nil
	}
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	return writeHeader(f, name, header)
}

func writeHeader(f *excelize.File, name string, header []string) error {
	for i, h := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellStr(name, cell, h); err != nil {
			return err
		}
	}
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{headerFill}},
	})
	if err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := f.SetCellStyle(name, "A1", last, style); err != nil {
		return err
	}
	return f.SetPanes(name, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func writeRecord(f *excelize.File, name string, row int, rec payment.Record) error {
	values := map[int]string{
		colID:             rec.ID,
		colDateRegistered: rec.DateRegistered.String(),
		colOrganism:       rec.Organism,
		colType:           rec.Type.Label(),
		colPaymentDate:    rec.PaymentDateReal.String(),
		colUnitCode:       rec.UnitCode,
		colUnitName:       rec.UnitName,
		colMunicipality:   rec.Municipality,
		colStatus:         string(rec.Status),
		colDescription:    rec.Description,
		colPhone:          rec.ContactPhone,
		colTimestamp:      rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	for col, v := range values {
		cell, _ := excelize.CoordinatesToCellName(col, row)
		if err := f.SetCellStr(name, cell, v); err != nil {
			return err
		}
	}
	// A numeric cell keeps the exact decimal text; float64 loses digits.
	cell, _ := excelize.CoordinatesToCellName(colAmount, row)
	return f.SetCellDefault(name, cell, rec.Amount.StringFixed(payment.AmountScale))
}

// parseRecord reads a raw row. Rows edited by hand may carry legacy statuses,
// display labels, spreadsheet date serials or unknown types; those are
// normalised rather than rejected.
func parseRecord(row []string) (payment.Record, error) {
	get := func(col int) string {
		if col-1 < len(row) {
			return strings.TrimSpace(row[col-1])
		}
		return ""
	}

	rec := payment.Record{
		ID:           get(colID),
		Organism:     get(colOrganism),
		UnitCode:     get(colUnitCode),
		UnitName:     get(colUnitName),
		Municipality: get(colMunicipality),
		Description:  get(colDescription),
		ContactPhone: payment.NormalizePhone(get(colPhone)),
	}

	var err error
	if rec.Type, err = payment.ParseType(get(colType)); err != nil {
		rec.Type = payment.Type(get(colType))
	}
	if rec.Status, err = payment.ParseStatus(get(colStatus)); err != nil {
		return payment.Record{}, fmt.Errorf("row %s: %w", rec.ID, err)
	}

	amount := strings.ReplaceAll(get(colAmount), ",", "")
	if amount == "" {
		amount = "0"
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return payment.Record{}, fmt.Errorf("row %s: invalid amount %q", rec.ID, amount)
	}
	if rec.DateRegistered, err = parseCellDate(get(colDateRegistered)); err != nil {
		return payment.Record{}, fmt.Errorf("row %s: %w", rec.ID, err)
	}
	if rec.PaymentDateReal, err = parseCellDate(get(colPaymentDate)); err != nil {
		return payment.Record{}, fmt.Errorf("row %s: %w", rec.ID, err)
	}
	if ts := get(colTimestamp); ts != "" {
		if rec.CreatedAt, err = time.Parse(time.RFC3339, ts); err != nil {
			return payment.Record{}, fmt.Errorf("row %s: invalid timestamp %q", rec.ID, ts)
		}
	}
	return rec, nil
}

func parseCellDate(s string) (payment.Date, error) {
	if s == "" {
		return payment.Date{}, nil
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return payment.Date{}, err
		}
		return payment.DateOf(t), nil
	}
	return payment.ParseDate(s)
}

func writeEvent(f *excelize.File, row int, ev payment.Event) error {
	values := []string{
		ev.PaymentID,
		string(ev.Kind),
		string(ev.From),
		string(ev.To),
		ev.Actor.Name,
		string(ev.Actor.Role),
		ev.At.UTC().Format(time.RFC3339),
	}
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		if err := f.SetCellStr(HistorySheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}

func parseEvent(row []string) (payment.Event, error) {
	get := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	at, err := time.Parse(time.RFC3339, get(6))
	if err != nil {
		return payment.Event{}, fmt.Errorf("history row %s: invalid timestamp %q", get(0), get(6))
	}
	return payment.Event{
		PaymentID: get(0),
		Kind:      payment.EventKind(get(1)),
		From:      payment.Status(get(2)),
		To:        payment.Status(get(3)),
		Actor:     auth.Actor{Name: get(4), Role: auth.Role(get(5))},
		At:        at,
	}, nil
}
