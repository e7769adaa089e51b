// Package sheet stores payment records in an .xlsx workbook laid out the way
// the finance team keeps them by hand: one row per payment on RegistroPagos,
// an append-only Historial sheet for the audit trail.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/semaphore"

	"fiscalcontrol/auth"
	"fiscalcontrol/payment"
)

// Store implements payment.Repository on a workbook file. Every call reopens
// the file, so edits made by hand between calls are picked up. Calls are
// serialised by a weight-1 semaphore acquired with a bounded wait.
type Store struct {
	path        string
	lock        *semaphore.Weighted
	lockTimeout time.Duration
	logger      *slog.Logger
}

func NewStore(path string, lockTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sheet: path required")
	}
	if lockTimeout <= 0 {
		lockTimeout = payment.DefaultLockTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, lock: semaphore.NewWeighted(1), lockTimeout: lockTimeout, logger: logger}, nil
}

func (s *Store) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := s.lock.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("sheet: acquire lock after %s: %w", s.lockTimeout, payment.ErrStoreUnavailable)
	}
	return nil
}

// open returns the workbook, or nil when it has not been created yet.
func (s *Store) open() (*excelize.File, error) {
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("sheet: open %s: %w: %w", s.path, payment.ErrStoreUnavailable, err)
	}
	return f, nil
}

// openForWrite opens the workbook, creating it and its styled headers on the
// first write.
func (s *Store) openForWrite() (*excelize.File, error) {
	f, err := s.open()
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = excelize.NewFile()
		if err := f.SetSheetName("Sheet1", RecordsSheet); err != nil {
			f.Close()
			return nil, fmt.Errorf("sheet: init workbook: %w", err)
		}
		if err := writeHeader(f, RecordsSheet, recordHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("sheet: init workbook: %w", err)
		}
		s.logger.Info("workbook created", "path", s.path)
	}
	if err := ensureSheet(f, RecordsSheet, recordHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("sheet: ensure %s: %w", RecordsSheet, err)
	}
	if err := ensureSheet(f, HistorySheet, historyHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("sheet: ensure %s: %w", HistorySheet, err)
	}
	return f, nil
}

func (s *Store) save(f *excelize.File) error {
	if err := f.SaveAs(s.path); err != nil {
		return fmt.Errorf("sheet: save %s: %w: %w", s.path, payment.ErrStoreUnavailable, err)
	}
	return nil
}

func rows(f *excelize.File, name string) ([][]string, error) {
	idx, err := f.GetSheetIndex(name)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, nil
	}
	return f.GetRows(name, excelize.Options{RawCellValue: true})
}

// Create appends rec as a new row.
func (s *Store) Create(ctx context.Context, rec payment.Record, actor auth.Actor) (payment.Record, error) {
	if err := s.acquire(ctx); err != nil {
		return payment.Record{}, err
	}
	defer s.lock.Release(1)

	f, err := s.openForWrite()
	if err != nil {
		return payment.Record{}, err
	}
	defer f.Close()

	existing, err := rows(f, RecordsSheet)
	if err != nil {
		return payment.Record{}, fmt.Errorf("sheet: read rows: %w", err)
	}
	for i, row := range existing {
		if i > 0 && len(row) > 0 && row[0] == rec.ID {
			return payment.Record{}, fmt.Errorf("%w: duplicate id %s", payment.ErrValidation, rec.ID)
		}
	}

	if err := writeRecord(f, RecordsSheet, len(existing)+1, rec); err != nil {
		return payment.Record{}, fmt.Errorf("sheet: write row: %w", err)
	}
	if err := s.appendEvent(f, payment.Event{
		PaymentID: rec.ID,
		Kind:      payment.EventRegistered,
		To:        rec.Status,
		Actor:     actor,
		At:        rec.CreatedAt,
	}); err != nil {
		return payment.Record{}, err
	}
	if err := s.save(f); err != nil {
		return payment.Record{}, err
	}
	return rec, nil
}

// List returns every parseable row in sheet order. Malformed rows are logged
// and skipped.
func (s *Store) List(ctx context.Context) ([]payment.Record, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.lock.Release(1)

	f, err := s.open()
	if err != nil || f == nil {
		return nil, err
	}
	defer f.Close()

	all, err := rows(f, RecordsSheet)
	if err != nil {
		return nil, fmt.Errorf("sheet: read rows: %w", err)
	}
	out := make([]payment.Record, 0, len(all))
	for i, row := range all {
		if i == 0 || isBlank(row) {
			continue
		}
		rec, err := parseRecord(row)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping malformed row", "row", i+1, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get scans for the row with id.
func (s *Store) Get(ctx context.Context, id string) (payment.Record, error) {
	if err := s.acquire(ctx); err != nil {
		return payment.Record{}, err
	}
	defer s.lock.Release(1)

	f, err := s.open()
	if err != nil {
		return payment.Record{}, err
	}
	if f == nil {
		return payment.Record{}, payment.ErrNotFound
	}
	defer f.Close()

	rec, _, err := find(f, id)
	return rec, err
}

func find(f *excelize.File, id string) (payment.Record, int, error) {
	all, err := rows(f, RecordsSheet)
	if err != nil {
		return payment.Record{}, 0, fmt.Errorf("sheet: read rows: %w", err)
	}
	for i, row := range all {
		if i == 0 || len(row) == 0 || row[0] != id {
			continue
		}
		rec, err := parseRecord(row)
		if err != nil {
			return payment.Record{}, 0, fmt.Errorf("sheet: %w", err)
		}
		return rec, i + 1, nil
	}
	return payment.Record{}, 0, payment.ErrNotFound
}

// UpdateStatus rewrites the status cell when it still equals change.From.
func (s *Store) UpdateStatus(ctx context.Context, change payment.StatusChange) (payment.Record, error) {
	if err := s.acquire(ctx); err != nil {
		return payment.Record{}, err
	}
	defer s.lock.Release(1)

	f, err := s.open()
	if err != nil {
		return payment.Record{}, err
	}
	if f == nil {
		return payment.Record{}, payment.ErrNotFound
	}
	defer f.Close()

	rec, rowNum, err := find(f, change.ID)
	if err != nil {
		return payment.Record{}, err
	}
	if rec.Status != change.From {
		return payment.Record{}, fmt.Errorf("%w: payment %s is %s", payment.ErrInvalidState, change.ID, rec.Status)
	}

	if err := ensureSheet(f, HistorySheet, historyHeader); err != nil {
		return payment.Record{}, fmt.Errorf("sheet: ensure %s: %w", HistorySheet, err)
	}
	cell, _ := excelize.CoordinatesToCellName(colStatus, rowNum)
	if err := f.SetCellStr(RecordsSheet, cell, string(change.To)); err != nil {
		return payment.Record{}, fmt.Errorf("sheet: write status: %w", err)
	}
	if err := s.appendEvent(f, payment.Event{
		PaymentID: change.ID,
		Kind:      payment.EventStatusChanged,
		From:      change.From,
		To:        change.To,
		Actor:     change.Actor,
		At:        change.At,
	}); err != nil {
		return payment.Record{}, err
	}
	if err := s.save(f); err != nil {
		return payment.Record{}, err
	}

	rec.Status = change.To
	return rec, nil
}

// Events returns the Historial rows for id, oldest first.
func (s *Store) Events(ctx context.Context, id string) ([]payment.Event, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.lock.Release(1)

	f, err := s.open()
	if err != nil || f == nil {
		return nil, err
	}
	defer f.Close()

	all, err := rows(f, HistorySheet)
	if err != nil {
		return nil, fmt.Errorf("sheet: read history: %w", err)
	}
	var out []payment.Event
	for i, row := range all {
		if i == 0 || len(row) == 0 || row[0] != id {
			continue
		}
		ev, err := parseEvent(row)
		if err != nil {
			return nil, fmt.Errorf("sheet: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) appendEvent(f *excelize.File, ev payment.Event) error {
	existing, err := rows(f, HistorySheet)
	if err != nil {
		return fmt.Errorf("sheet: read history: %w", err)
	}
	if err := writeEvent(f, len(existing)+1, ev); err != nil {
		return fmt.Errorf("sheet: write history: %w", err)
	}
	return nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
