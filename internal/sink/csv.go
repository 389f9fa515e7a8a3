// Package sink persists collection cycles to an append-only CSV file.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
)

// failedCell is written for addresses whose read failed.
const failedCell = "ERR"

// CSVSink writes one header at session start and one row per cycle. The
// column layout is fixed by the header: if the enabled ranges change
// mid-session, rows keep following the original header and the mismatch is
// logged as a warning.
type CSVSink struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	header []domain.SinkColumn
	logger zerolog.Logger

	rowsWritten    int
	mismatchLogged bool
}

// NewCSV creates a sink for the given path. Initialize must be called
// before Append.
func NewCSV(path string, logger zerolog.Logger) *CSVSink {
	return &CSVSink{
		path:   path,
		logger: logger.With().Str("component", "csv-sink").Str("path", path).Logger(),
	}
}

// Initialize creates the file and writes the header row: "timestamp"
// followed by one "<address>_<name>" column per decoded address.
func (s *CSVSink) Initialize(columns []domain.SinkColumn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrSinkInitFailed, err)
		}
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSinkInitFailed, err)
	}

	s.file = file
	s.writer = csv.NewWriter(file)
	s.header = append([]domain.SinkColumn(nil), columns...)

	row := make([]string, 0, len(columns)+1)
	row = append(row, "timestamp")
	for _, col := range columns {
		row = append(row, fmt.Sprintf("%d_%s", col.Address, col.Name))
	}
	if err := s.writer.Write(row); err != nil {
		file.Close()
		return fmt.Errorf("%w: %v", domain.ErrSinkInitFailed, err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("%w: %v", domain.ErrSinkInitFailed, err)
	}

	s.logger.Info().Int("columns", len(columns)).Msg("Sink initialized")
	return nil
}

// Append writes one data row for a batch. Values are aligned to the header
// established at Initialize: missing addresses render empty, failed reads
// render ERR. Write errors are fatal to the session and propagate.
func (s *CSVSink) Append(batch *domain.BatchReadResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return domain.ErrSinkClosed
	}

	byAddress := make(map[int]domain.DecodedValue, len(batch.Results))
	for _, r := range batch.Results {
		byAddress[r.Address] = r
	}

	if len(batch.Results) != len(s.header) && !s.mismatchLogged {
		s.mismatchLogged = true
		s.logger.Warn().
			Int("header_columns", len(s.header)).
			Int("batch_values", len(batch.Results)).
			Msg("Enabled ranges changed mid-session; rows keep following the original header")
	}

	row := make([]string, 0, len(s.header)+1)
	row = append(row, batch.Timestamp)
	for _, col := range s.header {
		v, ok := byAddress[col.Address]
		switch {
		case !ok:
			row = append(row, "")
		case !v.Success:
			row = append(row, failedCell)
		default:
			row = append(row, v.DisplayValue)
		}
	}

	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSinkWriteFailed, err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSinkWriteFailed, err)
	}

	s.rowsWritten++
	return nil
}

// RowsWritten returns the number of data rows appended so far.
func (s *CSVSink) RowsWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rowsWritten
}

// Close flushes and closes the underlying file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	s.writer.Flush()
	err := s.writer.Error()
	if closeErr := s.file.Close(); err == nil {
		err = closeErr
	}
	s.file = nil
	s.writer = nil
	return err
}

// Columns builds the sink layout for a set of enabled ranges: one column
// per address a decode of the range would produce.
func Columns(ranges []domain.AddressRange) []domain.SinkColumn {
	columns := []domain.SinkColumn{}
	for _, rng := range ranges {
		if !rng.Enabled {
			continue
		}
		width := rng.DataType.Width()
		for i := 0; i < rng.Length/width; i++ {
			columns = append(columns, domain.SinkColumn{
				Address: rng.StartAddress + i*width,
				Name:    rng.Name,
			})
		}
	}
	return columns
}

// ExportHistory writes an accumulated batch history to a standalone CSV
// file: one summary-plus-values row per batch, with raw and parsed columns
// per address taken from the first batch's layout.
func ExportHistory(path string, batches []*domain.BatchReadResult) (int, error) {
	if len(batches) == 0 {
		return 0, domain.ErrNoDataToExport
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("%w: %v", domain.ErrSinkInitFailed, err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrSinkInitFailed, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)

	header := []string{"Timestamp", "Success_Count", "Failed_Count", "Duration_ms"}
	for _, r := range batches[0].Results {
		header = append(header,
			fmt.Sprintf("Addr_%d_Raw", r.Address),
			fmt.Sprintf("Addr_%d_Parsed", r.Address))
	}
	if err := w.Write(header); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrSinkWriteFailed, err)
	}

	written := 0
	for _, batch := range batches {
		row := []string{
			batch.Timestamp,
			strconv.Itoa(batch.SuccessCount),
			strconv.Itoa(batch.FailedCount),
			strconv.FormatInt(batch.DurationMs, 10),
		}
		for _, r := range batch.Results {
			if r.Success {
				row = append(row, strconv.FormatUint(uint64(r.RawValue), 10), r.DisplayValue)
			} else {
				msg := r.Error
				if msg == "" {
					msg = "ERROR"
				}
				row = append(row, "ERROR", msg)
			}
		}
		if err := w.Write(row); err != nil {
			return written, fmt.Errorf("%w: %v", domain.ErrSinkWriteFailed, err)
		}
		written++
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return written, fmt.Errorf("%w: %v", domain.ErrSinkWriteFailed, err)
	}
	return written, nil
}
