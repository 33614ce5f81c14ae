package infra

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// CSVTimeLayout matches the millisecond timestamps of the request log.
const CSVTimeLayout = "2006-01-02 15:04:05.000"

var csvHeader = []string{
	"timestamp",
	"start_time",
	"server_cc_algo",
	"client_cc_algo",
	"request_size_bytes",
	"request_size_kb",
	"duration_seconds",
	"success",
	"throughput_kbps",
	"completion_notice",
	"skipped",
	"cycle",
	"request_number",
	"id",
}

// CSVRequestLog appends RequestLogRecords to a CSV file. The header is written
// once, when the file is created or empty.
type CSVRequestLog struct {
	mu   sync.Mutex
	path string
}

// NewCSVRequestLog creates a request log at path. The file is created lazily.
func NewCSVRequestLog(path string) *CSVRequestLog {
	return &CSVRequestLog{path: path}
}

// Path returns the CSV file path.
func (l *CSVRequestLog) Path() string {
	return l.path
}

// Record appends one row.
func (l *CSVRequestLog) Record(rec domain.RequestLogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open request log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat request log: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write request log header: %w", err)
		}
	}
	if err := w.Write(csvRow(rec)); err != nil {
		return fmt.Errorf("failed to write request log row: %w", err)
	}
	w.Flush()
	return w.Error()
}

func csvRow(rec domain.RequestLogRecord) []string {
	throughput := "N/A"
	if rec.ThroughputKbps != nil {
		throughput = strconv.FormatFloat(*rec.ThroughputKbps, 'f', 2, 64)
	}
	return []string{
		rec.Timestamp.Format(CSVTimeLayout),
		rec.StartTime.Format(CSVTimeLayout),
		rec.ServerAlgorithm,
		rec.ClientAlgorithm,
		strconv.FormatInt(rec.RequestSizeBytes, 10),
		strconv.FormatInt(rec.RequestSizeKB(), 10),
		strconv.FormatFloat(rec.DurationSeconds, 'f', 6, 64),
		strconv.FormatBool(rec.Success),
		throughput,
		strconv.FormatBool(rec.CompletionNotice),
		strconv.FormatBool(rec.Skipped),
		strconv.Itoa(rec.Cycle),
		strconv.Itoa(rec.RequestNumber),
		rec.ID,
	}
}

// MultiRecorder fans a record out to several recorders. Every recorder is
// attempted; failures are joined.
type MultiRecorder []domain.TrialRecorder

func (m MultiRecorder) Record(rec domain.RequestLogRecord) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.TrialRecorder = (*CSVRequestLog)(nil)
	_ domain.TrialRecorder = MultiRecorder(nil)
)
