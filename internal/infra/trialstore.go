package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const trialDBName = "trials.db"

// TrialStore keeps trial history in a SQLite database (SQLCipher-encrypted when
// a key is given). It implements domain.ServedTrialStore for the coordinator and
// domain.TrialRecorder for the requester.
type TrialStore struct {
	db     *sqlx.DB
	dbPath string
}

// servedRow mirrors served_trials; times are unix nanoseconds.
type servedRow struct {
	ID          string `db:"id"`
	Role        string `db:"role"`
	Algorithm   string `db:"algorithm"`
	Size        int64  `db:"size"`
	StartedAt   int64  `db:"started_at"`
	EndedAt     int64  `db:"ended_at"`
	ExitCode    int    `db:"exit_code"`
	Success     bool   `db:"success"`
	CapturePath string `db:"capture_path"`
	KernelLog   string `db:"kernel_log"`
	PerfLog     string `db:"perf_log"`
	Error       string `db:"error"`
}

// requestRow mirrors requests; times are unix nanoseconds.
type requestRow struct {
	ID               string          `db:"id"`
	Timestamp        int64           `db:"timestamp"`
	StartTime        int64           `db:"start_time"`
	ServerAlgorithm  string          `db:"server_algorithm"`
	ClientAlgorithm  string          `db:"client_algorithm"`
	RequestSizeBytes int64           `db:"request_size_bytes"`
	DurationSeconds  float64         `db:"duration_seconds"`
	Success          bool            `db:"success"`
	ThroughputKbps   sql.NullFloat64 `db:"throughput_kbps"`
	CompletionNotice bool            `db:"completion_notice"`
	Skipped          bool            `db:"skipped"`
	Cycle            int             `db:"cycle"`
	RequestNumber    int             `db:"request_number"`
}

// OpenTrialStore opens (or creates) the trial database in dataDir.
// With a non-empty key the database is encrypted via PRAGMA key.
func OpenTrialStore(dataDir string, key []byte) (*TrialStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, trialDBName)
	dsn := dbPath
	if len(key) > 0 {
		dsn = fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open trial database: %w", err)
	}
	// SQLite allows one writer; trials are serialized anyway.
	db.SetMaxOpenConns(1)

	// Verify the key (if any) works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to trial database: %w", err)
	}

	store := &TrialStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *TrialStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS served_trials (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		size INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		success BOOLEAN NOT NULL,
		capture_path TEXT NOT NULL DEFAULT '',
		kernel_log TEXT NOT NULL DEFAULT '',
		perf_log TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		start_time INTEGER NOT NULL,
		server_algorithm TEXT NOT NULL,
		client_algorithm TEXT NOT NULL,
		request_size_bytes INTEGER NOT NULL,
		duration_seconds REAL NOT NULL,
		success BOOLEAN NOT NULL,
		throughput_kbps REAL,
		completion_notice BOOLEAN NOT NULL,
		skipped BOOLEAN NOT NULL,
		cycle INTEGER NOT NULL,
		request_number INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveServed stores one coordinator-side trial.
func (s *TrialStore) SaveServed(ctx context.Context, t domain.ServedTrial) error {
	row := servedRow{
		ID:          t.ID,
		Role:        t.Role,
		Algorithm:   t.Algorithm,
		Size:        t.Size,
		StartedAt:   t.StartedAt.UnixNano(),
		EndedAt:     t.EndedAt.UnixNano(),
		ExitCode:    t.ExitCode,
		Success:     t.Success,
		CapturePath: t.CapturePath,
		KernelLog:   t.KernelLog,
		PerfLog:     t.PerfLog,
		Error:       t.Error,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO served_trials
			(id, role, algorithm, size, started_at, ended_at, exit_code, success,
			 capture_path, kernel_log, perf_log, error)
		VALUES
			(:id, :role, :algorithm, :size, :started_at, :ended_at, :exit_code, :success,
			 :capture_path, :kernel_log, :perf_log, :error)`, row)
	if err != nil {
		return fmt.Errorf("failed to save served trial %s: %w", t.ID, err)
	}
	return nil
}

// RecentServed returns up to limit served trials, newest first.
func (s *TrialStore) RecentServed(ctx context.Context, limit int) ([]domain.ServedTrial, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []servedRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM served_trials ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	trials := make([]domain.ServedTrial, len(rows))
	for i, r := range rows {
		trials[i] = r.toServedTrial()
	}
	return trials, nil
}

// GetServed returns the served trial with the given id, or
// domain.ErrTrialNotFound.
func (s *TrialStore) GetServed(ctx context.Context, id string) (*domain.ServedTrial, error) {
	var row servedRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM served_trials WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTrialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get served trial %s: %w", id, err)
	}
	trial := row.toServedTrial()
	return &trial, nil
}

func (r servedRow) toServedTrial() domain.ServedTrial {
	return domain.ServedTrial{
		ID:          r.ID,
		Role:        r.Role,
		Algorithm:   r.Algorithm,
		Size:        r.Size,
		StartedAt:   time.Unix(0, r.StartedAt),
		EndedAt:     time.Unix(0, r.EndedAt),
		ExitCode:    r.ExitCode,
		Success:     r.Success,
		CapturePath: r.CapturePath,
		KernelLog:   r.KernelLog,
		PerfLog:     r.PerfLog,
		Error:       r.Error,
	}
}

// Record stores one requester-side RequestLogRecord.
func (s *TrialStore) Record(rec domain.RequestLogRecord) error {
	row := requestRow{
		ID:               rec.ID,
		Timestamp:        rec.Timestamp.UnixNano(),
		StartTime:        rec.StartTime.UnixNano(),
		ServerAlgorithm:  rec.ServerAlgorithm,
		ClientAlgorithm:  rec.ClientAlgorithm,
		RequestSizeBytes: rec.RequestSizeBytes,
		DurationSeconds:  rec.DurationSeconds,
		Success:          rec.Success,
		CompletionNotice: rec.CompletionNotice,
		Skipped:          rec.Skipped,
		Cycle:            rec.Cycle,
		RequestNumber:    rec.RequestNumber,
	}
	if rec.ThroughputKbps != nil {
		row.ThroughputKbps = sql.NullFloat64{Float64: *rec.ThroughputKbps, Valid: true}
	}
	_, err := s.db.NamedExec(`
		INSERT OR REPLACE INTO requests
			(id, timestamp, start_time, server_algorithm, client_algorithm, request_size_bytes,
			 duration_seconds, success, throughput_kbps, completion_notice, skipped, cycle, request_number)
		VALUES
			(:id, :timestamp, :start_time, :server_algorithm, :client_algorithm, :request_size_bytes,
			 :duration_seconds, :success, :throughput_kbps, :completion_notice, :skipped, :cycle, :request_number)`, row)
	if err != nil {
		return fmt.Errorf("failed to record request %s: %w", rec.ID, err)
	}
	return nil
}

// RecentRequests returns up to limit requester records, newest first.
func (s *TrialStore) RecentRequests(ctx context.Context, limit int) ([]domain.RequestLogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM requests ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	recs := make([]domain.RequestLogRecord, len(rows))
	for i, r := range rows {
		recs[i] = domain.RequestLogRecord{
			ID:               r.ID,
			Timestamp:        time.Unix(0, r.Timestamp),
			StartTime:        time.Unix(0, r.StartTime),
			ServerAlgorithm:  r.ServerAlgorithm,
			ClientAlgorithm:  r.ClientAlgorithm,
			RequestSizeBytes: r.RequestSizeBytes,
			DurationSeconds:  r.DurationSeconds,
			Success:          r.Success,
			CompletionNotice: r.CompletionNotice,
			Skipped:          r.Skipped,
			Cycle:            r.Cycle,
			RequestNumber:    r.RequestNumber,
		}
		if r.ThroughputKbps.Valid {
			v := r.ThroughputKbps.Float64
			recs[i].ThroughputKbps = &v
		}
	}
	return recs, nil
}

// GetDBPath returns the database file path.
func (s *TrialStore) GetDBPath() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *TrialStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure TrialStore implements both interfaces.
var _ domain.ServedTrialStore = (*TrialStore)(nil)
var _ domain.TrialRecorder = (*TrialStore)(nil)
