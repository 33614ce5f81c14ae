package infra

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/ccbench/internal/domain"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVRequestLog_HeaderWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "client_requests.csv")
	log := NewCSVRequestLog(path)

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	tput := 1234.5678
	require.NoError(t, log.Record(domain.RequestLogRecord{
		ID:               "a",
		Timestamp:        start.Add(2 * time.Second),
		StartTime:        start,
		ServerAlgorithm:  "astraea",
		ClientAlgorithm:  "cubic",
		RequestSizeBytes: 33554432,
		DurationSeconds:  2,
		Success:          true,
		ThroughputKbps:   &tput,
		CompletionNotice: true,
		Cycle:            1,
		RequestNumber:    1,
	}))
	require.NoError(t, log.Record(domain.RequestLogRecord{
		ID:               "b",
		Timestamp:        start.Add(time.Minute),
		StartTime:        start.Add(time.Minute),
		ServerAlgorithm:  "astraea",
		ClientAlgorithm:  "cubic",
		RequestSizeBytes: 1024,
		Skipped:          true,
		Cycle:            1,
		RequestNumber:    2,
	}))

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])

	first := rows[1]
	assert.Equal(t, "2024-03-01 10:00:02.000", first[0])
	assert.Equal(t, "2024-03-01 10:00:00.000", first[1])
	assert.Equal(t, "32768", first[5])
	assert.Equal(t, "2.000000", first[6])
	assert.Equal(t, "true", first[7])
	assert.Equal(t, "1234.57", first[8])

	second := rows[2]
	assert.Equal(t, "false", second[7])
	assert.Equal(t, "N/A", second[8])
	assert.Equal(t, "true", second[10])
	assert.Equal(t, "b", second[13])
}

func TestCSVRequestLog_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.csv")

	require.NoError(t, NewCSVRequestLog(path).Record(domain.RequestLogRecord{ID: "1"}))
	require.NoError(t, NewCSVRequestLog(path).Record(domain.RequestLogRecord{ID: "2"}))

	rows := readCSV(t, path)
	assert.Len(t, rows, 3)
}

type recorderFunc func(domain.RequestLogRecord) error

func (f recorderFunc) Record(rec domain.RequestLogRecord) error { return f(rec) }

func TestMultiRecorder_AttemptsAll(t *testing.T) {
	var calls int
	boom := errors.New("boom")
	m := MultiRecorder{
		recorderFunc(func(domain.RequestLogRecord) error { calls++; return boom }),
		nil,
		recorderFunc(func(domain.RequestLogRecord) error { calls++; return nil }),
	}

	err := m.Record(domain.RequestLogRecord{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}
