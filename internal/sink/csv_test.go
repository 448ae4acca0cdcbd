package sink

import (
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/gazecap/gazecapd/internal/gaze"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleAt(sessionUS int64) *gaze.Sample {
	left := &gaze.EyeSample{GazePoint: gaze.Point2{X: 0.25, Y: 0.5}, PupilDiameterMM: 3.2}
	right := &gaze.EyeSample{GazePoint: gaze.Point2{X: 0.35, Y: 0.5}, PupilDiameterMM: 3.3}
	return &gaze.Sample{
		SessionID:     "session-1",
		DeviceTimeUS:  sessionUS + 1000,
		SessionTimeUS: sessionUS,
		Left:          left,
		Right:         right,
		Validity:      gaze.Valid,
	}
}

func TestCsvWritesHeaderAndRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "session.csv")
	s, err := NewCsv("csv-test", path, discardLogger())
	if err != nil {
		t.Fatalf("NewCsv returned error: %v", err)
	}

	for i := int64(0); i < 3; i++ {
		if err := s.Consume(sampleAt(1000 + i)); err != nil {
			t.Fatalf("Consume returned error: %v", err)
		}
	}

	partial := sampleAt(2000)
	partial.Right = nil
	partial.Validity = gaze.PartiallyValid
	if err := s.Consume(partial); err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected header + 4 rows, got %d rows", len(rows))
	}
	if rows[0][0] != "session_id" || rows[0][2] != "session_time_us" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][2] != "1000" {
		t.Fatalf("expected fixed integer session time, got %q", rows[1][2])
	}
	if rows[1][3] != "0.250000" {
		t.Fatalf("expected fixed-precision gaze x, got %q", rows[1][3])
	}
	// The partial sample renders empty right-eye fields.
	last := rows[4]
	if last[6] != "" || last[7] != "" || last[8] != "" {
		t.Fatalf("expected empty right-eye fields, got %v", last)
	}
	if last[9] != "partial" {
		t.Fatalf("expected partial validity, got %q", last[9])
	}

	stats := s.Stats()
	if stats.Consumed != 4 || stats.Lost != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCsvReleasesHandleOnClose(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.csv")
	s, err := NewCsv("csv-test", path, discardLogger())
	if err != nil {
		t.Fatalf("NewCsv returned error: %v", err)
	}
	if err := s.Consume(sampleAt(1)); err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	// Writes after close must fail rather than silently buffer.
	if err := s.Consume(sampleAt(2)); err == nil {
		_ = s.Flush()
		if flushErr := s.Flush(); flushErr == nil {
			t.Fatal("expected error writing after close")
		}
	}
}
