package sink

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gazecap/gazecapd/internal/gaze"
)

var csvHeader = []string{
	"session_id",
	"device_time_us",
	"session_time_us",
	"left_x", "left_y", "left_pupil_mm",
	"right_x", "right_y", "right_pupil_mm",
	"validity",
	"mid_x_px", "mid_y_px",
}

// Csv appends one row per sample to a file. The write handle is acquired on
// construction and released on Close.
type Csv struct {
	counters
	name   string
	path   string
	logger *slog.Logger

	file   *os.File
	writer *csv.Writer
}

// NewCsv creates (or truncates) the file at path and writes the header row.
func NewCsv(name, path string, logger *slog.Logger) (*Csv, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}

	c := &Csv{
		name:   name,
		path:   path,
		logger: logger.With("component", "sink", "sink", name),
		file:   file,
		writer: csv.NewWriter(file),
	}
	if err := c.writer.Write(csvHeader); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	c.logger.Info("csv sink opened", "path", path)
	return c, nil
}

func (c *Csv) Name() string { return c.name }

// Consume appends one row. Timestamps are fixed-precision integers
// (microseconds); missing eyes render as empty fields.
func (c *Csv) Consume(s *gaze.Sample) error {
	row := []string{
		s.SessionID,
		strconv.FormatInt(s.DeviceTimeUS, 10),
		strconv.FormatInt(s.SessionTimeUS, 10),
	}
	row = appendEye(row, s.Left)
	row = appendEye(row, s.Right)
	row = append(row, s.Validity.String())
	if s.MidPx != nil {
		row = append(row, strconv.Itoa(s.MidPx.X), strconv.Itoa(s.MidPx.Y))
	} else {
		row = append(row, "", "")
	}

	if err := c.writer.Write(row); err != nil {
		c.lost.Add(1)
		return &Error{Sink: c.name, Err: fmt.Errorf("%w: write row: %v", ErrExhausted, err)}
	}
	c.consumed.Add(1)
	return nil
}

func appendEye(row []string, eye *gaze.EyeSample) []string {
	if eye == nil {
		return append(row, "", "", "")
	}
	return append(row,
		strconv.FormatFloat(eye.GazePoint.X, 'f', 6, 64),
		strconv.FormatFloat(eye.GazePoint.Y, 'f', 6, 64),
		strconv.FormatFloat(eye.PupilDiameterMM, 'f', 3, 64),
	)
}

// Flush forces buffered rows to disk.
func (c *Csv) Flush() error {
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		return &Error{Sink: c.name, Err: fmt.Errorf("flush: %w", err)}
	}
	return nil
}

// Close flushes and releases the file handle.
func (c *Csv) Close() error {
	flushErr := c.Flush()
	if err := c.file.Close(); err != nil {
		return &Error{Sink: c.name, Err: fmt.Errorf("close: %w", err)}
	}
	c.logger.Info("csv sink closed", "path", c.path, "rows", c.consumed.Load())
	return flushErr
}
