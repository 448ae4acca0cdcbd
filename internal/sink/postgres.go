package sink

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	// Registers the "postgres" database/sql driver.
	_ "github.com/lib/pq"

	"github.com/gazecap/gazecapd/internal/gaze"
)

// PostgresConfig locates the target table.
type PostgresConfig struct {
	DSN   string
	Table string
	// BatchSize bounds rows per INSERT. Zero takes the default.
	BatchSize int
}

const defaultPostgresBatch = 120

// Postgres writes samples to a SQL table in multi-row batches. Inserts are
// idempotent via the (session_id, session_time_us) unique key.
type Postgres struct {
	counters
	name   string
	table  string
	batch  int
	logger *slog.Logger
	db     *sql.DB
	ownsDB bool

	mu      sync.Mutex
	pending []*gaze.Sample
	failed  int
}

// maxPostgresFailures is the retry ceiling before the sink declares itself
// exhausted.
const maxPostgresFailures = 5

// NewPostgres opens a connection pool for the configured DSN.
func NewPostgres(name string, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres sink requires a dsn")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	p := newPostgresWithDB(name, cfg, db, logger)
	p.ownsDB = true
	return p, nil
}

// newPostgresWithDB wires an existing handle; used by tests.
func newPostgresWithDB(name string, cfg PostgresConfig, db *sql.DB, logger *slog.Logger) *Postgres {
	if cfg.Table == "" {
		cfg.Table = "gaze_samples"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultPostgresBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		name:   name,
		table:  cfg.Table,
		batch:  cfg.BatchSize,
		logger: logger.With("component", "sink", "sink", name),
		db:     db,
	}
}

func (p *Postgres) Name() string { return p.name }

// Consume buffers the sample and writes a batch when full.
func (p *Postgres) Consume(s *gaze.Sample) error {
	p.mu.Lock()
	p.pending = append(p.pending, s)
	p.consumed.Add(1)
	var batch []*gaze.Sample
	if len(p.pending) >= p.batch {
		batch = p.pending
		p.pending = nil
	}
	p.mu.Unlock()

	if batch == nil {
		return nil
	}
	return p.write(batch)
}

func (p *Postgres) write(batch []*gaze.Sample) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.table)
	b.WriteString(" (session_id, device_time_us, session_time_us, left_x, left_y, left_pupil_mm, right_x, right_y, right_pupil_mm, validity) VALUES ")

	args := make([]any, 0, len(batch)*10)
	for i, s := range batch {
		if i > 0 {
			b.WriteString(",")
		}
		base := len(args)
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		lx, ly, lp := eyeColumns(s.Left)
		rx, ry, rp := eyeColumns(s.Right)
		args = append(args,
			s.SessionID, s.DeviceTimeUS, s.SessionTimeUS,
			lx, ly, lp, rx, ry, rp,
			s.Validity.String(),
		)
	}
	b.WriteString(" ON CONFLICT (session_id, session_time_us) DO NOTHING")

	if _, err := p.db.Exec(b.String(), args...); err != nil {
		p.lost.Add(uint64(len(batch)))
		p.mu.Lock()
		p.failed++
		failed := p.failed
		p.mu.Unlock()
		if failed >= maxPostgresFailures {
			return &Error{Sink: p.name, Err: fmt.Errorf("%w: %d consecutive batch failures: %v", ErrExhausted, failed, err)}
		}
		return &Error{Sink: p.name, Err: fmt.Errorf("insert batch: %w", err)}
	}

	p.mu.Lock()
	p.failed = 0
	p.mu.Unlock()
	return nil
}

func eyeColumns(eye *gaze.EyeSample) (any, any, any) {
	if eye == nil {
		return nil, nil, nil
	}
	return eye.GazePoint.X, eye.GazePoint.Y, eye.PupilDiameterMM
}

// Flush writes any partial batch.
func (p *Postgres) Flush() error {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return p.write(batch)
}

// Close flushes and, when the sink owns the pool, closes it.
func (p *Postgres) Close() error {
	flushErr := p.Flush()
	if p.ownsDB {
		if err := p.db.Close(); err != nil {
			return &Error{Sink: p.name, Err: fmt.Errorf("close pool: %w", err)}
		}
	}
	p.logger.Info("postgres sink closed", "consumed", p.consumed.Load(), "lost", p.lost.Load())
	return flushErr
}
