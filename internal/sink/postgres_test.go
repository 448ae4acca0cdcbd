package sink

import (
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresWritesBatchOnFlush(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := newPostgresWithDB("pg-test", PostgresConfig{Table: "gaze_samples", BatchSize: 10}, db, discardLogger())

	expected := regexp.QuoteMeta("INSERT INTO gaze_samples (session_id, device_time_us, session_time_us, left_x, left_y, left_pupil_mm, right_x, right_y, right_pupil_mm, validity) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10),($11,$12,$13,$14,$15,$16,$17,$18,$19,$20) ON CONFLICT (session_id, session_time_us) DO NOTHING")
	mock.ExpectExec(expected).
		WillReturnResult(sqlmock.NewResult(0, 2))

	for i := int64(0); i < 2; i++ {
		if err := s.Consume(sampleAt(i)); err != nil {
			t.Fatalf("Consume returned error: %v", err)
		}
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	if got := s.Stats().Consumed; got != 2 {
		t.Fatalf("expected 2 consumed, got %d", got)
	}
}

func TestPostgresNullColumnsForLostEyes(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := newPostgresWithDB("pg-test", PostgresConfig{BatchSize: 1}, db, discardLogger())

	sample := sampleAt(5)
	sample.Right = nil

	mock.ExpectExec("INSERT INTO gaze_samples").
		WithArgs(
			"session-1", sample.DeviceTimeUS, sample.SessionTimeUS,
			sample.Left.GazePoint.X, sample.Left.GazePoint.Y, sample.Left.PupilDiameterMM,
			nil, nil, nil,
			"valid",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Consume(sample); err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresExhaustsAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := newPostgresWithDB("pg-test", PostgresConfig{BatchSize: 1}, db, discardLogger())

	for i := 0; i < maxPostgresFailures; i++ {
		mock.ExpectExec("INSERT INTO gaze_samples").
			WillReturnError(errors.New("connection refused"))
	}

	var lastErr error
	for i := int64(0); i < maxPostgresFailures; i++ {
		lastErr = s.Consume(sampleAt(i))
		if lastErr == nil {
			t.Fatalf("Consume %d: expected error", i)
		}
	}
	if !errors.Is(lastErr, ErrExhausted) {
		t.Fatalf("expected ErrExhausted after %d failures, got %v", maxPostgresFailures, lastErr)
	}
	if got := s.Stats().Lost; got != maxPostgresFailures {
		t.Fatalf("expected %d lost, got %d", maxPostgresFailures, got)
	}
}
