package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/slicer-worker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// schema works on both PostgreSQL and SQLite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS print_jobs (
		id            TEXT PRIMARY KEY,
		job_id        TEXT NOT NULL DEFAULT '',
		slicing       JSONB,
		gcode_file    TEXT,
		last_modified TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS printer_sockets (
		id            TEXT PRIMARY KEY,
		serial_number TEXT NOT NULL,
		socket        TEXT NOT NULL DEFAULT '',
		delete_flag   BOOLEAN NOT NULL DEFAULT FALSE,
		last_modified TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS printer_sockets_serial_idx ON printer_sockets (serial_number, last_modified)`,
}

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the tables the worker reads and writes when missing.
func (s *Storage) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// UpdateSlicing stores the slicing document of a print job. gcodeFile is
// written only together with StatusDone. A missing record yields
// domain.ErrJobCanceled.
func (s *Storage) UpdateSlicing(ctx context.Context, jobOID string, slicing domain.Slicing, gcodeFile string) error {
	doc, err := json.Marshal(slicing)
	if err != nil {
		return fmt.Errorf("failed to marshal slicing state: %w", err)
	}

	query := `UPDATE print_jobs SET slicing = ?, last_modified = CURRENT_TIMESTAMP WHERE id = ?`
	args := []any{string(doc), jobOID}
	if slicing.Status == domain.StatusDone {
		query = `UPDATE print_jobs SET slicing = ?, gcode_file = ?, last_modified = CURRENT_TIMESTAMP WHERE id = ?`
		args = []any{string(doc), gcodeFile, jobOID}
	}

	if err := s.exec(ctx, jobOID, query, args...); err != nil {
		return err
	}

	s.logger.Debug("Print job slicing state updated",
		slog.String("job_oid", jobOID),
		slog.Int("status", int(slicing.Status)),
	)
	return nil
}

// ClearSlicing resets the slicing document to StatusCleared and removes the
// gcode location.
func (s *Storage) ClearSlicing(ctx context.Context, jobOID, jobID string) error {
	doc, err := json.Marshal(domain.NewSlicing(jobID, domain.StatusCleared, nil))
	if err != nil {
		return fmt.Errorf("failed to marshal slicing state: %w", err)
	}

	query := `UPDATE print_jobs SET slicing = ?, gcode_file = NULL, last_modified = CURRENT_TIMESTAMP WHERE id = ?`
	return s.exec(ctx, jobOID, query, string(doc), jobOID)
}

func (s *Storage) exec(ctx context.Context, jobOID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update print job %s: %w", jobOID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return domain.ErrJobCanceled
	}
	return nil
}

type printJobRow struct {
	ID        string         `db:"id"`
	JobID     string         `db:"job_id"`
	Slicing   sql.NullString `db:"slicing"`
	GCodeFile sql.NullString `db:"gcode_file"`
}

// GetJobRecord loads a print job. A missing record yields domain.ErrJobCanceled.
func (s *Storage) GetJobRecord(ctx context.Context, jobOID string) (*domain.JobRecord, error) {
	var row printJobRow
	query := s.db.Rebind(`SELECT id, job_id, slicing, gcode_file FROM print_jobs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, jobOID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobCanceled
		}
		return nil, fmt.Errorf("failed to get print job %s: %w", jobOID, err)
	}

	record := &domain.JobRecord{
		OID:       row.ID,
		JobID:     row.JobID,
		GCodeFile: row.GCodeFile.String,
	}
	if row.Slicing.Valid && row.Slicing.String != "" {
		var slicing domain.Slicing
		if err := json.Unmarshal([]byte(row.Slicing.String), &slicing); err != nil {
			return nil, fmt.Errorf("failed to parse slicing state of %s: %w", jobOID, err)
		}
		record.Slicing = &slicing
	}
	return record, nil
}

// LatestPrinterSocket returns the newest live socket record of a printer.
func (s *Storage) LatestPrinterSocket(ctx context.Context, serialNumber string) (string, error) {
	var socket string
	query := s.db.Rebind(`
		SELECT socket FROM printer_sockets
		WHERE serial_number = ? AND delete_flag = FALSE
		ORDER BY last_modified DESC
		LIMIT 1`)
	if err := s.db.GetContext(ctx, &socket, query, serialNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrDeviceUnreachable
		}
		return "", fmt.Errorf("failed to look up printer socket for %s: %w", serialNumber, err)
	}
	return socket, nil
}
