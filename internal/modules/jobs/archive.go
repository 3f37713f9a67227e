package jobs

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/quantfolio/internal/database"
)

// Archive keeps terminal jobs beyond the in-memory registry
type Archive interface {
	Save(ctx context.Context, o *Outcome) error
	Load(ctx context.Context, id string) (*Outcome, error) // ErrJobNotFound when absent
	List(ctx context.Context, status Status) ([]Snapshot, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SQLiteArchive stores msgpack-encoded outcomes in the archive database
type SQLiteArchive struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLiteArchive creates an archive over a migrated archive database
func NewSQLiteArchive(db *database.DB, log zerolog.Logger) *SQLiteArchive {
	return &SQLiteArchive{
		db:  db.Conn(),
		log: log.With().Str("repo", "job_archive").Logger(),
	}
}

func encodeOutcome(o *Outcome) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeOutcome(payload []byte) (*Outcome, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("json")
	var o Outcome
	if err := dec.Decode(&o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Save inserts or replaces the outcome of a terminal job
func (a *SQLiteArchive) Save(ctx context.Context, o *Outcome) error {
	if !o.Job.Status.Terminal() {
		return fmt.Errorf("job %s is %s, only terminal jobs are archived", o.Job.ID, o.Job.Status)
	}
	payload, err := encodeOutcome(o)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", o.Job.ID, err)
	}

	finished := time.Now()
	if o.Job.FinishedAt != nil {
		finished = *o.Job.FinishedAt
	}

	query := `
		INSERT OR REPLACE INTO jobs (id, status, error_kind, created_at, finished_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = a.db.ExecContext(ctx, query,
		o.Job.ID,
		string(o.Job.Status),
		string(o.Job.ErrorKind),
		o.Job.CreatedAt.UnixMilli(),
		finished.UnixMilli(),
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to archive job %s: %w", o.Job.ID, err)
	}

	a.log.Debug().Str("job_id", o.Job.ID).Str("status", string(o.Job.Status)).Int("bytes", len(payload)).Msg("Job archived")
	return nil
}

// Load returns an archived outcome
func (a *SQLiteArchive) Load(ctx context.Context, id string) (*Outcome, error) {
	var payload []byte
	err := a.db.QueryRowContext(ctx, "SELECT payload FROM jobs WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	o, err := decodeOutcome(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return o, nil
}

// List returns archived snapshots, newest first. An empty status lists all.
func (a *SQLiteArchive) List(ctx context.Context, status Status) ([]Snapshot, error) {
	query := "SELECT payload FROM jobs"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived jobs: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan archived job: %w", err)
		}
		o, err := decodeOutcome(payload)
		if err != nil {
			a.log.Warn().Err(err).Msg("Skipping undecodable archived job")
			continue
		}
		snapshots = append(snapshots, o.Job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived jobs: %w", err)
	}
	return snapshots, nil
}

// Delete removes one archived job and reports whether it existed
func (a *SQLiteArchive) Delete(ctx context.Context, id string) (bool, error) {
	res, err := a.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete archived job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteFinishedBefore removes archived jobs that finished before cutoff
func (a *SQLiteArchive) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := a.db.ExecContext(ctx, "DELETE FROM jobs WHERE finished_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge archived jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		a.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Purged archived jobs")
	}
	return int(n), nil
}
