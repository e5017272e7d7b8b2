package export

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunFailed   = "failed"
)

// RunRecord is one invocation of the mapper.
type RunRecord struct {
	ID              string
	StartedAt       time.Time
	FinishedAt      time.Time
	GazePath        string
	VideoPath       string
	ReferencePath   string
	OutputDir       string
	Engine          string
	ConfigJSON      string
	FramesProcessed int
	FramesMatched   int
	RowsMapped      int
	Status          string
	Error           string
}

// FrameRecord is the localization outcome of one frame.
type FrameRecord struct {
	Frame       int
	Status      string
	Reason      string
	Keypoints   int
	GoodMatches int
}

// RunStore persists runs, per-frame outcomes and mapped rows in SQLite.
type RunStore struct {
	db *sql.DB
}

// OpenRunStore opens (creating if needed) the database at path and applies
// pending migrations.
func OpenRunStore(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// modernc sqlite connections do not share an in-memory database
	db.SetMaxOpenConns(1)
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &RunStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// m is not closed: closing it would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger on the diag stream.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	diagf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Close closes the database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

// BeginRun inserts a running run and returns its generated id.
func (s *RunStore) BeginRun(ctx context.Context, r RunRecord) (string, error) {
	id := uuid.NewString()
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, gaze_path, video_path, reference_path, output_dir, engine, config_json, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.StartedAt.UTC().Format(timeLayout), r.GazePath, r.VideoPath, r.ReferencePath,
		r.OutputDir, r.Engine, r.ConfigJSON, RunRunning)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	diagf("run %s started", id)
	return id, nil
}

// FinishRun records the outcome of a run.
func (s *RunStore) FinishRun(ctx context.Context, id string, r RunRecord) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	status := r.Status
	if status == "" {
		status = RunComplete
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, frames_processed = ?, frames_matched = ?, rows_mapped = ?, status = ?, error = ?
		WHERE run_id = ?`,
		r.FinishedAt.UTC().Format(timeLayout), r.FramesProcessed, r.FramesMatched, r.RowsMapped,
		status, nullable(r.Error), id)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// RecordFrames stores per-frame outcomes in one transaction.
func (s *RunStore) RecordFrames(ctx context.Context, id string, frames []FrameRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO frame_results (run_id, frame, status, reason, keypoints, good_matches)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, f := range frames {
			if _, err := stmt.ExecContext(ctx, id, f.Frame, f.Status, nullable(f.Reason), f.Keypoints, f.GoodMatches); err != nil {
				return fmt.Errorf("frame %d: %w", f.Frame, err)
			}
		}
		return nil
	})
}

// RecordRows stores mapped rows in order in one transaction.
func (s *RunStore) RecordRows(ctx context.Context, id string, rows []Row) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO mapped_gaze (run_id, seq, frame, gaze_ts, confidence, world_x, world_y, ref_x, ref_y)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, r := range rows {
			if _, err := stmt.ExecContext(ctx, id, i, r.Frame, r.GazeTS, r.Confidence,
				r.WorldX, r.WorldY, r.RefX, r.RefY); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		tracef("stored %d rows for run %s", len(rows), id)
		return nil
	})
}

func (s *RunStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	return r, err
}

// ListRuns returns every run, newest first.
func (s *RunStore) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, runSelect+` ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const runSelect = `
	SELECT run_id, started_at, COALESCE(finished_at, ''), gaze_path, video_path, reference_path,
		output_dir, engine, COALESCE(config_json, ''), frames_processed, frames_matched,
		rows_mapped, status, COALESCE(error, '')
	FROM runs`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var r RunRecord
	var started, finished string
	if err := sc.Scan(&r.ID, &started, &finished, &r.GazePath, &r.VideoPath, &r.ReferencePath,
		&r.OutputDir, &r.Engine, &r.ConfigJSON, &r.FramesProcessed, &r.FramesMatched,
		&r.RowsMapped, &r.Status, &r.Error); err != nil {
		return RunRecord{}, err
	}
	var err error
	if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return RunRecord{}, fmt.Errorf("run %s started_at: %w", r.ID, err)
	}
	if finished != "" {
		if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return RunRecord{}, fmt.Errorf("run %s finished_at: %w", r.ID, err)
		}
	}
	return r, nil
}

// FrameResults returns the per-frame outcomes of a run in frame order.
func (s *RunStore) FrameResults(ctx context.Context, id string) ([]FrameRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, status, COALESCE(reason, ''), keypoints, good_matches
		FROM frame_results WHERE run_id = ? ORDER BY frame`, id)
	if err != nil {
		return nil, fmt.Errorf("frame results: %w", err)
	}
	defer rows.Close()
	var out []FrameRecord
	for rows.Next() {
		var f FrameRecord
		if err := rows.Scan(&f.Frame, &f.Status, &f.Reason, &f.Keypoints, &f.GoodMatches); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MappedRows returns the mapped rows of a run in stored order.
func (s *RunStore) MappedRows(ctx context.Context, id string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, gaze_ts, confidence, world_x, world_y, ref_x, ref_y
		FROM mapped_gaze WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("mapped rows: %w", err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		var rx, ry float64
		if err := rows.Scan(&r.Frame, &r.GazeTS, &r.Confidence, &r.WorldX, &r.WorldY, &rx, &ry); err != nil {
			return nil, err
		}
		r.RefX, r.RefY = int(rx), int(ry)
		out = append(out, r)
	}
	return out, rows.Err()
}
