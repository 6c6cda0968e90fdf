package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Catalog indexes saved runs in a SQLite database so runs can be listed and
// selected for merging without decoding every blob.
type Catalog struct {
	db   *sql.DB
	path string
}

// Entry is one catalogued run.
type Entry struct {
	ID        int64
	Name      string
	Path      string
	NDim      int
	Labels    []string
	LogZ      float64
	NSamples  int
	NCall     int
	Converged bool
	RunTime   time.Duration
	Info      map[string]string
	SavedAt   time.Time
}

// timeLayout sorts lexically in time order, unlike RFC3339Nano.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned by Get for an unknown run name.
var ErrNotFound = errors.New("run not in catalog")

// OpenCatalog opens or creates the catalog database at path.
func OpenCatalog(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("store: creating catalog directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("store: opening catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{db: db, path: path}
	if err := c.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: creating catalog tables: %w", err)
	}
	return c, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL,
		ndim INTEGER NOT NULL,
		labels TEXT NOT NULL,
		logz REAL,
		nsamples INTEGER NOT NULL,
		ncall INTEGER NOT NULL,
		converged INTEGER NOT NULL,
		run_time_ns INTEGER NOT NULL,
		info TEXT,
		saved_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_labels ON runs(labels);
	`
	_, err := c.db.ExecContext(context.Background(), schema)
	return err
}

// Add records a saved run under name, replacing an earlier run of the same
// name.
func (c *Catalog) Add(ctx context.Context, name, path string, rec *Record) (int64, error) {
	res := rec.Result
	info, err := json.Marshal(rec.Info)
	if err != nil {
		return 0, fmt.Errorf("store: encoding run info: %w", err)
	}
	saved := rec.SavedAt
	if saved.IsZero() {
		saved = time.Now().UTC()
	}
	// -Inf evidence for an empty run is stored as NULL
	var logz sql.NullFloat64
	if res.Len() > 0 {
		logz = sql.NullFloat64{Float64: res.LogZFinal(), Valid: true}
	}
	query := `
	INSERT INTO runs (name, path, ndim, labels, logz, nsamples, ncall, converged, run_time_ns, info, saved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		path = excluded.path,
		ndim = excluded.ndim,
		labels = excluded.labels,
		logz = excluded.logz,
		nsamples = excluded.nsamples,
		ncall = excluded.ncall,
		converged = excluded.converged,
		run_time_ns = excluded.run_time_ns,
		info = excluded.info,
		saved_at = excluded.saved_at
	`
	if _, err := c.db.ExecContext(ctx, query,
		name, path, res.NDim, strings.Join(res.Labels, ","), logz, res.Len(), res.NCall,
		res.Converged, int64(res.RunTime), string(info), saved.UTC().Format(timeLayout),
	); err != nil {
		return 0, fmt.Errorf("store: inserting run %s: %w", name, err)
	}
	var id int64
	if err := c.db.QueryRowContext(ctx, `SELECT id FROM runs WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: reading id of %s: %w", name, err)
	}
	return id, nil
}

const entryColumns = `id, name, path, ndim, labels, logz, nsamples, ncall, converged, run_time_ns, info, saved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e       Entry
		labels  string
		logz    sql.NullFloat64
		runTime int64
		info    sql.NullString
		savedAt string
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Path, &e.NDim, &labels, &logz, &e.NSamples, &e.NCall,
		&e.Converged, &runTime, &info, &savedAt); err != nil {
		return nil, err
	}
	if labels != "" {
		e.Labels = strings.Split(labels, ",")
	}
	e.LogZ = math.Inf(-1)
	if logz.Valid {
		e.LogZ = logz.Float64
	}
	e.RunTime = time.Duration(runTime)
	if info.Valid && info.String != "" && info.String != "null" {
		if err := json.Unmarshal([]byte(info.String), &e.Info); err != nil {
			return nil, fmt.Errorf("decoding run info: %w", err)
		}
	}
	t, err := time.Parse(timeLayout, savedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing saved_at: %w", err)
	}
	e.SavedAt = t
	return &e, nil
}

// Get returns the entry for name.
func (c *Catalog) Get(ctx context.Context, name string) (*Entry, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM runs WHERE name = ?`, name)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", name, err)
	}
	return e, nil
}

// List returns entries, oldest first. With labels set only runs over the
// same parameter labels are returned, which are the ones Merge accepts.
func (c *Catalog) List(ctx context.Context, labels []string) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM runs`
	var args []any
	if labels != nil {
		query += ` WHERE labels = ?`
		args = append(args, strings.Join(labels, ","))
	}
	query += ` ORDER BY saved_at, id`
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing runs: %w", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: listing runs: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove deletes name from the catalog. The blob file is left alone.
func (c *Catalog) Remove(ctx context.Context, name string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM runs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: removing %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: %s: %w", name, ErrNotFound)
	}
	return nil
}
