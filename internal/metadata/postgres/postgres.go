// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/muawin/muawin/internal/logging"
	"github.com/muawin/muawin/internal/metadata"
	"github.com/muawin/muawin/internal/metrics"
	"github.com/muawin/muawin/pkg/pathcodec"
)

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL metadata store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files. Migrations must be idempotent; every
// *.up.sql file runs on each start.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

const recordColumns = `file_id, category, zone, branch, filename, mime_type, size,
	file_number, storage_key, hash, uploaded_by, last_modified`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (metadata.Record, error) {
	var r metadata.Record
	err := row.Scan(&r.FileID, &r.Category, &r.Zone, &r.Branch, &r.Filename, &r.MIMEType,
		&r.Size, &r.FileNumber, &r.StorageKey, &r.Hash, &r.UploadedBy, &r.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return r, metadata.ErrNotFound
	}
	r.LastModified = r.LastModified.UTC()
	return r, err
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]metadata.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	recs := []metadata.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// List returns the scope's records ordered by file number.
func (s *Store) List(ctx context.Context, scope pathcodec.Scope) ([]metadata.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_files", time.Since(start)) }()

	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM files
		 WHERE category = $1 AND zone = $2 AND branch = $3
		 ORDER BY file_number`,
		scope.Category, scope.Zone, scope.Branch)
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, scope pathcodec.Scope, filename string) (metadata.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_file", time.Since(start)) }()

	return scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM files
		 WHERE category = $1 AND zone = $2 AND branch = $3 AND filename = $4`,
		scope.Category, scope.Zone, scope.Branch, filename))
}

// FindByFilename returns every record with filename, newest first.
func (s *Store) FindByFilename(ctx context.Context, filename string) ([]metadata.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_by_filename", time.Since(start)) }()

	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM files WHERE filename = $1 ORDER BY last_modified DESC`,
		filename)
}

// Put creates or overwrites a record inside one transaction. The scope
// counter row is locked by the upsert, so concurrent creates in one scope
// get distinct numbers.
func (s *Store) Put(ctx context.Context, rec metadata.Record) (metadata.Record, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("put_file", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return metadata.Record{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rec.LastModified = time.Now().UTC()
	created := false

	err = tx.QueryRowContext(ctx,
		`SELECT file_id, file_number FROM files
		 WHERE category = $1 AND zone = $2 AND branch = $3 AND filename = $4
		 FOR UPDATE`,
		rec.Category, rec.Zone, rec.Branch, rec.Filename).Scan(&rec.FileID, &rec.FileNumber)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
		if rec.FileID == "" {
			rec.FileID = uuid.NewString()
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO scope_counters (category, zone, branch, last_number)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (category, zone, branch)
			 DO UPDATE SET last_number = scope_counters.last_number + 1
			 RETURNING last_number`,
			rec.Category, rec.Zone, rec.Branch).Scan(&rec.FileNumber)
		if err != nil {
			return metadata.Record{}, false, fmt.Errorf("next file number: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO files (`+recordColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			rec.FileID, rec.Category, rec.Zone, rec.Branch, rec.Filename, rec.MIMEType, rec.Size,
			rec.FileNumber, rec.StorageKey, rec.Hash, rec.UploadedBy, rec.LastModified)
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE files SET mime_type = $2, size = $3, storage_key = $4, hash = $5,
			 uploaded_by = $6, last_modified = $7
			 WHERE file_id = $1`,
			rec.FileID, rec.MIMEType, rec.Size, rec.StorageKey, rec.Hash, rec.UploadedBy, rec.LastModified)
	}
	if err != nil {
		return metadata.Record{}, false, fmt.Errorf("upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return metadata.Record{}, false, fmt.Errorf("commit: %w", err)
	}

	logging.Debug("upserted file",
		logging.Scope(rec.Category, rec.Zone, rec.Branch),
		zap.String("filename", rec.Filename),
		zap.Int("file_number", rec.FileNumber),
		zap.Bool("created", created))
	return rec, created, nil
}

// Delete removes a record and returns it.
func (s *Store) Delete(ctx context.Context, scope pathcodec.Scope, filename string) (metadata.Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_file", time.Since(start)) }()

	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`DELETE FROM files
		 WHERE category = $1 AND zone = $2 AND branch = $3 AND filename = $4
		 RETURNING `+recordColumns,
		scope.Category, scope.Zone, scope.Branch, filename))
	if err != nil {
		return metadata.Record{}, err
	}
	logging.Debug("deleted file", logging.Scope(scope.Category, scope.Zone, scope.Branch),
		zap.String("filename", filename))
	return r, nil
}

// Count returns the total number of file records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("file_count", time.Since(start)) }()

	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&count)
	return count, err
}
