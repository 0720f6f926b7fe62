// Package bolt provides an embedded metadata store on bbolt.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	bolt "go.etcd.io/bbolt"

	"github.com/muawin/muawin/internal/logging"
	"github.com/muawin/muawin/internal/metadata"
	"github.com/muawin/muawin/internal/metrics"
	"github.com/muawin/muawin/pkg/pathcodec"
)

var filesBucket = []byte("files")

// Store keeps one nested bucket per scope under "files", keyed by filename.
// The nested bucket's sequence is the scope's file number counter.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scopeKey(scope pathcodec.Scope) []byte {
	return []byte(scope.String())
}

func observe(query string, start time.Time) {
	metrics.RecordDBQuery(query, time.Since(start))
}

// List returns the scope's records ordered by file number.
func (s *Store) List(_ context.Context, scope pathcodec.Scope) ([]metadata.Record, error) {
	defer observe("list_files", time.Now())

	recs := []metadata.Record{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket).Bucket(scopeKey(scope))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var r metadata.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			recs = append(recs, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FileNumber < recs[j].FileNumber })
	return recs, nil
}

// Get returns one record.
func (s *Store) Get(_ context.Context, scope pathcodec.Scope, filename string) (metadata.Record, error) {
	defer observe("get_file", time.Now())

	var r metadata.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket).Bucket(scopeKey(scope))
		if b == nil {
			return metadata.ErrNotFound
		}
		v := b.Get([]byte(filename))
		if v == nil {
			return metadata.ErrNotFound
		}
		return json.Unmarshal(v, &r)
	})
	return r, err
}

// FindByFilename scans every scope for filename, newest first.
func (s *Store) FindByFilename(_ context.Context, filename string) ([]metadata.Record, error) {
	defer observe("find_by_filename", time.Now())

	var recs []metadata.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEachBucket(func(k []byte) error {
			v := tx.Bucket(filesBucket).Bucket(k).Get([]byte(filename))
			if v == nil {
				return nil
			}
			var r metadata.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %s/%s: %w", k, filename, err)
			}
			recs = append(recs, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].LastModified.After(recs[j].LastModified) })
	return recs, nil
}

// Put creates or overwrites a record.
func (s *Store) Put(_ context.Context, rec metadata.Record) (metadata.Record, bool, error) {
	defer observe("put_file", time.Now())

	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(filesBucket).CreateBucketIfNotExists(scopeKey(rec.Scope()))
		if err != nil {
			return err
		}

		if v := b.Get([]byte(rec.Filename)); v != nil {
			var prev metadata.Record
			if err := json.Unmarshal(v, &prev); err != nil {
				return fmt.Errorf("decode %s: %w", rec.Filename, err)
			}
			rec.FileID = prev.FileID
			rec.FileNumber = prev.FileNumber
		} else {
			n, err := b.NextSequence()
			if err != nil {
				return err
			}
			rec.FileNumber = int(n)
			if rec.FileID == "" {
				rec.FileID = uuid.NewString()
			}
			created = true
		}
		rec.LastModified = s.now().UTC()

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Filename), data)
	})
	if err != nil {
		return metadata.Record{}, false, fmt.Errorf("put %s: %w", rec.Filename, err)
	}

	logging.Debug("stored file record",
		logging.Scope(rec.Category, rec.Zone, rec.Branch),
		zap.String("filename", rec.Filename),
		zap.Int("file_number", rec.FileNumber),
		zap.Bool("created", created))
	return rec, created, nil
}

// Delete removes a record.
func (s *Store) Delete(_ context.Context, scope pathcodec.Scope, filename string) (metadata.Record, error) {
	defer observe("delete_file", time.Now())

	var r metadata.Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket).Bucket(scopeKey(scope))
		if b == nil {
			return metadata.ErrNotFound
		}
		v := b.Get([]byte(filename))
		if v == nil {
			return metadata.ErrNotFound
		}
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		return b.Delete([]byte(filename))
	})
	return r, err
}

// Count returns the number of records in all scopes.
func (s *Store) Count(_ context.Context) (int64, error) {
	defer observe("file_count", time.Now())

	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(filesBucket)
		return root.ForEachBucket(func(k []byte) error {
			n += int64(root.Bucket(k).Stats().KeyN)
			return nil
		})
	})
	return n, err
}
