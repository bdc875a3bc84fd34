package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	recordsBucket = []byte("records")
	versionsBucket = []byte("versions")
)

// BoltStore implements Store backed by a single go.etcd.io/bbolt database,
// grounded on internal/provider/gemini-web/state.go's bucket layout in the
// teacher, adapted from whole-bucket-recreate-on-save to per-key Put so
// concurrent workers sharing the database don't clobber each other's keys.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("pool boltstore: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("pool boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(recordsBucket); e != nil {
			return e
		}
		_, e := tx.CreateBucketIfNotExists(versionsBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pool boltstore: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func versionFromBytes(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func versionToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Get implements Store.
func (s *BoltStore) Get(ctx context.Context, id string) (Stored, error) {
	var out Stored
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		version := versionFromBytes(tx.Bucket(versionsBucket).Get([]byte(id)))
		out = Stored{ID: id, Data: append([]byte(nil), data...), Version: version}
		return nil
	})
	if err != nil {
		return Stored{}, err
	}
	return out, nil
}

// List implements Store.
func (s *BoltStore) List(ctx context.Context) ([]Stored, error) {
	out := make([]Stored, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		versions := tx.Bucket(versionsBucket)
		return records.ForEach(func(k, v []byte) error {
			out = append(out, Stored{
				ID:      string(k),
				Data:    append([]byte(nil), v...),
				Version: versionFromBytes(versions.Get(k)),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put implements Store.
func (s *BoltStore) Put(ctx context.Context, id string, data []byte, expectedVersion uint64) (uint64, error) {
	var newVersion uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		versions := tx.Bucket(versionsBucket)
		current := versionFromBytes(versions.Get([]byte(id)))
		if records.Get([]byte(id)) == nil {
			if expectedVersion != 0 {
				return ErrConflict
			}
		} else if current != expectedVersion {
			return ErrConflict
		}
		newVersion = expectedVersion + 1
		if err := records.Put([]byte(id), data); err != nil {
			return err
		}
		return versions.Put([]byte(id), versionToBytes(newVersion))
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// Delete implements Store.
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(recordsBucket).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(versionsBucket).Delete([]byte(id))
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
