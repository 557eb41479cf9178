package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore persists findings in a BoltDB file, one bucket per namespace.
// Each key maps to the JSON list of its findings. Bolt serialises write
// transactions, which makes AppendUnique atomic.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

// Query implements Store.
func (s *BoltStore) Query(ctx context.Context, namespace, key string) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Finding
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return decodeList(b.Get([]byte(key)), &out)
	})
	return out, err
}

// All implements Store.
func (s *BoltStore) All(ctx context.Context, namespace string) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Finding
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var list []Finding
			if err := decodeList(v, &list); err != nil {
				return err
			}
			out = append(out, list...)
			return nil
		})
	})
	return out, err
}

// Append implements Store.
func (s *BoltStore) Append(ctx context.Context, namespace string, f Finding) error {
	_, err := s.write(ctx, namespace, f, false)
	return err
}

// AppendUnique implements Store.
func (s *BoltStore) AppendUnique(ctx context.Context, namespace string, f Finding) (bool, error) {
	return s.write(ctx, namespace, f, true)
}

func (s *BoltStore) write(ctx context.Context, namespace string, f Finding, unique bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	stored := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}

		var list []Finding
		if err := decodeList(b.Get([]byte(f.Key)), &list); err != nil {
			return err
		}
		if unique && len(list) > 0 {
			return nil
		}

		data, err := json.Marshal(append(list, f))
		if err != nil {
			return fmt.Errorf("failed to marshal finding: %w", err)
		}
		stored = true
		return b.Put([]byte(f.Key), data)
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func decodeList(data []byte, out *[]Finding) error {
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal findings: %w", err)
	}
	return nil
}
